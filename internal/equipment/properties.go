package equipment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/KevinKickass/OpenWCS/internal/types"
	"github.com/spf13/cast"
)

var ErrUnknownProperty = errors.New("unknown equipment property")

// setter coerces raw into the property type and stores it when it differs.
type setter func(e *Equipment, raw any) (changed bool, err error)

// properties maps normalised property names to their setters. Tags refer to
// properties by name, so this table is the whole tag-to-field contract.
var properties = map[string]setter{
	"isrunning":   field(func(e *Equipment) *bool { return &e.IsRunning }, cast.ToBoolE),
	"hasfault":    field(func(e *Equipment) *bool { return &e.HasFault }, cast.ToBoolE),
	"isblocked":   field(func(e *Equipment) *bool { return &e.IsBlocked }, cast.ToBoolE),
	"speed":       field(func(e *Equipment) *float64 { return &e.Speed }, cast.ToFloat64E),
	"temperature": field(func(e *Equipment) *float64 { return &e.Temperature }, cast.ToFloat64E),
	"errorcode":   field(func(e *Equipment) *int { return &e.ErrorCode }, cast.ToIntE),
	"mode":        field(func(e *Equipment) *Mode { return &e.Mode }, toMode),
}

func field[T comparable](target func(*Equipment) *T, coerce func(any) (T, error)) setter {
	return func(e *Equipment, raw any) (bool, error) {
		v, err := coerce(raw)
		if err != nil {
			return false, err
		}
		p := target(e)
		if *p == v {
			return false, nil
		}
		*p = v
		return true, nil
	}
}

// toMode accepts a mode name or its ordinal.
func toMode(raw any) (Mode, error) {
	if s, ok := raw.(string); ok {
		if m, err := ParseMode(s); err == nil {
			return m, nil
		}
	}

	n, err := cast.ToIntE(raw)
	if err != nil {
		return ModeUnknown, fmt.Errorf("cannot convert %v (%T) to mode", raw, raw)
	}
	m := Mode(n)
	if !m.Valid() {
		return ModeUnknown, fmt.Errorf("mode ordinal %d out of range", n)
	}
	return m, nil
}

func normalise(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "_", ""))
}

func lookup(name string) (setter, bool) {
	s, ok := properties[normalise(name)]
	return s, ok
}

// HasProperty reports whether name addresses a known equipment field.
func HasProperty(name string) bool {
	_, ok := lookup(name)
	return ok
}

// ValidateTags fails when a mappable tag names a property that does not
// exist, so a typo surfaces at startup rather than as silent skips.
func ValidateTags(tags []types.FieldTag) error {
	var errs []error
	for _, t := range tags {
		if !t.Mappable() {
			continue
		}
		if !HasProperty(t.PropertyName) {
			errs = append(errs, fmt.Errorf("%w: tag %s refers to %q", ErrUnknownProperty, t.ID, t.PropertyName))
		}
	}
	return errors.Join(errs...)
}

// Set applies one raw value to the named property.
func (e *Equipment) Set(property string, raw any) (bool, error) {
	s, ok := lookup(property)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownProperty, property)
	}
	changed, err := s(e, raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %w", types.ErrDecode, property, err)
	}
	return changed, nil
}
