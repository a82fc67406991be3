package equipment

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("equipment not found")

type Mode int

const (
	ModeUnknown Mode = iota
	ModeAuto
	ModeManual
	ModeMaintenance
)

var modeNames = map[Mode]string{
	ModeUnknown:     "unknown",
	ModeAuto:        "auto",
	ModeManual:      "manual",
	ModeMaintenance: "maintenance",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

func (m Mode) Valid() bool {
	_, ok := modeNames[m]
	return ok
}

// ParseMode accepts a mode name in any case.
func ParseMode(s string) (Mode, error) {
	needle := strings.ToLower(strings.TrimSpace(s))
	for mode, name := range modeNames {
		if name == needle {
			return mode, nil
		}
	}
	return ModeUnknown, fmt.Errorf("unknown mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Equipment is the live status of one physical unit (conveyor, lift).
type Equipment struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	DeviceID            string    `json:"device_id"`
	IsRunning           bool      `json:"is_running"`
	HasFault            bool      `json:"has_fault"`
	IsBlocked           bool      `json:"is_blocked"`
	Speed               float64   `json:"speed"`
	Temperature         float64   `json:"temperature"`
	ErrorCode           int       `json:"error_code"`
	Mode                Mode      `json:"mode"`
	LastStatusChangedAt time.Time `json:"last_status_changed_at"`
}

// New creates equipment first observed through a tag on deviceID.
func New(id, deviceID string) *Equipment {
	return &Equipment{
		ID:       id,
		Name:     id,
		DeviceID: deviceID,
	}
}
