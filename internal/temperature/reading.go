package temperature

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidPayload = errors.New("invalid sensor payload")

// Reading is one temperature sample reported by a sensor.
type Reading struct {
	ID        uuid.UUID `json:"id"`
	SensorID  string    `json:"sensor_id"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// sensorSample is the gateway's wire shape. Older sensor firmware reports
// the value as "temperature" and leaves out the timestamp.
type sensorSample struct {
	SensorID    string     `json:"sensorId"`
	Value       *float64   `json:"value"`
	Temperature *float64   `json:"temperature"`
	Timestamp   *time.Time `json:"timestamp"`
}

// ParseReadings decodes a single sample object or an array of samples.
// Samples without a timestamp are stamped with now.
func ParseReadings(body []byte, now time.Time) ([]Reading, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}

	var samples []sensorSample
	switch body[0] {
	case '[':
		if err := json.Unmarshal(body, &samples); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	case '{':
		var s sensorSample
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		samples = append(samples, s)
	default:
		return nil, fmt.Errorf("%w: expected object or array", ErrInvalidPayload)
	}

	readings := make([]Reading, 0, len(samples))
	for i, s := range samples {
		sensorID := strings.TrimSpace(s.SensorID)
		if sensorID == "" {
			return nil, fmt.Errorf("%w: sample %d has no sensorId", ErrInvalidPayload, i)
		}

		value := s.Value
		if value == nil {
			value = s.Temperature
		}
		if value == nil {
			return nil, fmt.Errorf("%w: sample %d from %s has no value", ErrInvalidPayload, i, sensorID)
		}

		ts := now
		if s.Timestamp != nil && !s.Timestamp.IsZero() {
			ts = *s.Timestamp
		}

		readings = append(readings, Reading{
			ID:        uuid.New(),
			SensorID:  sensorID,
			Value:     *value,
			Timestamp: ts.UTC(),
		})
	}
	return readings, nil
}
