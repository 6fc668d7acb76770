package model

import (
	"fmt"
	"time"

	"github.com/senseyeio/duration"
)

type TimerType string

const (
	TimerTypeDuration TimerType = "DURATION"
	TimerTypeDate     TimerType = "DATE"
)

// TimerDefinition is the trigger of a timer catch event.
// Duration values use ISO-8601 (e.g. PT20S), dates use RFC3339.
type TimerDefinition struct {
	Type  TimerType `yaml:"type" json:"type"`
	Value string    `yaml:"value" json:"value"`
}

// FireTime computes when the timer fires when armed at now.
func (t TimerDefinition) FireTime(now time.Time) (time.Time, error) {
	switch t.Type {
	case TimerTypeDuration, "":
		d, err := duration.ParseISO8601(t.Value)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to parse timer duration %q: %w", t.Value, err)
		}
		return d.Shift(now), nil
	case TimerTypeDate:
		at, err := time.Parse(time.RFC3339, t.Value)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to parse timer date %q: %w", t.Value, err)
		}
		return at, nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timer type %q", t.Type)
	}
}
