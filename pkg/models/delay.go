package models

import (
	"fmt"
	"time"
)

// TimeUnit is the unit of a delay node duration.
type TimeUnit string

const (
	TimeUnitMilliseconds TimeUnit = "milliseconds"
	TimeUnitSeconds      TimeUnit = "seconds"
	TimeUnitMinutes      TimeUnit = "minutes"
	TimeUnitHours        TimeUnit = "hours"
	TimeUnitDays         TimeUnit = "days"
)

var timeUnitAliases = map[TimeUnit]TimeUnit{
	"ms":  TimeUnitMilliseconds,
	"s":   TimeUnitSeconds,
	"min": TimeUnitMinutes,
	"h":   TimeUnitHours,
	"day": TimeUnitDays,
}

// DelayConfig is the configuration of a delay node.
type DelayConfig struct {
	WorkflowNodeID int64    `json:"workflow_node_id" mapstructure:"workflow_node_id"`
	Duration       int64    `json:"duration"         mapstructure:"duration"`
	Unit           TimeUnit `json:"unit"             mapstructure:"unit"`
}

// ErrInvalidTimeUnit is returned for delay units outside the supported set.
type ErrInvalidTimeUnit struct {
	Unit TimeUnit
}

func (e ErrInvalidTimeUnit) Error() string {
	return fmt.Sprintf("invalid time unit: %s", e.Unit)
}

// ConvertToDuration turns a (duration, unit) pair into a time.Duration.
func ConvertToDuration(duration int64, unit TimeUnit) (time.Duration, error) {
	if alias, ok := timeUnitAliases[unit]; ok {
		unit = alias
	}

	switch unit {
	case TimeUnitMilliseconds:
		return time.Duration(duration) * time.Millisecond, nil
	case TimeUnitSeconds:
		return time.Duration(duration) * time.Second, nil
	case TimeUnitMinutes:
		return time.Duration(duration) * time.Minute, nil
	case TimeUnitHours:
		return time.Duration(duration) * time.Hour, nil
	case TimeUnitDays:
		return time.Duration(duration) * 24 * time.Hour, nil
	default:
		return 0, ErrInvalidTimeUnit{Unit: unit}
	}
}

// Delay returns the configured delay as a duration.
func (c DelayConfig) Delay() (time.Duration, error) {
	return ConvertToDuration(c.Duration, c.Unit)
}
