// Package triggers validates trigger configurations and turns cron
// frequency settings into cron expressions.
package triggers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/mitchellh/mapstructure"
	"github.com/xeipuuv/gojsonschema"

	"github.com/dukex/flowrunner/pkg/models"
	"github.com/dukex/flowrunner/pkg/queue"
)

var ErrInvalidConfig = errors.New("invalid trigger config")

type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyCustom  Frequency = "custom"

	DefaultTimeOfDay = "00:00"
	LastDayOfMonth   = "L"
)

// CronConfig is the config of a cron trigger. DaysOfWeek and DaysOfMonth
// accept a single value or a list; DaysOfMonth may also be "L".
type CronConfig struct {
	Frequency   Frequency `mapstructure:"frequency"`
	TimeOfDay   string    `mapstructure:"timeOfDay"`
	DaysOfWeek  any       `mapstructure:"daysOfWeek"`
	DaysOfMonth any       `mapstructure:"daysOfMonth"`
	Expression  string    `mapstructure:"expression"`
}

// ScheduleConfig is the config of a one-shot schedule trigger.
type ScheduleConfig struct {
	ScheduleAt time.Time
}

const (
	timeOfDayPattern  = `^(?:[01]\d|2[0-3]):[0-5]\d$`
	expressionPattern = `^(@(yearly|monthly|weekly|daily|hourly))|((((\d+,)+\d+|(\d+(\/|-)\d+)|\d+|\*|L) ?){5})$`
)

func dayList(minimum, maximum int) map[string]any {
	day := map[string]any{"type": "integer", "minimum": minimum, "maximum": maximum}

	return map[string]any{
		"oneOf": []any{
			day,
			map[string]any{"type": "array", "items": day, "uniqueItems": true, "minItems": 1},
		},
	}
}

func forbid(fields ...string) map[string]any {
	anyOf := make([]any, 0, len(fields))
	for _, field := range fields {
		anyOf = append(anyOf, map[string]any{"required": []any{field}})
	}

	return map[string]any{"not": map[string]any{"anyOf": anyOf}}
}

func when(frequency Frequency, then map[string]any) map[string]any {
	return map[string]any{
		"if": map[string]any{
			"required":   []any{"frequency"},
			"properties": map[string]any{"frequency": map[string]any{"const": string(frequency)}},
		},
		"then": then,
	}
}

func merge(parts ...map[string]any) map[string]any {
	out := map[string]any{}
	for _, part := range parts {
		for key, value := range part {
			out[key] = value
		}
	}

	return out
}

var cronSchema = gojsonschema.NewGoLoader(map[string]any{
	"$schema":  "http://json-schema.org/draft-07/schema#",
	"type":     "object",
	"required": []any{"frequency"},
	"properties": map[string]any{
		"frequency":  map[string]any{"enum": []any{"daily", "weekly", "monthly", "custom"}},
		"timeOfDay":  map[string]any{"type": "string", "pattern": timeOfDayPattern},
		"daysOfWeek": dayList(1, 7),
		"daysOfMonth": map[string]any{
			"oneOf": append(dayList(1, 31)["oneOf"].([]any), map[string]any{"const": LastDayOfMonth}),
		},
		"expression": map[string]any{"type": "string", "pattern": expressionPattern},
	},
	"allOf": []any{
		when(FrequencyDaily, merge(map[string]any{"required": []any{"timeOfDay"}}, forbid("daysOfWeek", "daysOfMonth", "expression"))),
		when(FrequencyWeekly, merge(map[string]any{"required": []any{"daysOfWeek"}}, forbid("daysOfMonth", "expression"))),
		when(FrequencyMonthly, merge(map[string]any{"required": []any{"daysOfMonth"}}, forbid("daysOfWeek", "expression"))),
		when(FrequencyCustom, merge(map[string]any{"required": []any{"expression"}}, forbid("daysOfWeek", "daysOfMonth"))),
	},
})

var scheduleSchema = gojsonschema.NewGoLoader(map[string]any{
	"$schema":  "http://json-schema.org/draft-07/schema#",
	"type":     "object",
	"required": []any{"scheduleAt"},
	"properties": map[string]any{
		"scheduleAt": map[string]any{"type": "string", "format": "date-time"},
	},
})

// Validate checks a trigger config against the schema of its type.
// Webhook and http triggers carry no config requirements.
func Validate(triggerType models.TriggerType, config map[string]any, now time.Time) error {
	switch triggerType {
	case models.TriggerCron:
		if err := validateSchema(cronSchema, config); err != nil {
			return err
		}

		cfg, err := DecodeCron(config)
		if err != nil {
			return err
		}

		expr, err := CronExpression(cfg)
		if err != nil {
			return err
		}

		if _, err := queue.ParseSchedule(expr); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	case models.TriggerSchedule:
		if err := validateSchema(scheduleSchema, config); err != nil {
			return err
		}

		cfg, err := DecodeSchedule(config)
		if err != nil {
			return err
		}

		if !cfg.ScheduleAt.After(now) {
			return fmt.Errorf("%w: scheduleAt must be in the future", ErrInvalidConfig)
		}
	case models.TriggerWebhook, models.TriggerHTTP:
	default:
		return fmt.Errorf("%w: unknown trigger type %q", ErrInvalidConfig, triggerType)
	}

	return nil
}

func validateSchema(schema gojsonschema.JSONLoader, config map[string]any) error {
	if config == nil {
		config = map[string]any{}
	}

	result, err := gojsonschema.Validate(schema, gojsonschema.NewGoLoader(config))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}

		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(messages, "; "))
	}

	return nil
}

func DecodeCron(config map[string]any) (CronConfig, error) {
	var cfg CronConfig
	if err := mapstructure.Decode(config, &cfg); err != nil {
		return CronConfig{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return cfg, nil
}

func DecodeSchedule(config map[string]any) (ScheduleConfig, error) {
	raw, _ := config["scheduleAt"].(string)

	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return ScheduleConfig{}, fmt.Errorf("%w: scheduleAt: %w", ErrInvalidConfig, err)
	}

	return ScheduleConfig{ScheduleAt: at}, nil
}

// CronExpression builds the five-field expression for cfg. Weekdays use
// 1 to 7 with 7 meaning Sunday.
func CronExpression(cfg CronConfig) (string, error) {
	if cfg.Frequency == FrequencyCustom {
		return strings.TrimSpace(cfg.Expression), nil
	}

	timeOfDay := cfg.TimeOfDay
	if timeOfDay == "" {
		timeOfDay = DefaultTimeOfDay
	}

	hourPart, minutePart, ok := strings.Cut(timeOfDay, ":")
	if !ok {
		return "", fmt.Errorf("%w: timeOfDay %q", ErrInvalidConfig, timeOfDay)
	}

	hour, errHour := strconv.Atoi(hourPart)
	minute, errMinute := strconv.Atoi(minutePart)

	if errHour != nil || errMinute != nil {
		return "", fmt.Errorf("%w: timeOfDay %q", ErrInvalidConfig, timeOfDay)
	}

	switch cfg.Frequency {
	case FrequencyDaily:
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	case FrequencyWeekly:
		days, err := dayValues(cfg.DaysOfWeek)
		if err != nil {
			return "", err
		}

		for i, day := range days {
			if day == 7 {
				days[i] = 0
			}
		}

		return fmt.Sprintf("%d %d * * %s", minute, hour, joinDays(days)), nil
	case FrequencyMonthly:
		if s, ok := cfg.DaysOfMonth.(string); ok && s == LastDayOfMonth {
			return fmt.Sprintf("%d %d L * *", minute, hour), nil
		}

		days, err := dayValues(cfg.DaysOfMonth)
		if err != nil {
			return "", err
		}

		return fmt.Sprintf("%d %d %s * *", minute, hour, joinDays(days)), nil
	}

	return "", fmt.Errorf("%w: unknown frequency %q", ErrInvalidConfig, cfg.Frequency)
}

func dayValues(raw any) ([]int, error) {
	var items []any

	switch v := raw.(type) {
	case []any:
		items = v
	case nil:
		return nil, fmt.Errorf("%w: days are required", ErrInvalidConfig)
	default:
		items = []any{v}
	}

	days := make([]int, 0, len(items))

	for _, item := range items {
		switch n := item.(type) {
		case int:
			days = append(days, n)
		case int64:
			days = append(days, int(n))
		case float64:
			days = append(days, int(n))
		default:
			return nil, fmt.Errorf("%w: invalid day %v", ErrInvalidConfig, item)
		}
	}

	return days, nil
}

func joinDays(days []int) string {
	days = slices.Clone(days)
	slices.Sort(days)
	days = slices.Compact(days)

	parts := make([]string, 0, len(days))
	for _, day := range days {
		parts = append(parts, strconv.Itoa(day))
	}

	return strings.Join(parts, ",")
}

// ConfigHash is the SHA-256 of the canonical JSON of type and config.
// Map keys are sorted, so equal configs hash equally.
func ConfigHash(triggerType models.TriggerType, config map[string]any) (string, error) {
	canonical, err := sonic.ConfigStd.Marshal(map[string]any{"type": string(triggerType), "config": config})
	if err != nil {
		return "", fmt.Errorf("failed to encode trigger config: %w", err)
	}

	sum := sha256.Sum256(canonical)

	return hex.EncodeToString(sum[:]), nil
}
