package queue

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"

	"github.com/dukex/flowrunner/pkg/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// EncodePayload serializes a job payload.
func EncodePayload(payload any) (json.RawMessage, error) {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job payload: %w", err)
	}

	return data, nil
}

// DecodeJobPayload reads and validates a workflow job payload.
func DecodeJobPayload(data json.RawMessage) (models.JobPayload, error) {
	var payload models.JobPayload

	if err := decodeValid(data, &payload); err != nil {
		return models.JobPayload{}, err
	}

	return payload, nil
}

// DecodeTriggerPayload reads and validates a cron or schedule job payload.
func DecodeTriggerPayload(data json.RawMessage) (models.TriggerJobPayload, error) {
	var payload models.TriggerJobPayload

	if err := decodeValid(data, &payload); err != nil {
		return models.TriggerJobPayload{}, err
	}

	return payload, nil
}

func decodeValid(data json.RawMessage, dest any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}

	if err := sonic.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	if err := validate.Struct(dest); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	return nil
}

// envelope is the stored form of a job.
type envelope struct {
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data"`
	ProcessAt int64           `json:"processAt"`
	Repeat    string          `json:"repeat,omitempty"`
	CreatedAt int64           `json:"createdAt"`
}

func encodeEnvelope(e envelope) (string, error) {
	return sonic.MarshalString(e)
}

func decodeEnvelope(raw string) (envelope, error) {
	var e envelope

	err := sonic.UnmarshalString(raw, &e)

	return e, err
}
