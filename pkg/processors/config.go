package processors

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// DecodeConfig decodes a loosely typed configuration map into out.
func DecodeConfig(input any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("failed to build config decoder: %w", err)
	}

	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}

	return nil
}
