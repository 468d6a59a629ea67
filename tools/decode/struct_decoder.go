package decode

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// Options controls decode behavior.
type Options struct {
	// WeaklyTypedInput (default true) tolerates loose client JSON:
	// "123" -> int64, 1.0 -> int64, and so on.
	WeaklyTypedInput bool
}

func DefaultOptions() Options {
	return Options{WeaklyTypedInput: true}
}

// Map decodes a generic payload map into a typed frame payload T.
// Field mapping uses `json` tags, same as the wire envelope.
func Map[T any](m map[string]any, opts ...Options) (*T, error) {
	if m == nil {
		return nil, fmt.Errorf("payload map is nil")
	}

	cfg := DefaultOptions()
	if len(opts) > 0 {
		cfg = opts[0]
	}

	var out T
	decCfg := &mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &out,
		WeaklyTypedInput: cfg.WeaklyTypedInput,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			floatToIntHook(),
			jsonNumberHook(),
		),
	}

	dec, err := mapstructure.NewDecoder(decCfg)
	if err != nil {
		return nil, fmt.Errorf("new decoder: %w", err)
	}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &out, nil
}

// floatToIntHook converts float64 (the default JSON number type) into the
// integer kinds our payloads use for positions.
func floatToIntHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Kind, data any) (any, error) {
		if from != reflect.Float64 {
			return data, nil
		}
		switch to {
		case reflect.Int:
			return int(data.(float64)), nil
		case reflect.Int32:
			return int32(data.(float64)), nil
		case reflect.Int64:
			return int64(data.(float64)), nil
		}
		return data, nil
	}
}

// jsonNumberHook handles payloads decoded with json.Number enabled.
func jsonNumberHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Type, data any) (any, error) {
		n, ok := data.(json.Number)
		if !ok {
			return data, nil
		}
		switch to.Kind() {
		case reflect.Int, reflect.Int32, reflect.Int64:
			return n.Int64()
		case reflect.Float64:
			return n.Float64()
		case reflect.String:
			return n.String(), nil
		}
		return data, nil
	}
}
