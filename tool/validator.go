package tool

import (
	"encoding/json"
	"fmt"

	operator "github.com/aiop/operator"
)

// ValidateArgs checks args against schema: every required key must be
// present, no key outside schema.Properties may appear, and every present
// key must match its declared scalar type. Every failure wraps
// operator.ErrInvalidArgument so callers can classify it with errors.Is.
func ValidateArgs(schema Schema, args map[string]any) error {
	for _, name := range schema.Required {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("%w: missing required field: %s", operator.ErrInvalidArgument, name)
		}
	}

	for name, value := range args {
		prop, known := schema.Properties[name]
		if !known {
			return fmt.Errorf("%w: unexpected field: %s", operator.ErrInvalidArgument, name)
		}
		if err := validateType(name, prop.Type, value); err != nil {
			return err
		}
	}

	return nil
}

func validateType(name string, expected FieldType, value any) error {
	if value == nil {
		return fmt.Errorf("%w: field %q: null value not allowed", operator.ErrInvalidArgument, name)
	}

	switch expected {
	case FieldString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("%w: field %q: expected string, got %T", operator.ErrInvalidArgument, name, value)
		}
	case FieldBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%w: field %q: expected boolean, got %T", operator.ErrInvalidArgument, name, value)
		}
	case FieldNumber:
		if _, err := toFloat64(value); err != nil {
			return fmt.Errorf("%w: field %q: expected number: %v", operator.ErrInvalidArgument, name, err)
		}
	case FieldInteger:
		f, err := toFloat64(value)
		if err != nil {
			return fmt.Errorf("%w: field %q: expected integer: %v", operator.ErrInvalidArgument, name, err)
		}
		if f != float64(int64(f)) {
			return fmt.Errorf("%w: field %q: expected integer, got non-integral number %v", operator.ErrInvalidArgument, name, f)
		}
	default:
		return fmt.Errorf("%w: field %q: unsupported declared type %q", operator.ErrInvalidArgument, name, expected)
	}

	return nil
}

// toFloat64 accepts the numeric shapes that survive a JSON round-trip
// (float64 from encoding/json, plus json.Number when a decoder was
// configured with UseNumber) and native Go integer types for args built
// in-process.
func toFloat64(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case json.Number:
		return val.Float64()
	default:
		return 0, fmt.Errorf("cannot interpret %T as a number", v)
	}
}
