package tool

import (
	"errors"
	"testing"

	operator "github.com/aiop/operator"
)

func TestValidateArgs(t *testing.T) {
	schema := Schema{
		Type: "object",
		Properties: map[string]Property{
			"message": {Type: FieldString},
			"count":   {Type: FieldInteger},
			"ratio":   {Type: FieldNumber},
			"ok":      {Type: FieldBoolean},
		},
		Required: []string{"message"},
	}

	tests := []struct {
		name    string
		args    map[string]any
		wantErr bool
	}{
		{
			name: "valid minimal",
			args: map[string]any{"message": "hi"},
		},
		{
			name: "valid all fields",
			args: map[string]any{"message": "hi", "count": float64(3), "ratio": 1.5, "ok": true},
		},
		{
			name:    "missing required",
			args:    map[string]any{"count": float64(3)},
			wantErr: true,
		},
		{
			name:    "unexpected field",
			args:    map[string]any{"message": "hi", "bogus": 1},
			wantErr: true,
		},
		{
			name:    "wrong type string",
			args:    map[string]any{"message": 42},
			wantErr: true,
		},
		{
			name:    "integer field with fraction",
			args:    map[string]any{"message": "hi", "count": 3.5},
			wantErr: true,
		},
		{
			name:    "null value rejected",
			args:    map[string]any{"message": nil},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArgs(schema, tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateArgs() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, operator.ErrInvalidArgument) {
				t.Fatalf("ValidateArgs() error = %v, want operator.ErrInvalidArgument", err)
			}
		})
	}
}
