// Package builtin provides the default tools every registry ships with.
package builtin

import (
	"context"

	"github.com/aiop/operator/tool"
)

// Ping returns the spec for the default "ping" tool: an argument-optional
// echo used to exercise the tool turn end to end without any external
// dependency.
func Ping() tool.Spec {
	return tool.Spec{
		Name:        "ping",
		Description: "Echoes the given message back; used to smoke-test the tool-call path.",
		Schema: tool.Schema{
			Type:       "object",
			Properties: map[string]tool.Property{"message": {Type: tool.FieldString}},
		},
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			message, _ := args["message"].(string)
			return map[string]any{
				"ok":   true,
				"tool": "ping",
				"echo": message,
			}, nil
		},
	}
}
