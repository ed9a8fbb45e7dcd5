package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// ClockTool reports the current time, optionally in a named IANA zone.
// Registered by default so even a bare deployment has one working tool.
func ClockTool() Tool {
	return Tool{
		Descriptor: Descriptor{
			Name:        "current_time",
			Description: "Returns the current date and time, optionally in a specific IANA timezone.",
			Schema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"timezone": {
						Type:        "string",
						Description: "IANA timezone name, e.g. Europe/Oslo. Defaults to UTC.",
					},
				},
			},
			Timeout: time.Second,
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			loc := time.UTC
			if tz, ok := args["timezone"].(string); ok && tz != "" {
				var err error
				loc, err = time.LoadLocation(tz)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", tz)
				}
			}
			now := time.Now().In(loc)
			return map[string]string{
				"time":     now.Format(time.RFC3339),
				"timezone": loc.String(),
				"weekday":  now.Weekday().String(),
			}, nil
		},
	}
}

// CalcTool evaluates a basic arithmetic operation. Spoken assistants
// get asked this constantly and models are unreliable at it.
func CalcTool() Tool {
	return Tool{
		Descriptor: Descriptor{
			Name:        "calculate",
			Description: "Performs a basic arithmetic operation on two numbers.",
			Schema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"operation": {
						Type: "string",
						Enum: []any{"add", "subtract", "multiply", "divide"},
					},
					"a": {Type: "number"},
					"b": {Type: "number"},
				},
				Required: []string{"operation", "a", "b"},
			},
			Timeout: time.Second,
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			a, aok := toFloat(args["a"])
			b, bok := toFloat(args["b"])
			if !aok || !bok {
				return nil, fmt.Errorf("operands must be numbers")
			}
			op, _ := args["operation"].(string)
			var result float64
			switch op {
			case "add":
				result = a + b
			case "subtract":
				result = a - b
			case "multiply":
				result = a * b
			case "divide":
				if b == 0 {
					return nil, fmt.Errorf("division by zero")
				}
				result = a / b
			default:
				return nil, fmt.Errorf("unknown operation %q", op)
			}
			return map[string]float64{"result": result}, nil
		},
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
