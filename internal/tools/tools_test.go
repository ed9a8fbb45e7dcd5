package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// lookupTool is a trivial tool with a one-field required schema.
func lookupTool(name string, fn Handler) Tool {
	return Tool{
		Descriptor: Descriptor{
			Name:        name,
			Description: "test tool",
			Schema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"query": {Type: "string"},
				},
				Required: []string{"query"},
			},
		},
		Handler: fn,
	}
}

func echoHandler(_ context.Context, args map[string]any) (any, error) {
	return map[string]any{"echo": args["query"]}, nil
}

func TestNewRegistryValidation(t *testing.T) {
	tests := []struct {
		name    string
		toolset []Tool
	}{
		{
			name:    "empty name",
			toolset: []Tool{{Descriptor: Descriptor{Name: ""}, Handler: echoHandler}},
		},
		{
			name: "duplicate name",
			toolset: []Tool{
				lookupTool("dup", echoHandler),
				lookupTool("dup", echoHandler),
			},
		},
		{
			name:    "missing handler",
			toolset: []Tool{{Descriptor: Descriptor{Name: "nohandler"}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRegistry(tt.toolset...); err == nil {
				t.Error("NewRegistry() error = nil, want validation failure")
			}
		})
	}
}

func TestInvokeSuccess(t *testing.T) {
	r, err := NewRegistry(lookupTool("lookup", echoHandler))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	res, err := r.Invoke(t.Context(), "user", Action{
		Tool: "lookup",
		Args: map[string]any{"query": "weather"},
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !res.OK {
		t.Error("OK = false, want true")
	}
	var data map[string]string
	if err := json.Unmarshal(res.Data, &data); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if data["echo"] != "weather" {
		t.Errorf("echo = %q, want %q", data["echo"], "weather")
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if _, err := r.Invoke(t.Context(), "user", Action{Tool: "nope"}); !errors.Is(err, ErrToolContract) {
		t.Errorf("Invoke() error = %v, want ErrToolContract", err)
	}
}

func TestInvokeSchemaViolation(t *testing.T) {
	r, err := NewRegistry(lookupTool("lookup", echoHandler))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	// Missing the required "query" field.
	if _, err := r.Invoke(t.Context(), "user", Action{Tool: "lookup"}); !errors.Is(err, ErrToolContract) {
		t.Errorf("Invoke() error = %v, want ErrToolContract", err)
	}

	// Wrong type for "query".
	_, err = r.Invoke(t.Context(), "user", Action{
		Tool: "lookup",
		Args: map[string]any{"query": 42},
	})
	if !errors.Is(err, ErrToolContract) {
		t.Errorf("Invoke() error = %v, want ErrToolContract", err)
	}
}

func TestInvokeRoleEnforcement(t *testing.T) {
	tool := lookupTool("admin_only", echoHandler)
	tool.Descriptor.Roles = []string{"admin"}
	r, err := NewRegistry(tool)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	act := Action{Tool: "admin_only", Args: map[string]any{"query": "x"}}
	if _, err := r.Invoke(t.Context(), "user", act); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Invoke(user) error = %v, want ErrUnauthorized", err)
	}
	if _, err := r.Invoke(t.Context(), "admin", act); err != nil {
		t.Errorf("Invoke(admin) error = %v", err)
	}
}

func TestInvokeRateBudget(t *testing.T) {
	tool := lookupTool("limited", echoHandler)
	tool.Descriptor.RatePerMin = 2
	r, err := NewRegistry(tool)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	act := Action{Tool: "limited", Args: map[string]any{"query": "x"}}
	for i := range 2 {
		if _, err := r.Invoke(t.Context(), "user", act); err != nil {
			t.Fatalf("Invoke() #%d error = %v", i, err)
		}
	}

	_, err = r.Invoke(t.Context(), "user", act)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Invoke() error = %v, want ErrRateLimited", err)
	}
	if RetryAfter(err) <= 0 {
		t.Errorf("RetryAfter = %v, want positive hint", RetryAfter(err))
	}
}

func TestInvokeHandlerErrorIsResultNotError(t *testing.T) {
	failing := lookupTool("flaky", func(context.Context, map[string]any) (any, error) {
		return nil, fmt.Errorf("backend exploded")
	})
	r, err := NewRegistry(failing)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	res, err := r.Invoke(t.Context(), "user", Action{Tool: "flaky", Args: map[string]any{"query": "x"}})
	if err != nil {
		t.Fatalf("Invoke() error = %v, want handler failure in result", err)
	}
	if res.OK {
		t.Error("OK = true, want false")
	}
	var msg string
	if err := json.Unmarshal(res.Data, &msg); err != nil || msg != "backend exploded" {
		t.Errorf("Data = %s, want %q", res.Data, "backend exploded")
	}
}

func TestInvokeTimeout(t *testing.T) {
	slow := lookupTool("slow", func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	slow.Descriptor.Timeout = 20 * time.Millisecond
	r, err := NewRegistry(slow)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	start := time.Now()
	_, err = r.Invoke(t.Context(), "user", Action{Tool: "slow", Args: map[string]any{"query": "x"}})
	if !errors.Is(err, ErrExecution) {
		t.Errorf("Invoke() error = %v, want ErrExecution", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Invoke() took %v, want bounded by descriptor timeout", elapsed)
	}
}

func TestBuiltinClock(t *testing.T) {
	r, err := NewRegistry(ClockTool())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	res, err := r.Invoke(t.Context(), "user", Action{
		Tool: "current_time",
		Args: map[string]any{"timezone": "UTC"},
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	var data map[string]string
	if err := json.Unmarshal(res.Data, &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, err := time.Parse(time.RFC3339, data["time"]); err != nil {
		t.Errorf("time %q does not parse as RFC3339: %v", data["time"], err)
	}
}

func TestBuiltinCalc(t *testing.T) {
	r, err := NewRegistry(CalcTool())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	tests := []struct {
		op   string
		a, b float64
		want float64
	}{
		{"add", 2, 3, 5},
		{"subtract", 10, 4, 6},
		{"multiply", 6, 7, 42},
		{"divide", 9, 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			res, err := r.Invoke(t.Context(), "user", Action{
				Tool: "calculate",
				Args: map[string]any{"operation": tt.op, "a": tt.a, "b": tt.b},
			})
			if err != nil {
				t.Fatalf("Invoke() error = %v", err)
			}
			var data map[string]float64
			if err := json.Unmarshal(res.Data, &data); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if data["result"] != tt.want {
				t.Errorf("result = %v, want %v", data["result"], tt.want)
			}
		})
	}

	res, err := r.Invoke(t.Context(), "user", Action{
		Tool: "calculate",
		Args: map[string]any{"operation": "divide", "a": 1.0, "b": 0.0},
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.OK {
		t.Error("division by zero OK = true, want application error")
	}
}
