package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCP transports.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// MCPServerConfig describes one Model Context Protocol server whose
// tools should be surfaced in the registry.
type MCPServerConfig struct {
	// Name labels the server in logs and errors.
	Name string

	// Transport is [TransportStdio] or [TransportHTTP].
	Transport string

	// Command is the executable plus arguments for stdio transport.
	Command string

	// URL is the endpoint for http transport.
	URL string

	// Env holds extra environment variables for stdio servers.
	Env map[string]string

	// RatePerMin and Timeout apply to every tool from this server.
	RatePerMin int
	Timeout    time.Duration

	// Roles restricts callers of every tool from this server.
	Roles []string
}

// MCPHost connects to MCP servers and exposes their tools as [Tool]
// values for the registry. Close it when the registry is torn down.
type MCPHost struct {
	client *mcpsdk.Client

	mu       sync.Mutex
	sessions []*mcpsdk.ClientSession
}

// NewMCPHost creates a host with no connections.
func NewMCPHost() *MCPHost {
	return &MCPHost{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "skald", Version: "1.0.0"},
			nil,
		),
	}
}

// Connect dials one server, lists its tools, and returns them wrapped
// as registry tools whose handlers route through the live session.
func (h *MCPHost) Connect(ctx context.Context, cfg MCPServerConfig) ([]Tool, error) {
	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return nil, fmt.Errorf("tools: mcp server %q requires a command for stdio transport", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case TransportHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("tools: mcp server %q requires a url for http transport", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return nil, fmt.Errorf("tools: mcp server %q has unknown transport %q", cfg.Name, cfg.Transport)
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("tools: connect mcp server %q: %w", cfg.Name, err)
	}

	var out []Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("tools: list tools for mcp server %q: %w", cfg.Name, err)
		}
		out = append(out, h.wrap(session, cfg, *tool))
	}

	h.mu.Lock()
	h.sessions = append(h.sessions, session)
	h.mu.Unlock()
	return out, nil
}

// wrap converts one discovered MCP tool into a registry tool.
func (h *MCPHost) wrap(session *mcpsdk.ClientSession, cfg MCPServerConfig, t mcpsdk.Tool) Tool {
	return Tool{
		Descriptor: Descriptor{
			Name:        t.Name,
			Description: t.Description,
			Schema:      toSchema(t.InputSchema),
			Roles:       cfg.Roles,
			RatePerMin:  cfg.RatePerMin,
			Timeout:     cfg.Timeout,
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
				Name:      t.Name,
				Arguments: args,
			})
			if err != nil {
				return nil, fmt.Errorf("mcp call %q: %w", t.Name, err)
			}
			var sb strings.Builder
			for _, c := range result.Content {
				if tc, ok := c.(*mcpsdk.TextContent); ok {
					sb.WriteString(tc.Text)
				}
			}
			if result.IsError {
				return nil, fmt.Errorf("mcp tool %q: %s", t.Name, sb.String())
			}
			return sb.String(), nil
		},
	}
}

// toSchema converts whatever the server declared into a schema the
// registry can compile. Anything unparseable degrades to a permissive
// object schema.
func toSchema(in any) *jsonschema.Schema {
	fallback := &jsonschema.Schema{Type: "object"}
	if in == nil {
		return fallback
	}
	if s, ok := in.(*jsonschema.Schema); ok {
		return s
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return fallback
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return fallback
	}
	return &s
}

// Close shuts down all server sessions.
func (h *MCPHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for _, s := range h.sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tools: close mcp session: %w", err)
		}
	}
	h.sessions = nil
	return firstErr
}

// splitCommand splits "bin --flag val" into executable and args.
func splitCommand(command string) (string, []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
