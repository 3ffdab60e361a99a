package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/capitalize-ai/agent-event-gateway/internal/llm"
)

// Tool is a function the agent can call.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON schema of the arguments.
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// ToolRegistry manages available tools.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates a registry holding tools.
func NewToolRegistry(tools ...Tool) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// DefaultTools returns the built-in tools.
func DefaultTools() *ToolRegistry {
	return NewToolRegistry(CurrentTimeTool{}, EchoTool{})
}

// Register adds a tool, replacing any tool with the same name.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Definitions describes every tool for the model, sorted by name.
func (r *ToolRegistry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs a tool by name. Failures are returned as the result text so
// the model can react to them; isError reports whether that happened.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]any) (result string, isError bool) {
	tool, ok := r.Get(name)
	if !ok {
		return "Error: tool not found: " + name, true
	}
	out, err := tool.Execute(ctx, args)
	if err != nil {
		return fmt.Sprintf("Error executing %s: %v", name, err), true
	}
	return out, false
}

// CurrentTimeTool reports the current time, optionally in a named zone.
type CurrentTimeTool struct{}

func (CurrentTimeTool) Name() string { return "current_time" }

func (CurrentTimeTool) Description() string {
	return "Get the current date and time, optionally in an IANA time zone such as Asia/Tokyo."
}

func (CurrentTimeTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"timezone": map[string]any{
				"type":        "string",
				"description": "IANA time zone name. Defaults to UTC.",
			},
		},
	}
}

func (CurrentTimeTool) Execute(_ context.Context, args map[string]any) (string, error) {
	loc := time.UTC
	if tz, _ := args["timezone"].(string); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", tz)
		}
		loc = l
	}
	return time.Now().In(loc).Format(time.RFC3339), nil
}

// EchoTool returns its input text.
type EchoTool struct{}

func (EchoTool) Name() string { return "echo" }

func (EchoTool) Description() string { return "Repeat the given text back verbatim." }

func (EchoTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string", "description": "Text to repeat."},
		},
		"required": []string{"text"},
	}
}

func (EchoTool) Execute(_ context.Context, args map[string]any) (string, error) {
	text, ok := args["text"].(string)
	if !ok {
		return "", fmt.Errorf("missing text argument")
	}
	return text, nil
}
