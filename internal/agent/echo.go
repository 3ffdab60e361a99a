package agent

import (
	"context"

	"github.com/google/uuid"

	"github.com/capitalize-ai/agent-event-gateway/internal/event"
	"github.com/capitalize-ai/agent-event-gateway/pkg/logger"
)

// EchoEngine runs a scripted turn that exercises every event kind without a
// model: thinking, a call to the echo tool, its result, then the reply.
type EchoEngine struct {
	*runner
	tools *ToolRegistry
}

// NewEchoEngine starts an echo engine.
func NewEchoEngine(opts RunnerOptions, log *logger.Logger) *EchoEngine {
	e := &EchoEngine{tools: NewToolRegistry(EchoTool{})}
	e.runner = newRunner("echo", opts, e.turn, log)
	return e
}

func (e *EchoEngine) turn(ctx context.Context, req Request, emit func(Report)) error {
	id := req.ConversationID
	callID := uuid.NewString()[:8]
	args := map[string]any{"text": req.Content}

	emit(reportOf(event.Thinking(id, 1, false, "")))
	emit(reportOf(event.ToolCall(id, "echo", callID, args, 1)))

	result, _ := e.tools.Execute(ctx, "echo", args)
	emit(reportOf(event.ToolResult(id, "echo", callID, result, 1)))

	final := reportOf(event.Message(id, result, metadataAttributes(req.Metadata)))
	final.Turn = &Turn{
		UserContent:      req.Content,
		AssistantContent: result,
		ToolsUsed:        []string{"echo"},
	}
	emit(final)
	return ctx.Err()
}
