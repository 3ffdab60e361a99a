package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/agent-event-gateway/internal/event"
	"github.com/capitalize-ai/agent-event-gateway/internal/llm"
	"github.com/capitalize-ai/agent-event-gateway/internal/session"
	"github.com/capitalize-ai/agent-event-gateway/pkg/logger"
	"github.com/capitalize-ai/agent-event-gateway/pkg/metrics"
)

const (
	fallbackReply = "I've completed processing but have no response to give."
	reflectPrompt = "Reflect on the results and decide next steps."
	newSessionMsg = "New session started."
	helpMsg       = "Commands:\n/new - Start a new conversation\n/help - Show available commands"

	defaultSystemPrompt = "You are a helpful assistant. Use the available tools when they help answer the user."
)

// LoopConfig holds the LLM agent loop settings.
type LoopConfig struct {
	Model         string
	MaxTokens     int
	Temperature   float64
	MaxIterations int
	MemoryWindow  int
	SystemPrompt  string
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 20
	}
	if c.MemoryWindow <= 0 {
		c.MemoryWindow = 50
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	return c
}

// LoopEngine runs an LLM tool-calling loop per inbound message.
type LoopEngine struct {
	*runner
	client   llm.Client
	tools    *ToolRegistry
	sessions session.Store
	cfg      LoopConfig
	logger   *logger.Logger
}

// NewLoopEngine starts an LLM-driven engine. History is read from sessions.
func NewLoopEngine(client llm.Client, tools *ToolRegistry, sessions session.Store, cfg LoopConfig, opts RunnerOptions, log *logger.Logger) *LoopEngine {
	e := &LoopEngine{
		client:   client,
		tools:    tools,
		sessions: sessions,
		cfg:      cfg.withDefaults(),
		logger:   logger.OrNop(log).Component("agent_loop"),
	}
	e.runner = newRunner("llm", opts, e.turn, log)
	return e
}

func (e *LoopEngine) turn(ctx context.Context, req Request, emit func(Report)) error {
	id := req.ConversationID
	log := e.logger.With(zap.String("conversation_id", id), zap.String("sender_id", req.SenderID))

	switch strings.ToLower(strings.TrimSpace(req.Content)) {
	case "/new":
		if err := e.sessions.Clear(ctx, id); err != nil {
			return fmt.Errorf("clear session: %w", err)
		}
		emit(reportOf(event.Message(id, newSessionMsg, nil)))
		return nil
	case "/help":
		emit(reportOf(event.Message(id, helpMsg, nil)))
		return nil
	}

	history, err := e.sessions.History(ctx, id, e.cfg.MemoryWindow)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	messages := make([]llm.ChatMessage, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, llm.ChatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.ChatMessage{Role: llm.RoleUser, Content: req.Content})

	final, toolsUsed, err := e.run(ctx, id, messages, emit)
	if err != nil {
		return err
	}
	if final == "" {
		final = fallbackReply
	}
	log.Info("response ready", zap.Int("tools_used", len(toolsUsed)), zap.Int("length", len(final)))

	rep := reportOf(event.Message(id, final, metadataAttributes(req.Metadata)))
	rep.Turn = &Turn{
		UserContent:      req.Content,
		AssistantContent: final,
		ToolsUsed:        toolsUsed,
	}
	emit(rep)
	return nil
}

// run iterates model calls and tool executions until the model answers
// without tool calls or the iteration budget is spent.
func (e *LoopEngine) run(ctx context.Context, id string, messages []llm.ChatMessage, emit func(Report)) (string, []string, error) {
	var toolsUsed []string

	for iteration := 1; iteration <= e.cfg.MaxIterations; iteration++ {
		emit(reportOf(event.Thinking(id, iteration, false, "")))

		resp, err := e.client.Complete(ctx, &llm.CompletionRequest{
			Model:       e.cfg.Model,
			System:      e.cfg.SystemPrompt,
			Messages:    messages,
			Tools:       e.tools.Definitions(),
			MaxTokens:   e.cfg.MaxTokens,
			Temperature: e.cfg.Temperature,
		})
		if err != nil {
			return "", toolsUsed, fmt.Errorf("%s completion: %w", e.client.Name(), err)
		}
		metrics.RecordTokens(resp.Model, resp.TokensIn, resp.TokensOut)

		if resp.Reasoning != "" {
			emit(reportOf(event.Thinking(id, iteration, true, resp.Reasoning)))
		}

		if !resp.HasToolCalls() {
			return resp.Content, toolsUsed, nil
		}

		messages = append(messages, llm.ChatMessage{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			toolsUsed = append(toolsUsed, call.Name)
			if args, err := json.Marshal(call.Arguments); err == nil {
				e.logger.Debug("tool call",
					zap.String("conversation_id", id),
					zap.String("tool", call.Name),
					zap.ByteString("arguments", truncate(args, 200)),
				)
			}

			emit(reportOf(event.ToolCall(id, call.Name, call.ID, call.Arguments, iteration)))

			start := time.Now()
			result, isErr := e.tools.Execute(ctx, call.Name, call.Arguments)
			e.logger.Debug("tool finished",
				zap.String("tool", call.Name),
				zap.Bool("error", isErr),
				zap.Duration("duration", time.Since(start)),
			)

			emit(reportOf(event.ToolResult(id, call.Name, call.ID, result, iteration)))

			messages = append(messages, llm.ChatMessage{
				Role:       llm.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
				IsError:    isErr,
			})
		}
		messages = append(messages, llm.ChatMessage{Role: llm.RoleUser, Content: reflectPrompt})

		if err := ctx.Err(); err != nil {
			return "", toolsUsed, err
		}
	}

	e.logger.Warn("iteration limit reached", zap.String("conversation_id", id), zap.Int("max_iterations", e.cfg.MaxIterations))
	return "", toolsUsed, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
