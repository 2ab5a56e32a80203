// Package agent runs the bounded tool-calling loop between one inbound
// message and the LLM. Think → Act → Observe: the model replies or requests
// tool calls, tools run sequentially, results feed back, and the loop stops
// at the first plain reply or at the round bound.
package agent

import (
	"context"
	"log/slog"

	"github.com/parlolabs/parlo/internal/models"
	"github.com/parlolabs/parlo/internal/providers"
	"github.com/parlolabs/parlo/internal/tools"
)

// DefaultMaxIterations bounds the tool rounds per inbound message. Booking
// conversations settle in two or three rounds; six means something is stuck.
const DefaultMaxIterations = 6

// Spanish fallback texts, sent when the model cannot produce a reply.
const (
	fallbackUnavailable = "Disculpa, estoy teniendo problemas para responder en este momento. ¿Podrías intentar de nuevo en unos minutos?"
	fallbackIncomplete  = "Disculpa, no pude completar esa solicitud. ¿Me lo puedes pedir de otra forma?"
)

// Loop is the agent execution loop. One instance serves all conversations;
// per-message state travels in the Request and the context.
type Loop struct {
	provider      providers.Provider
	model         string
	maxIterations int
	log           *slog.Logger
}

// Config configures a new Loop.
type Config struct {
	Provider      providers.Provider
	Model         string
	MaxIterations int
	Log           *slog.Logger
}

func New(cfg Config) *Loop {
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	return &Loop{
		provider:      cfg.Provider,
		model:         cfg.Model,
		maxIterations: maxIter,
		log:           cfg.Log.With("component", "agent"),
	}
}

// Request is one inbound message plus everything the loop needs to answer it.
// The caller injects the tool invocation into ctx before Run.
type Request struct {
	SystemPrompt string
	History      []providers.Message
	Message      string
	Registry     *tools.Registry
}

// Response is the reply to send back on the conversation. Fallback marks
// replies produced without the model (provider failure or loop bound).
type Response struct {
	Content    string
	Fallback   bool
	Iterations int
	Usage      providers.Usage
}

// Run executes the loop. It never surfaces provider errors to the caller:
// the customer always gets a reply, degraded to a fallback when needed.
func (l *Loop) Run(ctx context.Context, req Request) *Response {
	messages := make([]providers.Message, 0, len(req.History)+2)
	messages = append(messages, providers.Message{Role: "system", Content: req.SystemPrompt})
	messages = append(messages, req.History...)
	messages = append(messages, providers.Message{Role: "user", Content: req.Message})

	var totalUsage providers.Usage
	for iteration := 1; iteration <= l.maxIterations; iteration++ {
		l.log.Debug("agent iteration", "iteration", iteration, "messages", len(messages))

		resp, err := l.provider.Chat(ctx, providers.ChatRequest{
			Messages: messages,
			Tools:    req.Registry.Definitions(),
			Model:    l.model,
		})
		if err != nil {
			l.log.Error("provider call failed", "iteration", iteration, "error", err)
			return &Response{Content: fallbackUnavailable, Fallback: true, Iterations: iteration, Usage: totalUsage}
		}
		if resp.Usage != nil {
			totalUsage.PromptTokens += resp.Usage.PromptTokens
			totalUsage.CompletionTokens += resp.Usage.CompletionTokens
			totalUsage.TotalTokens += resp.Usage.TotalTokens
		}

		if len(resp.ToolCalls) == 0 {
			content := resp.Content
			if content == "" {
				l.log.Warn("empty model reply", "finish_reason", resp.FinishReason)
				return &Response{Content: fallbackIncomplete, Fallback: true, Iterations: iteration, Usage: totalUsage}
			}
			return &Response{Content: content, Iterations: iteration, Usage: totalUsage}
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			result := req.Registry.Execute(ctx, call)
			messages = append(messages, providers.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    result.ForLLM,
			})
		}
	}

	l.log.Warn("tool loop bound exceeded", "max_iterations", l.maxIterations)
	return &Response{Content: fallbackIncomplete, Fallback: true, Iterations: l.maxIterations, Usage: totalUsage}
}

// HistoryFromMessages converts stored conversation messages to provider
// messages. Tool rounds are not persisted, so history is plain turns.
func HistoryFromMessages(msgs []models.Message) []providers.Message {
	out := make([]providers.Message, 0, len(msgs))
	for _, m := range msgs {
		role := "user"
		if m.SenderRole == models.SenderAssistant {
			role = "assistant"
		}
		out = append(out, providers.Message{Role: role, Content: m.Body})
	}
	return out
}
