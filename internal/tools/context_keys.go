package tools

import (
	"context"

	"github.com/parlolabs/parlo/internal/models"
)

// Tool execution context keys.
// Per-message identity is injected into context by the router before the
// agent loop runs, keeping tool instances stateless and safe for concurrent
// execution across conversations.

type toolContextKey string

const ctxInvocation toolContextKey = "tool_invocation"

// Invocation is the resolved sender a tool call executes on behalf of.
// Customer is set for the customer persona, Staff for the staff persona;
// never both.
type Invocation struct {
	Org          *models.Organization
	Conversation *models.Conversation
	Customer     *models.Customer
	Staff        *models.Staff
}

func WithInvocation(ctx context.Context, inv *Invocation) context.Context {
	return context.WithValue(ctx, ctxInvocation, inv)
}

func InvocationFromCtx(ctx context.Context) *Invocation {
	v, _ := ctx.Value(ctxInvocation).(*Invocation)
	return v
}
