// Package processors provides the built-in message processors registered on
// the aggregator.
package processors

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/hrygo/kbot/plugin/chat_apps/aggregator"
)

// DefaultChatFilter lets everything through except slash commands.
const DefaultChatFilter = `!text.startsWith("/")`

// Passthrough returns the batch text unchanged.
func Passthrough(_ context.Context, _ string, text string) (string, error) {
	return text, nil
}

// NewCELGate compiles expr, a boolean CEL expression over the string
// variables user_id and text. The processor returns text when expr
// evaluates to true and "" otherwise.
func NewCELGate(expr string) (aggregator.MessageProcessor, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Passthrough, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("user_id", cel.StringType),
		cel.Variable("text", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	checked, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid chat filter %q: %w", expr, issues.Err())
	}
	if !checked.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("chat filter %q must evaluate to bool, got %s", expr, checked.OutputType())
	}

	prg, err := env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("build chat filter program: %w", err)
	}

	return func(_ context.Context, userID, text string) (string, error) {
		out, _, err := prg.Eval(map[string]any{
			"user_id": userID,
			"text":    text,
		})
		if err != nil {
			return "", fmt.Errorf("evaluate chat filter: %w", err)
		}
		if pass, ok := out.Value().(bool); ok && pass {
			return text, nil
		}
		return "", nil
	}, nil
}

// CommandFunc handles a slash command for userID.
type CommandFunc func(ctx context.Context, userID string) error

// NewCommand returns a processor that runs fn when the batch text is
// exactly "/"+name (surrounding space ignored). It never contributes text,
// so commands are not sent to the model.
func NewCommand(name string, fn CommandFunc) aggregator.MessageProcessor {
	trigger := "/" + strings.TrimPrefix(name, "/")
	return func(ctx context.Context, userID, text string) (string, error) {
		if strings.TrimSpace(text) != trigger {
			return "", nil
		}
		if err := fn(ctx, userID); err != nil {
			return "", fmt.Errorf("command %s: %w", trigger, err)
		}
		return "", nil
	}
}
