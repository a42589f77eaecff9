// Package completion defines the text-completion capability used by the
// conversation controller. The vendor is pluggable; OpenAICompleter is the
// adapter shipped with the bot.
package completion

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Turn struct {
	Role    string
	Content string
}

type Request struct {
	Model string
	Turns []Turn
}

// Response carries the generated text. Usage is nil when the vendor did not
// report token consumption.
type Response struct {
	Text  string
	Usage *int64
}

type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a plain function to Completer.
type Func func(ctx context.Context, req Request) (*Response, error)

func (f Func) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
