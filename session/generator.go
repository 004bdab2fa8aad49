package session

import (
	"context"
	"fmt"
	"strings"
)

// Generator produces narrative text for a session. The engine stores the
// output; it never writes narrative itself.
type Generator interface {
	Generate(ctx context.Context, in GenerateInput) (Narration, error)
}

// GenerateInput is what the generator sees.
type GenerateInput struct {
	Session  Session
	Chapter  int
	Choice   string
	FreeText string
}

// Narration is generated content plus the choices offered next.
type Narration struct {
	Text    string
	Choices []string
}

// EchoGenerator is a deterministic stand-in for a real content generator.
type EchoGenerator struct{}

func (EchoGenerator) Generate(_ context.Context, in GenerateInput) (Narration, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Chapter %d of %s.", in.Chapter, in.Session.StoryID)
	if in.Choice != "" {
		fmt.Fprintf(&b, " You chose %q.", in.Choice)
	}
	if in.FreeText != "" {
		fmt.Fprintf(&b, " You said %q.", in.FreeText)
	}
	return Narration{
		Text:    b.String(),
		Choices: []string{"continue", "look around", "turn back"},
	}, nil
}
