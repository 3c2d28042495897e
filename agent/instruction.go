package agent

import "github.com/hupe1980/agentvisor/core"

// Provider supplies instruction text at runtime.
type Provider interface {
	Instruction(ec core.ExecutionContext) (string, error)
}

// Func is a functional adapter to allow ordinary functions to be used as Providers.
type Func func(ec core.ExecutionContext) (string, error)

// Instruction implements Provider.
func (f Func) Instruction(ec core.ExecutionContext) (string, error) { return f(ec) }

// Instruction is either a template string or a dynamic provider.
//
// Template text is rendered through the factory's shared PromptRenderer with
// the run's metadata plus user_id and thread_id, e.g.
//
//	You are helping {{.user_id}}. Answer in {{default "English" .language}}.
type Instruction struct {
	text     string
	provider Provider
}

// NewInstructionFromText creates an Instruction from a template string.
func NewInstructionFromText(text string) Instruction { return Instruction{text: text} }

// NewInstructionFromProvider creates an Instruction from a dynamic provider.
func NewInstructionFromProvider(p Provider) Instruction { return Instruction{provider: p} }

// NewInstructionFromFunc creates an Instruction from a function.
func NewInstructionFromFunc(f func(ec core.ExecutionContext) (string, error)) Instruction {
	return Instruction{provider: Func(f)}
}

// IsStatic reports whether the instruction is backed by template text.
func (i Instruction) IsStatic() bool { return i.provider == nil }

// Resolve returns the instruction for ec. r may be nil, in which case
// template text is returned unrendered.
func (i Instruction) Resolve(ec core.ExecutionContext, r core.PromptRenderer) (string, error) {
	if i.provider != nil {
		return i.provider.Instruction(ec)
	}
	if r == nil || i.text == "" {
		return i.text, nil
	}

	data := ec.Metadata().Map()
	data["user_id"] = ec.UserID()
	data["thread_id"] = ec.ThreadID()
	return r.Render(i.text, data)
}
