package translation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrTranslationFailed wraps any language model failure
var ErrTranslationFailed = errors.New("translation failed")

// Role tags a message in the history
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the translation history
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Completer is a chat language model returning a single reply for a history
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Context owns the system instruction and the user/assistant history for one
// session. Message 0 is always the instruction for the active language pair.
// Mutations come from the pipeline's turn owner; readers such as Len and
// Messages may run from any goroutine.
type Context struct {
	completer Completer
	maxTurns  int // user/assistant pairs kept; 0 keeps everything

	mu       sync.RWMutex
	messages []Message
	source   string
	target   string
}

// NewContext creates a history seeded with the instruction for source to target
func NewContext(completer Completer, source, target string, maxTurns int) (*Context, error) {
	if completer == nil {
		return nil, fmt.Errorf("completer cannot be nil")
	}
	if target == "" {
		return nil, fmt.Errorf("target language cannot be empty")
	}
	if maxTurns < 0 {
		return nil, fmt.Errorf("max turns cannot be negative, got %d", maxTurns)
	}

	return &Context{
		completer: completer,
		messages:  []Message{{Role: RoleSystem, Content: InstructionFor(source, target)}},
		source:    source,
		target:    target,
		maxTurns:  maxTurns,
	}, nil
}

// CurrentInstructionFor returns the instruction text this context would use for a pair
func (c *Context) CurrentInstructionFor(source, target string) string {
	return InstructionFor(source, target)
}

// SetLanguagePair rewrites message 0 in place. It reports false, leaving the
// history untouched, when the pair is already active.
func (c *Context) SetLanguagePair(source, target string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if source == c.source && target == c.target {
		return false
	}
	c.source, c.target = source, target
	c.messages[0].Content = InstructionFor(source, target)
	return true
}

// Languages returns the active source and target codes
func (c *Context) Languages() (source, target string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.source, c.target
}

// AppendUserTurn adds a transcript to the history
func (c *Context) AppendUserTurn(transcript string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, Message{Role: RoleUser, Content: transcript})
}

// Translate sends the full history and appends the reply as an assistant turn.
// On failure the pending user turn is removed so the history stays alternating.
// The lock is not held while the model is called.
func (c *Context) Translate(ctx context.Context) (string, error) {
	c.mu.RLock()
	last := len(c.messages) - 1
	pending := last >= 1 && c.messages[last].Role == RoleUser
	history := append([]Message(nil), c.messages...)
	c.mu.RUnlock()
	if !pending {
		return "", fmt.Errorf("%w: no pending user turn", ErrTranslationFailed)
	}

	reply, err := c.completer.Complete(ctx, history)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err == nil {
		reply = strings.TrimSpace(reply)
		if reply == "" {
			err = errors.New("empty reply")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.messages = c.messages[:last]
		return "", fmt.Errorf("%w: %w", ErrTranslationFailed, err)
	}

	c.messages = append(c.messages, Message{Role: RoleAssistant, Content: reply})
	c.trim()
	return reply, nil
}

// trim drops the oldest user/assistant pairs beyond maxTurns. Callers hold mu.
func (c *Context) trim() {
	if c.maxTurns == 0 {
		return
	}
	excess := (len(c.messages)-1)/2 - c.maxTurns
	if excess <= 0 {
		return
	}
	kept := append([]Message{c.messages[0]}, c.messages[1+2*excess:]...)
	c.messages = kept
}

// Messages returns a copy of the history
func (c *Context) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Message(nil), c.messages...)
}

// Len returns the number of messages including the instruction
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}
