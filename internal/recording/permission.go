package recording

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Permission is the device microphone grant. It is queried before every
// Start; Request is only called when Granted is false.
type Permission interface {
	Granted() bool
	Request(ctx context.Context) (bool, error)
}

// Decision is a remembered permission answer.
type Decision int

const (
	Undetermined Decision = iota
	Allowed
	Refused
)

// ParseDecision maps the config values ask, granted and denied.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ask":
		return Undetermined, nil
	case "granted", "allow", "allowed":
		return Allowed, nil
	case "denied", "deny", "refused":
		return Refused, nil
	}
	return Undetermined, fmt.Errorf("unknown microphone setting %q (want ask, granted or denied)", s)
}

// PromptPermission holds the answer the user gave in the UI. Until an answer
// exists Request reports false, so the UI must ask before starting.
type PromptPermission struct {
	mu       sync.Mutex
	decision Decision
}

func NewPromptPermission(initial Decision) *PromptPermission {
	return &PromptPermission{decision: initial}
}

func (p *PromptPermission) Granted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.decision == Allowed
}

func (p *PromptPermission) Request(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.decision == Allowed, nil
}

// NeedsPrompt reports whether the user has not answered yet.
func (p *PromptPermission) NeedsPrompt() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.decision == Undetermined
}

// Answer records the user's choice for the rest of the process.
func (p *PromptPermission) Answer(allow bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if allow {
		p.decision = Allowed
	} else {
		p.decision = Refused
	}
}

// StaticPermission is a fixed grant.
type StaticPermission bool

func (s StaticPermission) Granted() bool { return bool(s) }

func (s StaticPermission) Request(context.Context) (bool, error) { return bool(s), nil }
