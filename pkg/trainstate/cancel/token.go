// Package cancel provides cooperative cancellation tokens for long-running
// operations.
//
// A driver polls its token between units of work. Cancelling a token never
// interrupts a checkpoint save in progress: the driver finishes the save and
// then stops.
package cancel

import (
	"context"
	"sync/atomic"
)

// Token reports whether the owning operation has been asked to stop.
type Token interface {
	IsCancelled() bool
}

// FlagToken is a Token flipped by an explicit Cancel call.
// The zero value is ready to use and safe for concurrent use.
type FlagToken struct {
	cancelled atomic.Bool
}

// NewFlagToken creates an uncancelled token.
func NewFlagToken() *FlagToken {
	return &FlagToken{}
}

// Cancel marks the token cancelled. Calling it more than once is harmless.
func (t *FlagToken) Cancel() {
	t.cancelled.Store(true)
}

// IsCancelled reports whether Cancel was called.
func (t *FlagToken) IsCancelled() bool {
	return t.cancelled.Load()
}

// ContextToken is cancelled once its context is done.
type ContextToken struct {
	ctx context.Context
}

// FromContext wraps ctx as a Token.
func FromContext(ctx context.Context) ContextToken {
	return ContextToken{ctx: ctx}
}

// IsCancelled reports whether the context is done.
func (t ContextToken) IsCancelled() bool {
	return t.ctx != nil && t.ctx.Err() != nil
}

type never struct{}

func (never) IsCancelled() bool { return false }

// Never is a Token that is never cancelled.
var Never Token = never{}

type anyToken []Token

func (ts anyToken) IsCancelled() bool {
	for _, t := range ts {
		if t != nil && t.IsCancelled() {
			return true
		}
	}
	return false
}

// Any returns a Token cancelled when any of tokens is. Nil entries are skipped.
func Any(tokens ...Token) Token {
	return anyToken(tokens)
}

// Compile-time interface checks.
var (
	_ Token = (*FlagToken)(nil)
	_ Token = ContextToken{}
)
