// Package notify delivers operator messages: failed runs, crash recoveries
// and (through logx) high-severity log records.
package notify

import (
	"context"
	"sync/atomic"
)

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Sink is a swappable Sender. The zero value drops every message, so it can
// be wired before any channel is configured and replaced on config reload.
type Sink struct {
	cur atomic.Pointer[senderBox]
}

type senderBox struct{ s Sender }

// Set replaces the active sender; nil disables delivery.
func (k *Sink) Set(s Sender) {
	if s == nil {
		k.cur.Store(nil)
		return
	}
	k.cur.Store(&senderBox{s: s})
}

// Enabled reports whether a sender is configured.
func (k *Sink) Enabled() bool { return k.cur.Load() != nil }

func (k *Sink) Send(ctx context.Context, text string) error {
	b := k.cur.Load()
	if b == nil {
		return nil
	}
	return b.s.Send(ctx, text)
}

// Alert implements logx.AlertSink.
func (k *Sink) Alert(ctx context.Context, text string) error { return k.Send(ctx, text) }
