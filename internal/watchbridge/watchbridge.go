// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package watchbridge turns namespace change notifications into reloads.
//
// Notifications arrive on the ZooKeeper client's event goroutine, which must
// never block. Notify only queues a request; Run performs the reload on the
// caller's goroutine.
package watchbridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// queueDepth bounds pending reload requests. Once full, further requests
// fold into the ones already queued, since any queued reload observes the
// latest namespace state.
const queueDepth = 64

// EventType classifies a notification.
type EventType int

const (
	EventUnknown EventType = iota
	EventNodeCreated
	EventNodeDeleted
	EventNodeDataChanged
	EventNodeChildrenChanged
	EventSession
	EventNotWatching
)

func (t EventType) String() string {
	switch t {
	case EventNodeCreated:
		return "created"
	case EventNodeDeleted:
		return "deleted"
	case EventNodeDataChanged:
		return "dataChanged"
	case EventNodeChildrenChanged:
		return "childrenChanged"
	case EventSession:
		return "session"
	case EventNotWatching:
		return "notWatching"
	default:
		return "unknown"
	}
}

// State is the client session state reported with an event.
type State int

const (
	StateUnknown State = iota
	StateConnecting
	StateConnected
	StateHasSession
	StateDisconnected
	StateExpired
	StateAuthFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateHasSession:
		return "hasSession"
	case StateDisconnected:
		return "disconnected"
	case StateExpired:
		return "expired"
	case StateAuthFailed:
		return "authFailed"
	default:
		return "unknown"
	}
}

// Event is a notification from the namespace session.
type Event struct {
	Type  EventType
	State State
	Path  string
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s state=%s", e.Type, e.Path, e.State)
}

// NamespaceChange reports whether the event means the watched tree changed.
func (e Event) NamespaceChange() bool {
	switch e.Type {
	case EventNodeCreated, EventNodeDeleted, EventNodeDataChanged, EventNodeChildrenChanged:
		return true
	}
	return false
}

// ReloadFunc re-reads the namespace. It is called from Run, never from Notify.
type ReloadFunc func(ctx context.Context) error

// Bridge hands notifications from the client's event goroutine to a reload loop.
type Bridge struct {
	reload   ReloadFunc
	debounce time.Duration
	logger   *slog.Logger

	requests chan Event
	expired  chan struct{}

	notified  atomic.Int64
	coalesced atomic.Int64
	reloads   atomic.Int64
	failures  atomic.Int64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithDebounce folds every request arriving within d of the first one into a
// single reload. Zero reloads once per request.
func WithDebounce(d time.Duration) Option {
	return func(b *Bridge) {
		b.debounce = d
	}
}

// WithLogger sets the logger used for event and reload logging.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// New returns a Bridge that calls reload for namespace changes.
func New(reload ReloadFunc, opts ...Option) *Bridge {
	b := &Bridge{
		reload:   reload,
		logger:   slog.Default(),
		requests: make(chan Event, queueDepth),
		expired:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Notify accepts an event from the client. It never blocks and never panics.
func (b *Bridge) Notify(ev Event) {
	b.logEvent(ev)

	switch {
	case ev.NamespaceChange(), ev.Type == EventNotWatching:
		b.notified.Add(1)
		select {
		case b.requests <- ev:
		default:
			b.coalesced.Add(1)
		}
	case ev.Type == EventSession && ev.State == StateExpired:
		select {
		case b.expired <- struct{}{}:
		default:
		}
	}
}

// Request queues a reload that did not come from a client event.
func (b *Bridge) Request() {
	select {
	case b.requests <- Event{}:
	default:
		b.coalesced.Add(1)
	}
}

// Expired is signalled when the session backing the watches has expired.
// Watches die with the session; the owner must open a new one.
func (b *Bridge) Expired() <-chan struct{} {
	return b.expired
}

// Run performs reloads until ctx is done. A failed reload is logged and the
// loop keeps running so that later changes are still picked up.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-b.requests:
			if b.debounce > 0 {
				n, ok := b.settle(ctx)
				if !ok {
					return nil
				}
				if n > 0 {
					b.coalesced.Add(int64(n))
				}
			}
			b.runReload(ctx, ev)
		}
	}
}

// settle waits out the debounce window and drops requests that arrived during it.
func (b *Bridge) settle(ctx context.Context) (int, bool) {
	t := time.NewTimer(b.debounce)
	defer t.Stop()
	n := 0
	for {
		select {
		case <-ctx.Done():
			return n, false
		case <-b.requests:
			n++
		case <-t.C:
			for {
				select {
				case <-b.requests:
					n++
				default:
					return n, true
				}
			}
		}
	}
}

func (b *Bridge) runReload(ctx context.Context, ev Event) {
	b.reloads.Add(1)
	start := time.Now()
	if err := b.safeReload(ctx); err != nil {
		b.failures.Add(1)
		b.log(ctx, slog.LevelError, "Reload after namespace change failed, keeping previous configuration",
			slog.String("trigger", ev.String()),
			slog.Any("error", err))
		return
	}
	b.log(ctx, slog.LevelDebug, "Reloaded after namespace change",
		slog.String("trigger", ev.String()),
		slog.Duration("duration", time.Since(start)))
}

func (b *Bridge) safeReload(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reload panicked: %v", r)
		}
	}()
	return b.reload(ctx)
}

func (b *Bridge) logEvent(ev Event) {
	b.log(context.Background(), slog.LevelDebug, "Namespace event",
		slog.String("type", ev.Type.String()),
		slog.String("state", ev.State.String()),
		slog.String("path", ev.Path))
}

// log is best-effort: a failing handler must not take the watch down.
func (b *Bridge) log(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	defer func() {
		_ = recover()
	}()
	b.logger.LogAttrs(ctx, level, msg, attrs...)
}

// Stats reports counters for the life of the bridge.
type Stats struct {
	Notified  int64
	Coalesced int64
	Reloads   int64
	Failures  int64
}

func (b *Bridge) Stats() Stats {
	return Stats{
		Notified:  b.notified.Load(),
		Coalesced: b.coalesced.Load(),
		Reloads:   b.reloads.Load(),
		Failures:  b.failures.Load(),
	}
}
