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

package watchbridge

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type panicHandler struct{}

func (panicHandler) Enabled(context.Context, slog.Level) bool  { return true }
func (panicHandler) Handle(context.Context, slog.Record) error { panic("log sink is gone") }
func (h panicHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h panicHandler) WithGroup(string) slog.Handler           { return h }

func startBridge(t *testing.T, b *Bridge) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
}

func change(path string) Event {
	return Event{Type: EventNodeDataChanged, State: StateHasSession, Path: path}
}

func TestNamespaceChange(t *testing.T) {
	tests := []struct {
		ev   Event
		want bool
	}{
		{Event{Type: EventNodeCreated}, true},
		{Event{Type: EventNodeDeleted}, true},
		{Event{Type: EventNodeDataChanged}, true},
		{Event{Type: EventNodeChildrenChanged}, true},
		{Event{Type: EventSession, State: StateDisconnected}, false},
		{Event{Type: EventNotWatching}, false},
		{Event{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.ev.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ev.NamespaceChange())
		})
	}
}

func TestBridge_ReloadPerEvent(t *testing.T) {
	var calls atomic.Int64
	b := New(func(context.Context) error {
		calls.Add(1)
		return nil
	})

	b.Notify(change("/config/a"))
	b.Notify(Event{Type: EventNodeCreated, Path: "/config/b"})
	b.Notify(Event{Type: EventNodeChildrenChanged, Path: "/config"})
	startBridge(t, b)

	require.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(3), b.Stats().Notified)
}

func TestBridge_DebounceCoalescesBurst(t *testing.T) {
	var calls atomic.Int64
	b := New(func(context.Context) error {
		calls.Add(1)
		return nil
	}, WithDebounce(50*time.Millisecond))
	startBridge(t, b)

	for range 10 {
		b.Notify(change("/config/a"))
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(9), b.Stats().Coalesced)
}

func TestBridge_ReloadErrorKeepsWatching(t *testing.T) {
	var calls atomic.Int64
	b := New(func(context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("traversal failed")
		}
		return nil
	})
	startBridge(t, b)

	b.Notify(change("/config/a"))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	b.Notify(change("/config/a"))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return b.Stats().Reloads == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), b.Stats().Failures)
}

func TestBridge_ReloadPanicIsRecovered(t *testing.T) {
	var calls atomic.Int64
	b := New(func(context.Context) error {
		if calls.Add(1) == 1 {
			panic("bad reload")
		}
		return nil
	})
	startBridge(t, b)

	b.Notify(change("/config/a"))
	b.Notify(change("/config/b"))

	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return b.Stats().Failures == 1 }, time.Second, 5*time.Millisecond)
}

func TestBridge_SessionEvents(t *testing.T) {
	var calls atomic.Int64
	b := New(func(context.Context) error {
		calls.Add(1)
		return nil
	})
	startBridge(t, b)

	b.Notify(Event{Type: EventSession, State: StateDisconnected})
	b.Notify(Event{Type: EventSession, State: StateHasSession})
	b.Notify(Event{Type: EventSession, State: StateExpired})
	b.Notify(Event{Type: EventSession, State: StateExpired})

	select {
	case <-b.Expired():
	case <-time.After(time.Second):
		t.Fatal("expiry was not signalled")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), calls.Load())
}

func TestBridge_NotWatchingTriggersReload(t *testing.T) {
	var calls atomic.Int64
	b := New(func(context.Context) error {
		calls.Add(1)
		return nil
	})
	startBridge(t, b)

	b.Notify(Event{Type: EventNotWatching, Path: "/config"})

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestBridge_NotifyNeverBlocks(t *testing.T) {
	b := New(func(context.Context) error { return nil })

	done := make(chan struct{})
	go func() {
		for range queueDepth + 10 {
			b.Notify(change("/config/a"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked with no reader")
	}
	assert.Equal(t, int64(10), b.Stats().Coalesced)
}

func TestBridge_NotifySurvivesLoggerPanic(t *testing.T) {
	var calls atomic.Int64
	b := New(func(context.Context) error {
		calls.Add(1)
		return nil
	}, WithLogger(slog.New(panicHandler{})))

	assert.NotPanics(t, func() {
		b.Notify(change("/config/a"))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestBridge_Request(t *testing.T) {
	var calls atomic.Int64
	b := New(func(context.Context) error {
		calls.Add(1)
		return nil
	})
	startBridge(t, b)

	b.Request()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), b.Stats().Notified)
}
