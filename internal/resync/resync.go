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

// Package resync periodically asks for a full reload while watching, so a
// missed or lost watch notification cannot leave configuration stale forever.
package resync

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Jitter is the largest fraction by which one interval is randomly
// shortened or lengthened.
const Jitter = 0.1

type Resyncer struct {
	request  func()
	interval time.Duration
	ll       *slog.Logger
}

// New returns a Resyncer that calls request about every interval.
// request must not block.
func New(request func(), interval time.Duration, logger *slog.Logger) *Resyncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resyncer{
		request:  request,
		interval: interval,
		ll:       logger.With(slog.String("component", "resync")),
	}
}

// Start runs until ctx is done or the returned cancel is called. The first
// request comes one interval after Start, not immediately. A non-positive
// interval disables the Resyncer.
func (r *Resyncer) Start(ctx context.Context) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	if r.interval <= 0 {
		return cancel
	}
	go r.run(ctx)
	return cancel
}

func (r *Resyncer) run(ctx context.Context) {
	r.ll.Debug("Starting resync loop", slog.Duration("interval", r.interval))

	timer := time.NewTimer(r.next())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.ll.Debug("Context cancelled, stopping resync loop")
			return
		case <-timer.C:
			r.ll.Debug("Requesting periodic reload")
			r.request()
			timer.Reset(r.next())
		}
	}
}

func (r *Resyncer) next() time.Duration {
	spread := float64(r.interval) * Jitter
	return r.interval + time.Duration((rand.Float64()*2-1)*spread)
}
