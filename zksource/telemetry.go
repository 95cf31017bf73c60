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

package zksource

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName  = "github.com/cardinalhq/zkconfig/zksource"
	tracerName = meterName
)

var (
	loadCounter  metric.Int64Counter
	loadDuration metric.Float64Histogram
)

func init() {
	meter := otel.Meter(meterName)

	var err error
	loadCounter, err = meter.Int64Counter(
		"zkconfig.load.count",
		metric.WithDescription("Number of configuration loads, by outcome"),
	)
	if err != nil {
		log.Fatalf("failed to create load.count counter: %v", err)
	}

	loadDuration, err = meter.Float64Histogram(
		"zkconfig.load.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Time spent crawling the namespace for one load"),
	)
	if err != nil {
		log.Fatalf("failed to create load.duration histogram: %v", err)
	}

	_, err = meter.Int64ObservableGauge(
		"zkconfig.snapshot.keys",
		metric.WithDescription("Number of keys in the published configuration snapshot"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for root, keys := range live.keysByRoot() {
				o.Observe(keys, metric.WithAttributes(attribute.String("root", root)))
			}
			return nil
		}),
	)
	if err != nil {
		log.Fatalf("failed to create snapshot.keys gauge: %v", err)
	}
}

// live is the set of sources the snapshot gauge reports on. A Source joins
// in New and leaves in Close.
var live = &sourceSet{sources: map[*Source]struct{}{}}

type sourceSet struct {
	mu      sync.Mutex
	sources map[*Source]struct{}
}

func (ss *sourceSet) add(s *Source) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.sources[s] = struct{}{}
}

func (ss *sourceSet) remove(s *Source) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.sources, s)
}

func (ss *sourceSet) contains(s *Source) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	_, ok := ss.sources[s]
	return ok
}

// keysByRoot reports one series per root. Sources sharing a root report the
// largest snapshot.
func (ss *sourceSet) keysByRoot() map[string]int64 {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	out := make(map[string]int64, len(ss.sources))
	for s := range ss.sources {
		n := int64(len(s.current.Load().Data))
		if cur, ok := out[s.root]; !ok || n > cur {
			out[s.root] = n
		}
	}
	return out
}

func recordLoad(ctx context.Context, root string, d time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("root", root),
		attribute.String("outcome", outcome(err)),
	)
	loadCounter.Add(ctx, 1, attrs)
	if d > 0 {
		loadDuration.Record(ctx, d.Seconds(), attrs)
	}
}

func outcome(err error) string {
	var (
		connErr  *ConnectionError
		travErr  *TraversalError
		decodErr *DecodingError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &connErr):
		return "connection_error"
	case errors.As(err, &decodErr):
		return "decoding_error"
	case errors.As(err, &travErr):
		return "traversal_error"
	default:
		return "error"
	}
}
