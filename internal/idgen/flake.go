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

// Package idgen hands out process-unique identifiers for log and metric
// attributes.
package idgen

import (
	"encoding/base32"
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/sony/sonyflake"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Flake generates time-ordered 63-bit IDs.
type Flake struct {
	sf *sonyflake.Sonyflake
}

// NewFlake returns a generator whose machine ID is the low 16 bits of the
// host's private IPv4 address. It fails on hosts without one.
func NewFlake() (*Flake, error) {
	return newFlake(sonyflake.Settings{})
}

func newFlake(settings sonyflake.Settings) (*Flake, error) {
	settings.StartTime = epoch
	sf, err := sonyflake.New(settings)
	if err != nil {
		return nil, err
	}
	if sf == nil {
		return nil, errors.New("failed to create Sonyflake instance")
	}
	return &Flake{sf: sf}, nil
}

// Next returns the next ID. If the generator is exhausted it falls back to a
// random value.
func (f *Flake) Next() int64 {
	v, err := f.sf.NextID()
	if err != nil {
		return rand.Int64()
	}
	return int64(v)
}

// NextString returns the next ID as lower case base32.
func (f *Flake) NextString() string {
	return format(f.Next())
}

func format(id int64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return strings.ToLower(encoding.EncodeToString(b[:]))
}

// shared is nil when the host has no private address.
var shared = sync.OnceValue(func() *Flake {
	f, err := NewFlake()
	if err != nil {
		return nil
	}
	return f
})

// NextString returns a fresh ID from the process-wide generator, or a random
// one when no generator could be created.
func NextString() string {
	if f := shared(); f != nil {
		return f.NextString()
	}
	return format(rand.Int64())
}

var instanceID = sync.OnceValue(func() int64 {
	if f := shared(); f != nil {
		return f.Next()
	}
	return rand.Int64()
})

// InstanceID identifies this process. It is the same for every call.
func InstanceID() int64 {
	return instanceID()
}
