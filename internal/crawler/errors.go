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

package crawler

import (
	"fmt"
	"unicode/utf8"
)

// Op names the namespace operation that failed.
type Op string

const (
	OpChildren Op = "list children"
	OpData     Op = "get data"
	OpFlatten  Op = "flatten"
)

// TraversalError reports a failed list or fetch at a specific path.
// A crawl that returns it has published nothing.
type TraversalError struct {
	Op   Op
	Path string
	Err  error
}

func (e *TraversalError) Error() string {
	return fmt.Sprintf("crawl: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TraversalError) Unwrap() error {
	return e.Err
}

// DecodingError reports a leaf whose payload is not valid UTF-8.
type DecodingError struct {
	Path string
	// Offset is the index of the first invalid byte.
	Offset int
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("crawl: %s: value is not valid UTF-8 at byte %d", e.Path, e.Offset)
}

func decode(path string, data []byte) (string, error) {
	if utf8.Valid(data) {
		return string(data), nil
	}
	offset := 0
	for offset < len(data) {
		r, size := utf8.DecodeRune(data[offset:])
		if r == utf8.RuneError && size <= 1 {
			break
		}
		offset += size
	}
	return "", &DecodingError{Path: path, Offset: offset}
}
