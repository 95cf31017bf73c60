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
	"errors"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/cardinalhq/zkconfig/internal/crawler"
	"github.com/cardinalhq/zkconfig/internal/zksession"
)

type (
	// ConnectionError means no session could be established or authenticated.
	ConnectionError = zksession.ConnectionError
	// TraversalError names the node whose list or fetch failed.
	TraversalError = crawler.TraversalError
	// DecodingError names a leaf whose value is not valid UTF-8.
	DecodingError = crawler.DecodingError
)

var (
	ErrMissingConnectionString = errors.New("connection string is required")
	ErrInvalidPath             = errors.New("path must be an absolute namespace path")
	ErrIncompleteAuth          = errors.New("auth scheme and credential must be set together")
	ErrNegativeSetting         = errors.New("setting must not be negative")
	ErrKeyConflict             = errors.New("key is both a value and a parent of other keys")
	ErrReadBytesNotSupported   = errors.New("zksource: ReadBytes not supported, use Read()")
)

// ArgumentError lists every problem found in Options. It is returned before
// any network activity and is never worth retrying.
type ArgumentError struct {
	Err *multierror.Error
}

func (e *ArgumentError) Error() string {
	return "zksource: invalid options: " + e.Err.Error()
}

func (e *ArgumentError) Unwrap() error {
	return e.Err
}

// Problems returns each individual validation failure.
func (e *ArgumentError) Problems() []error {
	return e.Err.WrappedErrors()
}

func listFormat(errs []error) string {
	parts := make([]string, len(errs))
	for i, err := range errs {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}
