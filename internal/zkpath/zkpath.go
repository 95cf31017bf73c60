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

// Package zkpath maps ZooKeeper namespace paths onto flat configuration keys.
package zkpath

import (
	"errors"
	"strings"
)

const (
	// Separator delimits segments of a namespace path.
	Separator = "/"

	// KeySeparator delimits segments of a flat configuration key.
	KeySeparator = ":"

	// Root is the namespace root.
	Root = "/"
)

var (
	// ErrRootKey is returned when the traversal root itself would become a key.
	ErrRootKey = errors.New("zkpath: root path cannot be flattened to a key")

	// ErrOutsideRoot is returned when a path does not live below the traversal root.
	ErrOutsideRoot = errors.New("zkpath: path is not below root")
)

// Normalize returns the canonical form of a traversal root: always absolute,
// never ending in a separator unless it is the namespace root.
func Normalize(root string) string {
	root = strings.TrimSpace(root)
	if root == "" {
		return Root
	}
	if !strings.HasPrefix(root, Separator) {
		root = Separator + root
	}
	root = strings.TrimRight(root, Separator)
	if root == "" {
		return Root
	}
	return root
}

// Child returns the path of the child called name below parent.
func Child(parent, name string) string {
	if parent == Root || parent == "" {
		return Separator + name
	}
	return parent + Separator + name
}

// Join prefixes root with a chroot taken from a connection string.
func Join(chroot, root string) string {
	chroot = Normalize(chroot)
	root = Normalize(root)
	if chroot == Root {
		return root
	}
	if root == Root {
		return chroot
	}
	return chroot + root
}

// Flatten strips root from full and replaces every remaining path separator
// with KeySeparator. full must be a strict descendant of root.
func Flatten(root, full string) (string, error) {
	root = Normalize(root)
	if full == root {
		return "", ErrRootKey
	}

	var rel string
	if root == Root {
		rel = strings.TrimPrefix(full, Separator)
		if rel == full {
			return "", ErrOutsideRoot
		}
	} else {
		after, ok := strings.CutPrefix(full, root+Separator)
		if !ok {
			return "", ErrOutsideRoot
		}
		rel = after
	}
	if rel == "" {
		return "", ErrRootKey
	}

	return strings.ReplaceAll(rel, Separator, KeySeparator), nil
}

// SplitChroot splits a connection string of the form
// "host:port[,host:port...][/chroot]" into its server list and chroot.
// The chroot is "/" when none is given.
func SplitChroot(connection string) ([]string, string) {
	connection = strings.TrimSpace(connection)
	chroot := Root
	if i := strings.Index(connection, Separator); i >= 0 {
		chroot = Normalize(connection[i:])
		connection = connection[:i]
	}

	var servers []string
	for s := range strings.SplitSeq(connection, ",") {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	return servers, chroot
}
