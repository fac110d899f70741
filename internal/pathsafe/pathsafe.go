// NimbusChain Fetch is a distributed satellite-product acquisition service.
// Copyright (C) 2025 NimbusChain Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package pathsafe resolves job output directories against the configured
// data root. Every file written during a job must stay inside the root;
// requests that escape it are rejected before any filesystem work happens.
package pathsafe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafePath reports a requested output directory that escapes the root.
var ErrUnsafePath = errors.New("output path escapes data root")

// Resolve maps a requested output directory onto an absolute path under
// dataRoot. An empty request resolves to dataRoot/fallback. The returned
// path is lexically normalized and, when it already exists, realpath-checked
// so a symlink cannot smuggle writes outside the root.
func Resolve(dataRoot, requested, fallback string) (string, error) {
	root, err := filepath.Abs(dataRoot)
	if err != nil {
		return "", fmt.Errorf("resolve data root: %w", err)
	}

	rel := strings.TrimSpace(requested)
	if rel == "" {
		rel = fallback
	}
	if strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("%w: NUL byte in path", ErrUnsafePath)
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, "\\") {
		return "", fmt.Errorf("%w: absolute path %q", ErrUnsafePath, rel)
	}

	cleaned := filepath.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, requested)
	}

	final := filepath.Join(root, cleaned)
	if !Within(root, final) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, requested)
	}

	// If the path (or an ancestor) already exists, resolve symlinks and
	// re-check containment.
	if real, err := realpathExisting(final); err == nil && real != "" {
		realRoot, rootErr := filepath.EvalSymlinks(root)
		if rootErr != nil {
			realRoot = root
		}
		if !Within(realRoot, real) {
			return "", fmt.Errorf("%w: %q resolves outside root", ErrUnsafePath, requested)
		}
	}
	return final, nil
}

// Within reports whether path is root itself or lexically contained in it.
func Within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// realpathExisting walks up from path to the deepest existing ancestor,
// resolves its symlinks, and rejoins the non-existing suffix.
func realpathExisting(path string) (string, error) {
	existing := path
	var suffix []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		suffix = append([]string{filepath.Base(existing)}, suffix...)
		existing = parent
	}
	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{real}, suffix...)...), nil
}
