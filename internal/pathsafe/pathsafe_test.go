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

package pathsafe

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveSimple(t *testing.T) {
	root := t.TempDir()
	got, err := Resolve(root, "jobs/abc", "fallback")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := filepath.Join(root, "jobs", "abc")
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestResolveEmptyUsesFallback(t *testing.T) {
	root := t.TempDir()
	got, err := Resolve(root, "", "job-123")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != filepath.Join(root, "job-123") {
		t.Fatalf("got %q", got)
	}
}

func TestResolveRejections(t *testing.T) {
	root := t.TempDir()
	cases := []string{
		"/etc/passwd",
		"../outside",
		"a/../../outside",
		"..",
		"nul\x00byte",
	}
	for _, c := range cases {
		if _, err := Resolve(root, c, "f"); !errors.Is(err, ErrUnsafePath) {
			t.Errorf("Resolve(%q): expected ErrUnsafePath, got %v", c, err)
		}
	}
}

func TestResolveNormalizesInsideRoot(t *testing.T) {
	root := t.TempDir()
	got, err := Resolve(root, "a/b/../c", "f")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != filepath.Join(root, "a", "c") {
		t.Fatalf("got %q", got)
	}
}

func TestResolveSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "leak")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}
	if _, err := Resolve(root, "leak/sub", "f"); !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("expected ErrUnsafePath through symlink, got %v", err)
	}
}

func TestWithin(t *testing.T) {
	if !Within("/data", "/data/x/y") || !Within("/data", "/data") {
		t.Fatal("containment check too strict")
	}
	if Within("/data", "/data2/x") || Within("/data", "/etc") {
		t.Fatal("containment check too loose")
	}
}
