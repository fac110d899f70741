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

// Package manifest computes artifact checksums and writes the manifest.json
// that describes a job's output directory. Checksums use the form
// "sha256:<hex>" everywhere.
package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// FileName is the manifest's name inside the output directory.
const FileName = "manifest.json"

// Manifest is the on-disk artifact description. The manifest file itself is
// listed in Paths; its own checksum is appended to Checksums after the file
// is written, so the stored hash covers the pre-append serialization.
type Manifest struct {
	JobID      string            `json:"job_id"`
	Provider   string            `json:"provider"`
	Collection string            `json:"collection"`
	CreatedAt  time.Time         `json:"created_at"`
	Paths      []string          `json:"paths"`
	Checksums  map[string]string `json:"checksums"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
}

// SHA256File hashes one file, honoring ctx between read chunks.
func SHA256File(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, 256*1024)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

// ChecksumsFor hashes every path and returns path → "sha256:<hex>".
func ChecksumsFor(ctx context.Context, paths []string) (map[string]string, error) {
	sums := make(map[string]string, len(paths))
	for _, p := range paths {
		sum, err := SHA256File(ctx, p)
		if err != nil {
			return nil, err
		}
		sums[p] = sum
	}
	return sums, nil
}

// Write serializes m into outputDir/manifest.json, then hashes the written
// file and records the manifest's own path and checksum into m. The write is
// temp-file-and-rename so a crash never leaves a torn manifest.
func Write(ctx context.Context, outputDir string, m *Manifest) (string, error) {
	manifestPath := filepath.Join(outputDir, FileName)

	if m.Checksums == nil {
		m.Checksums = map[string]string{}
	}
	m.Paths = append(m.Paths, manifestPath)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	data = append(data, '\n')

	tmp := manifestPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, manifestPath); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("rename manifest: %w", err)
	}

	sum, err := SHA256File(ctx, manifestPath)
	if err != nil {
		return "", err
	}
	m.Checksums[manifestPath] = sum
	return manifestPath, nil
}
