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

package fetch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"nimbusfetch/internal/geometry"
)

// Job types accepted by the admission boundary.
const (
	JobTypeSearchDownload   = "search_download"
	JobTypeDownloadProducts = "download_products"
)

// Provider keys recognized by the runtime.
const (
	ProviderCopernicus = "copernicus"
	ProviderUSGS       = "usgs"
)

var collectionRe = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// ValidationError describes a rejected submission field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Date is an ISO calendar date (YYYY-MM-DD) in request payloads.
type Date struct {
	time.Time
}

const dateLayout = "2006-01-02"

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return fmt.Errorf("date must be YYYY-MM-DD: %w", err)
	}
	d.Time = t
	return nil
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Format(dateLayout))
}

// AOI is the area-of-interest field of a search request: exactly one of WKT
// or GeoJSON must be present.
type AOI struct {
	WKT     string          `json:"wkt,omitempty"`
	GeoJSON json.RawMessage `json:"geojson,omitempty"`
}

// Parse validates the AOI and returns the parsed geometry.
func (a *AOI) Parse() (*geometry.AOI, error) {
	hasWKT := strings.TrimSpace(a.WKT) != ""
	hasGeoJSON := len(a.GeoJSON) > 0 && !bytes.Equal(a.GeoJSON, []byte("null"))
	switch {
	case hasWKT && hasGeoJSON:
		return nil, invalid("aoi", "provide exactly one of wkt or geojson, not both")
	case hasWKT:
		g, err := geometry.ParseWKT(a.WKT)
		if err != nil {
			return nil, invalid("aoi.wkt", "%v", err)
		}
		return g, nil
	case hasGeoJSON:
		g, err := geometry.ParseGeoJSON(a.GeoJSON)
		if err != nil {
			return nil, invalid("aoi.geojson", "%v", err)
		}
		return g, nil
	default:
		return nil, invalid("aoi", "provide exactly one of wkt or geojson")
	}
}

// SearchDownloadRequest asks a provider to search a catalog and download all
// matching products.
type SearchDownloadRequest struct {
	JobType     string `json:"job_type"`
	Provider    string `json:"provider"`
	Collection  string `json:"collection"`
	ProductType string `json:"product_type"`
	StartDate   Date   `json:"start_date"`
	EndDate     Date   `json:"end_date"`
	AOI         AOI    `json:"aoi"`
	TileID      string `json:"tile_id,omitempty"`
	OutputDir   string `json:"output_dir,omitempty"`
}

// DownloadProductsRequest asks a provider to download known product IDs.
type DownloadProductsRequest struct {
	JobType    string   `json:"job_type"`
	Provider   string   `json:"provider"`
	Collection string   `json:"collection"`
	ProductIDs []string `json:"product_ids"`
	OutputDir  string   `json:"output_dir,omitempty"`
}

// JobRequest is the validated submission union. Exactly one of Search or
// Download is non-nil, matching JobType. Raw preserves the submitted JSON
// for storage.
type JobRequest struct {
	JobType  string
	Search   *SearchDownloadRequest
	Download *DownloadProductsRequest
	Raw      json.RawMessage
}

// Provider returns the provider key of either variant.
func (r *JobRequest) Provider() string {
	if r.Search != nil {
		return r.Search.Provider
	}
	return r.Download.Provider
}

// Collection returns the collection of either variant.
func (r *JobRequest) Collection() string {
	if r.Search != nil {
		return r.Search.Collection
	}
	return r.Download.Collection
}

// OutputDir returns the requested output directory, which may be empty.
func (r *JobRequest) OutputDir() string {
	if r.Search != nil {
		return r.Search.OutputDir
	}
	return r.Download.OutputDir
}

// ParseRequest validates a raw submission body. Unknown fields are rejected.
func ParseRequest(raw []byte) (*JobRequest, error) {
	var envelope struct {
		JobType string `json:"job_type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, invalid("", "invalid JSON: %v", err)
	}

	switch envelope.JobType {
	case JobTypeSearchDownload:
		var req SearchDownloadRequest
		if err := strictDecode(raw, &req); err != nil {
			return nil, err
		}
		if err := req.validate(); err != nil {
			return nil, err
		}
		return &JobRequest{JobType: envelope.JobType, Search: &req, Raw: raw}, nil
	case JobTypeDownloadProducts:
		var req DownloadProductsRequest
		if err := strictDecode(raw, &req); err != nil {
			return nil, err
		}
		if err := req.validate(); err != nil {
			return nil, err
		}
		return &JobRequest{JobType: envelope.JobType, Download: &req, Raw: raw}, nil
	case "":
		return nil, invalid("job_type", "required")
	default:
		return nil, invalid("job_type", "must be %q or %q", JobTypeSearchDownload, JobTypeDownloadProducts)
	}
}

func strictDecode(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return invalid("", "%v", err)
	}
	return nil
}

func validateProvider(p string) error {
	switch p {
	case ProviderCopernicus, ProviderUSGS:
		return nil
	case "":
		return invalid("provider", "required")
	default:
		return invalid("provider", "must be %q or %q", ProviderCopernicus, ProviderUSGS)
	}
}

func validateCollection(c string) error {
	if c == "" {
		return invalid("collection", "required")
	}
	if len(c) > 120 || !collectionRe.MatchString(c) {
		return invalid("collection", "must match [A-Za-z0-9_-]+")
	}
	return nil
}

func validateOutputDir(dir string) error {
	if dir == "" {
		return nil
	}
	if strings.ContainsRune(dir, 0) {
		return invalid("output_dir", "must not contain NUL bytes")
	}
	if strings.HasPrefix(dir, "/") || strings.HasPrefix(dir, "\\") {
		return invalid("output_dir", "must be a relative path")
	}
	for _, seg := range strings.FieldsFunc(dir, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return invalid("output_dir", "must not contain '..' segments")
		}
	}
	return nil
}

func (r *SearchDownloadRequest) validate() error {
	if err := validateProvider(r.Provider); err != nil {
		return err
	}
	if err := validateCollection(r.Collection); err != nil {
		return err
	}
	if r.ProductType == "" {
		return invalid("product_type", "required")
	}
	if r.StartDate.IsZero() {
		return invalid("start_date", "required")
	}
	if r.EndDate.IsZero() {
		return invalid("end_date", "required")
	}
	if r.EndDate.Before(r.StartDate.Time) {
		return invalid("end_date", "must not be before start_date")
	}
	if _, err := r.AOI.Parse(); err != nil {
		return err
	}
	return validateOutputDir(r.OutputDir)
}

func (r *DownloadProductsRequest) validate() error {
	if err := validateProvider(r.Provider); err != nil {
		return err
	}
	if err := validateCollection(r.Collection); err != nil {
		return err
	}
	if len(r.ProductIDs) == 0 {
		return invalid("product_ids", "required")
	}
	for i, id := range r.ProductIDs {
		if strings.TrimSpace(id) == "" {
			return invalid("product_ids", "entry %d is empty", i)
		}
	}
	return validateOutputDir(r.OutputDir)
}
