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
	"errors"
	"strings"
	"testing"
)

const validSearch = `{
	"job_type": "search_download",
	"provider": "copernicus",
	"collection": "SENTINEL-2",
	"product_type": "S2MSI2A",
	"start_date": "2025-01-01",
	"end_date": "2025-01-02",
	"aoi": {"wkt": "POLYGON((0 0,0 1,1 1,1 0,0 0))"},
	"output_dir": "s1"
}`

func TestParseRequestSearchDownload(t *testing.T) {
	req, err := ParseRequest([]byte(validSearch))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.JobType != JobTypeSearchDownload || req.Search == nil {
		t.Fatalf("wrong variant: %+v", req)
	}
	if req.Provider() != ProviderCopernicus {
		t.Errorf("provider = %q", req.Provider())
	}
	if req.Collection() != "SENTINEL-2" {
		t.Errorf("collection = %q", req.Collection())
	}
	if req.OutputDir() != "s1" {
		t.Errorf("output_dir = %q", req.OutputDir())
	}
	if got := req.Search.StartDate.Format("2006-01-02"); got != "2025-01-01" {
		t.Errorf("start_date = %q", got)
	}
}

func TestParseRequestDownloadProducts(t *testing.T) {
	raw := `{
		"job_type": "download_products",
		"provider": "usgs",
		"collection": "landsat_ot_c2_l2",
		"product_ids": ["LC08_1", "LC08_2"]
	}`
	req, err := ParseRequest([]byte(raw))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Download == nil || len(req.Download.ProductIDs) != 2 {
		t.Fatalf("wrong variant: %+v", req)
	}
}

func TestParseRequestRejections(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing job_type", `{"provider":"copernicus"}`, "job_type"},
		{"bad job_type", `{"job_type":"mirror"}`, "job_type"},
		{"unknown field", strings.Replace(validSearch, `"output_dir"`, `"extra_field"`, 1), "extra_field"},
		{"bad provider", strings.Replace(validSearch, "copernicus", "nasa", 1), "provider"},
		{"bad collection", strings.Replace(validSearch, "SENTINEL-2", "SENTINEL 2!", 1), "collection"},
		{"dates reversed", strings.Replace(validSearch, `"end_date": "2025-01-02"`, `"end_date": "2024-12-31"`, 1), "end_date"},
		{"bad date format", strings.Replace(validSearch, "2025-01-01", "01/01/2025", 1), ""},
		{"absolute output_dir", strings.Replace(validSearch, `"s1"`, `"/etc"`, 1), "output_dir"},
		{"dotdot output_dir", strings.Replace(validSearch, `"s1"`, `"a/../../b"`, 1), "output_dir"},
		{"no product ids", `{"job_type":"download_products","provider":"usgs","collection":"c1","product_ids":[]}`, "product_ids"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseRequest([]byte(tc.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if tc.want != "" && !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestAOIExactlyOne(t *testing.T) {
	both := AOI{WKT: "POLYGON((0 0,0 1,1 1,1 0,0 0))", GeoJSON: []byte(`{"type":"Polygon","coordinates":[[[0,0],[0,1],[1,1],[1,0],[0,0]]]}`)}
	if _, err := both.Parse(); err == nil {
		t.Fatal("expected error for both wkt and geojson")
	}
	neither := AOI{}
	if _, err := neither.Parse(); err == nil {
		t.Fatal("expected error for empty aoi")
	}
	geojsonOnly := AOI{GeoJSON: []byte(`{"type":"Polygon","coordinates":[[[0,0],[0,1],[1,1],[1,0],[0,0]]]}`)}
	if _, err := geojsonOnly.Parse(); err != nil {
		t.Fatalf("geojson aoi: %v", err)
	}
}

func TestClassify(t *testing.T) {
	je := NewJobError(CodeDownloadFailed, "boom", errors.New("io"), map[string]any{"url": "http://x"})
	info := Classify(je)
	if info.Code != CodeDownloadFailed || info.Context["url"] != "http://x" {
		t.Fatalf("classify job error: %+v", info)
	}
	info = Classify(errors.New("surprise"))
	if info.Code != CodeUnknown || info.Message != "surprise" {
		t.Fatalf("classify unknown: %+v", info)
	}
}

func TestJobStateHelpers(t *testing.T) {
	if !StateSucceeded.Terminal() || StateRunning.Terminal() {
		t.Fatal("terminal classification wrong")
	}
	if !StateCancelRequested.Valid() || JobState("limbo").Valid() {
		t.Fatal("validity classification wrong")
	}
}
