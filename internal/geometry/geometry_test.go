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

package geometry

import (
	"errors"
	"strings"
	"testing"
)

const squareWKT = "POLYGON ((0 0, 0 1, 1 1, 1 0, 0 0))"

func TestParseWKTPolygon(t *testing.T) {
	aoi, err := ParseWKT(squareWKT)
	if err != nil {
		t.Fatalf("ParseWKT: %v", err)
	}
	out, err := aoi.WKT()
	if err != nil {
		t.Fatalf("WKT: %v", err)
	}
	if !strings.HasPrefix(out, "POLYGON") {
		t.Fatalf("expected POLYGON output, got %q", out)
	}
}

func TestParseWKTRejectsNonPolygon(t *testing.T) {
	cases := []string{
		"POINT (1 2)",
		"LINESTRING (0 0, 1 1)",
	}
	for _, c := range cases {
		if _, err := ParseWKT(c); !errors.Is(err, ErrInvalidAOI) {
			t.Errorf("ParseWKT(%q): expected ErrInvalidAOI, got %v", c, err)
		}
	}
}

func TestParseWKTRejectsGarbage(t *testing.T) {
	if _, err := ParseWKT("not wkt at all"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseGeoJSONPolygon(t *testing.T) {
	raw := []byte(`{"type":"Polygon","coordinates":[[[0,0],[0,1],[1,1],[1,0],[0,0]]]}`)
	aoi, err := ParseGeoJSON(raw)
	if err != nil {
		t.Fatalf("ParseGeoJSON: %v", err)
	}
	b, err := aoi.GeoJSON()
	if err != nil {
		t.Fatalf("GeoJSON: %v", err)
	}
	if !strings.Contains(string(b), `"Polygon"`) {
		t.Fatalf("round trip lost type: %s", b)
	}
}

func TestParseGeoJSONMultiPolygon(t *testing.T) {
	raw := []byte(`{"type":"MultiPolygon","coordinates":[[[[0,0],[0,1],[1,1],[1,0],[0,0]]]]}`)
	if _, err := ParseGeoJSON(raw); err != nil {
		t.Fatalf("ParseGeoJSON multipolygon: %v", err)
	}
}

func TestParseGeoJSONRejectsPoint(t *testing.T) {
	raw := []byte(`{"type":"Point","coordinates":[1,2]}`)
	if _, err := ParseGeoJSON(raw); !errors.Is(err, ErrInvalidAOI) {
		t.Fatalf("expected ErrInvalidAOI, got %v", err)
	}
}

func TestRejectsOpenRing(t *testing.T) {
	raw := []byte(`{"type":"Polygon","coordinates":[[[0,0],[0,1],[1,1],[1,0]]]}`)
	if _, err := ParseGeoJSON(raw); !errors.Is(err, ErrInvalidAOI) {
		t.Fatalf("expected ErrInvalidAOI for open ring, got %v", err)
	}
}

func TestWKTToGeoJSONConversion(t *testing.T) {
	aoi, err := ParseWKT(squareWKT)
	if err != nil {
		t.Fatalf("ParseWKT: %v", err)
	}
	b, err := aoi.GeoJSON()
	if err != nil {
		t.Fatalf("GeoJSON: %v", err)
	}
	if !strings.Contains(string(b), `"Polygon"`) {
		t.Fatalf("conversion output: %s", b)
	}
	bounds := aoi.Bounds()
	if bounds.Min(0) != 0 || bounds.Max(0) != 1 {
		t.Fatalf("unexpected bounds: %v", bounds)
	}
}
