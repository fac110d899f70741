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

// Package geometry parses and validates the area-of-interest polygon carried
// by search requests. Both WKT and GeoJSON inputs are accepted; the parsed
// geometry must be a valid Polygon or MultiPolygon.
package geometry

import (
	"errors"
	"fmt"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/encoding/wkt"
)

// ErrInvalidAOI reports an AOI that parsed but is not an acceptable polygon.
var ErrInvalidAOI = errors.New("aoi is not a valid polygon or multipolygon")

// AOI is a validated area of interest.
type AOI struct {
	g geom.T
}

// ParseWKT parses a WKT polygon or multipolygon.
func ParseWKT(text string) (*AOI, error) {
	g, err := wkt.Unmarshal(text)
	if err != nil {
		return nil, fmt.Errorf("parse wkt: %w", err)
	}
	if err := validate(g); err != nil {
		return nil, err
	}
	return &AOI{g: g}, nil
}

// ParseGeoJSON parses a GeoJSON geometry object (not a Feature).
func ParseGeoJSON(raw []byte) (*AOI, error) {
	var g geom.T
	if err := geojson.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("parse geojson: %w", err)
	}
	if err := validate(g); err != nil {
		return nil, err
	}
	return &AOI{g: g}, nil
}

// WKT renders the AOI as WKT text, the form Copernicus OData filters expect.
func (a *AOI) WKT() (string, error) {
	s, err := wkt.Marshal(a.g)
	if err != nil {
		return "", fmt.Errorf("marshal wkt: %w", err)
	}
	return s, nil
}

// GeoJSON renders the AOI as a GeoJSON geometry object, the form the USGS
// M2M spatialFilter expects.
func (a *AOI) GeoJSON() ([]byte, error) {
	b, err := geojson.Marshal(a.g)
	if err != nil {
		return nil, fmt.Errorf("marshal geojson: %w", err)
	}
	return b, nil
}

// Bounds returns the bounding box of the AOI.
func (a *AOI) Bounds() *geom.Bounds {
	return a.g.Bounds()
}

func validate(g geom.T) error {
	switch p := g.(type) {
	case *geom.Polygon:
		return validatePolygon(p)
	case *geom.MultiPolygon:
		if p.NumPolygons() == 0 {
			return fmt.Errorf("%w: empty multipolygon", ErrInvalidAOI)
		}
		for i := 0; i < p.NumPolygons(); i++ {
			if err := validatePolygon(p.Polygon(i)); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: got %T", ErrInvalidAOI, g)
	}
}

func validatePolygon(p *geom.Polygon) error {
	if p.NumLinearRings() == 0 {
		return fmt.Errorf("%w: polygon has no rings", ErrInvalidAOI)
	}
	for i := 0; i < p.NumLinearRings(); i++ {
		ring := p.LinearRing(i)
		n := ring.NumCoords()
		if n < 4 {
			return fmt.Errorf("%w: ring %d has %d points, need at least 4", ErrInvalidAOI, i, n)
		}
		first := ring.Coord(0)
		last := ring.Coord(n - 1)
		if first[0] != last[0] || first[1] != last[1] {
			return fmt.Errorf("%w: ring %d is not closed", ErrInvalidAOI, i)
		}
	}
	return nil
}
