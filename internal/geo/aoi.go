// Package geo validates area-of-interest geometry payloads at the request
// boundary. Full geometry parsing (coordinate systems, intersection tests)
// is a provider concern and explicitly out of scope here (spec.md §1:
// "AOI geometry parsing are consumed as pure functions from the core") —
// this package only confirms the payload is a syntactically plausible
// Polygon or MultiPolygon before the job is admitted. Ring closure, vertex
// counts and coordinate ranges are not checked.
package geo

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var wktPolygonRe = regexp.MustCompile(`(?is)^\s*(POLYGON|MULTIPOLYGON)\s*\(`)

// ValidateWKTPolygon confirms a WKT string is a syntactically plausible
// POLYGON or MULTIPOLYGON: correct keyword, balanced parentheses, and a
// coordinate body that is not just parentheses, commas and whitespace.
func ValidateWKTPolygon(wkt string) error {
	trimmed := strings.TrimSpace(wkt)
	if !wktPolygonRe.MatchString(trimmed) {
		return fmt.Errorf("aoi.wkt must be a POLYGON or MULTIPOLYGON")
	}
	if strings.Count(trimmed, "(") != strings.Count(trimmed, ")") {
		return fmt.Errorf("aoi.wkt has unbalanced parentheses")
	}
	inner := strings.Trim(trimmed[strings.Index(trimmed, "("):], "(), \t\r\n")
	if inner == "" {
		return fmt.Errorf("aoi.wkt has no coordinates")
	}
	return nil
}

type geoJSONGeometry struct {
	Type        string `json:"type"`
	Coordinates any    `json:"coordinates"`
}

// ValidateGeoJSONPolygon confirms a GeoJSON payload is a Polygon or
// MultiPolygon geometry object with a non-empty coordinates array.
func ValidateGeoJSONPolygon(raw []byte) error {
	var g geoJSONGeometry
	if err := json.Unmarshal(raw, &g); err != nil {
		return fmt.Errorf("aoi.geojson is not valid JSON: %w", err)
	}
	if g.Type != "Polygon" && g.Type != "MultiPolygon" {
		return fmt.Errorf("aoi.geojson.type must be Polygon or MultiPolygon")
	}
	coords, ok := g.Coordinates.([]any)
	if !ok || len(coords) == 0 {
		return fmt.Errorf("aoi.geojson.coordinates must be a non-empty array")
	}
	return nil
}
