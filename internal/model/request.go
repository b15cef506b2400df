package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/nimbuschain/fetch/internal/geo"
)

// JobType is the discriminant of the JobRequest tagged union.
type JobType string

const (
	JobTypeSearchDownload   JobType = "search_download"
	JobTypeDownloadProducts JobType = "download_products"
)

var collectionRe = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// Provider is the set of supported satellite data providers.
type Provider string

const (
	ProviderCopernicus Provider = "copernicus"
	ProviderUSGS       Provider = "usgs"
)

func validProvider(p string) bool {
	return p == string(ProviderCopernicus) || p == string(ProviderUSGS)
}

// JobRequest is the sum type over the two submittable job variants,
// discriminated by JobType (spec.md §9 — "tagged request union → sum type
// with discriminant field").
type JobRequest interface {
	GetJobType() JobType
	GetProvider() string
	GetCollection() string
	GetOutputDir() string
	Validate() error
}

// AOI is an area of interest expressed as exactly one of WKT or GeoJSON.
type AOI struct {
	WKT     string          `json:"wkt,omitempty"`
	GeoJSON json.RawMessage `json:"geojson,omitempty"`
}

func (a AOI) Validate() error {
	hasWKT := a.WKT != ""
	hasGeoJSON := len(a.GeoJSON) > 0
	if hasWKT == hasGeoJSON {
		return fmt.Errorf("aoi must contain exactly one of wkt or geojson")
	}
	if hasWKT {
		return geo.ValidateWKTPolygon(a.WKT)
	}
	return geo.ValidateGeoJSONPolygon(a.GeoJSON)
}

// SearchDownloadRequest submits a provider search followed by a download of
// every matching product (spec.md §6.1).
type SearchDownloadRequest struct {
	JobType     JobType   `json:"job_type"`
	Provider    string    `json:"provider"`
	Collection  string    `json:"collection"`
	ProductType string    `json:"product_type"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
	AOI         AOI       `json:"aoi"`
	TileID      string    `json:"tile_id,omitempty"`
	OutputDir   string    `json:"output_dir,omitempty"`
}

func (r *SearchDownloadRequest) GetJobType() JobType    { return JobTypeSearchDownload }
func (r *SearchDownloadRequest) GetProvider() string    { return r.Provider }
func (r *SearchDownloadRequest) GetCollection() string  { return r.Collection }
func (r *SearchDownloadRequest) GetOutputDir() string   { return r.OutputDir }

func (r *SearchDownloadRequest) Validate() error {
	if !validProvider(r.Provider) {
		return fmt.Errorf("provider must be one of copernicus, usgs")
	}
	if !collectionRe.MatchString(r.Collection) {
		return fmt.Errorf("invalid collection format")
	}
	if r.ProductType == "" {
		return fmt.Errorf("product_type is required")
	}
	if r.EndDate.Before(r.StartDate) {
		return fmt.Errorf("end_date must be greater than or equal to start_date")
	}
	if err := r.AOI.Validate(); err != nil {
		return err
	}
	return validateOutputDir(r.OutputDir)
}

// DownloadProductsRequest submits a direct download of known product ids,
// bypassing search (spec.md §6.1).
type DownloadProductsRequest struct {
	JobType    JobType  `json:"job_type"`
	Provider   string   `json:"provider"`
	Collection string   `json:"collection"`
	ProductIDs []string `json:"product_ids"`
	OutputDir  string   `json:"output_dir,omitempty"`
}

func (r *DownloadProductsRequest) GetJobType() JobType   { return JobTypeDownloadProducts }
func (r *DownloadProductsRequest) GetProvider() string   { return r.Provider }
func (r *DownloadProductsRequest) GetCollection() string { return r.Collection }
func (r *DownloadProductsRequest) GetOutputDir() string  { return r.OutputDir }

func (r *DownloadProductsRequest) Validate() error {
	if !validProvider(r.Provider) {
		return fmt.Errorf("provider must be one of copernicus, usgs")
	}
	if !collectionRe.MatchString(r.Collection) {
		return fmt.Errorf("invalid collection format")
	}
	if len(r.ProductIDs) == 0 {
		return fmt.Errorf("product_ids cannot be empty")
	}
	for _, id := range r.ProductIDs {
		if id == "" {
			return fmt.Errorf("product_ids cannot contain empty entries")
		}
	}
	return validateOutputDir(r.OutputDir)
}

func validateOutputDir(dir string) error {
	if dir == "" {
		return nil
	}
	if dir[0] == '/' {
		return fmt.Errorf("output_dir must be relative")
	}
	for i := 0; i < len(dir); i++ {
		if dir[i] == 0 {
			return fmt.Errorf("output_dir must not contain NUL bytes")
		}
	}
	for _, part := range strings.Split(filepath.ToSlash(dir), "/") {
		if part == ".." {
			return fmt.Errorf("output_dir must not contain .. segments")
		}
	}
	return nil
}

// rawRequest is the wire envelope used to decode the discriminated union.
type rawRequest struct {
	JobType JobType `json:"job_type"`
}

// DecodeJobRequest parses a JSON body into the concrete JobRequest variant
// named by its job_type field, then validates it.
func DecodeJobRequest(data []byte) (JobRequest, error) {
	var disc rawRequest
	if err := json.Unmarshal(data, &disc); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}

	var req JobRequest
	switch disc.JobType {
	case JobTypeSearchDownload:
		var r SearchDownloadRequest
		if err := strictUnmarshal(data, &r); err != nil {
			return nil, err
		}
		req = &r
	case JobTypeDownloadProducts:
		var r DownloadProductsRequest
		if err := strictUnmarshal(data, &r); err != nil {
			return nil, err
		}
		req = &r
	default:
		return nil, fmt.Errorf("unknown job_type %q", disc.JobType)
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// EncodeJobRequest serializes a JobRequest for durable storage.
func EncodeJobRequest(req JobRequest) ([]byte, error) {
	return json.Marshal(req)
}

// DecodeStoredJobRequest reconstructs a JobRequest previously written by
// EncodeJobRequest. Unlike DecodeJobRequest it neither re-validates nor
// rejects unknown fields, since the payload was already admitted once.
func DecodeStoredJobRequest(data []byte) (JobRequest, error) {
	var disc rawRequest
	if err := json.Unmarshal(data, &disc); err != nil {
		return nil, fmt.Errorf("invalid stored request json: %w", err)
	}
	switch disc.JobType {
	case JobTypeSearchDownload:
		var r SearchDownloadRequest
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		return &r, nil
	case JobTypeDownloadProducts:
		var r DownloadProductsRequest
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		return &r, nil
	default:
		return nil, fmt.Errorf("unknown stored job_type %q", disc.JobType)
	}
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}
