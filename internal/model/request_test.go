package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeJobRequest_SearchDownload(t *testing.T) {
	body := []byte(`{
		"job_type": "search_download",
		"provider": "copernicus",
		"collection": "SENTINEL-2",
		"product_type": "S2MSI2A",
		"start_date": "2025-01-01T00:00:00Z",
		"end_date": "2025-01-02T00:00:00Z",
		"aoi": {"wkt": "POLYGON((0 0,0 1,1 1,1 0,0 0))"},
		"output_dir": "s1"
	}`)

	req, err := DecodeJobRequest(body)
	require.NoError(t, err)
	sd, ok := req.(*SearchDownloadRequest)
	require.True(t, ok)
	require.Equal(t, "copernicus", sd.Provider)
	require.Equal(t, "SENTINEL-2", sd.Collection)
	require.True(t, sd.EndDate.After(sd.StartDate) || sd.EndDate.Equal(sd.StartDate))
}

func TestDecodeJobRequest_RejectsUnknownFields(t *testing.T) {
	body := []byte(`{
		"job_type": "download_products",
		"provider": "usgs",
		"collection": "LANDSAT8",
		"product_ids": ["a"],
		"bogus_field": true
	}`)
	_, err := DecodeJobRequest(body)
	require.Error(t, err)
}

func TestDecodeJobRequest_RejectsBadProvider(t *testing.T) {
	body := []byte(`{
		"job_type": "download_products",
		"provider": "landsatco",
		"collection": "LANDSAT8",
		"product_ids": ["a"]
	}`)
	_, err := DecodeJobRequest(body)
	require.Error(t, err)
}

func TestDecodeJobRequest_RejectsEndBeforeStart(t *testing.T) {
	body := []byte(`{
		"job_type": "search_download",
		"provider": "copernicus",
		"collection": "SENTINEL-2",
		"product_type": "S2MSI2A",
		"start_date": "2025-01-02T00:00:00Z",
		"end_date": "2025-01-01T00:00:00Z",
		"aoi": {"wkt": "POLYGON((0 0,0 1,1 1,1 0,0 0))"}
	}`)
	_, err := DecodeJobRequest(body)
	require.Error(t, err)
}

func TestDecodeJobRequest_RejectsOutputDirWithDotDotSegment(t *testing.T) {
	body := []byte(`{
		"job_type": "download_products",
		"provider": "usgs",
		"collection": "LANDSAT8",
		"product_ids": ["a"],
		"output_dir": "../escape"
	}`)
	_, err := DecodeJobRequest(body)
	require.Error(t, err)
}

func TestAOI_ExactlyOneOf(t *testing.T) {
	both := AOI{WKT: "POLYGON((0 0,0 1,1 1,1 0,0 0))", GeoJSON: []byte(`{"type":"Polygon","coordinates":[[[0,0]]]}`)}
	require.Error(t, both.Validate())

	neither := AOI{}
	require.Error(t, neither.Validate())
}

func TestEncodeDecodeStoredJobRequest_RoundTrip(t *testing.T) {
	orig := &DownloadProductsRequest{
		JobType:    JobTypeDownloadProducts,
		Provider:   "usgs",
		Collection: "LANDSAT8",
		ProductIDs: []string{"p1", "p2"},
		OutputDir:  "out",
	}
	data, err := EncodeJobRequest(orig)
	require.NoError(t, err)

	decoded, err := DecodeStoredJobRequest(data)
	require.NoError(t, err)
	got, ok := decoded.(*DownloadProductsRequest)
	require.True(t, ok)
	require.Equal(t, orig.ProductIDs, got.ProductIDs)
}
