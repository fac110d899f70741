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

package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nimbusfetch/pkg/fetch"
)

func searchReq(t *testing.T) *fetch.SearchDownloadRequest {
	t.Helper()
	req, err := fetch.ParseRequest([]byte(`{
		"job_type": "search_download",
		"provider": "copernicus",
		"collection": "SENTINEL-2",
		"product_type": "S2MSI2A",
		"start_date": "2025-01-01",
		"end_date": "2025-01-02",
		"aoi": {"wkt": "POLYGON((0 0,0 1,1 1,1 0,0 0))"},
		"tile_id": "T32TQM"
	}`))
	if err != nil {
		t.Fatalf("parse request: %v", err)
	}
	return req.Search
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	c, err := NewCopernicus(CopernicusConfig{Username: "u", Password: "p"})
	if err != nil {
		t.Fatal(err)
	}
	r.Register(c)

	got, err := r.Get(fetch.ProviderCopernicus)
	if err != nil || got.Name() != fetch.ProviderCopernicus {
		t.Fatalf("get: %v %v", got, err)
	}
	if _, err := r.Get("nasa"); err == nil {
		t.Fatal("expected error for unknown provider")
	}
	names := r.Names()
	if len(names) != 1 || names[0] != fetch.ProviderCopernicus {
		t.Fatalf("names: %v", names)
	}
}

func TestCopernicusFilter(t *testing.T) {
	req := searchReq(t)
	filter := buildCopernicusFilter(req, "POLYGON ((0 0, 0 1, 1 1, 1 0, 0 0))")

	for _, want := range []string{
		"Collection/Name eq 'SENTINEL-2'",
		"ContentDate/Start gt '2025-01-01T00:00:00Z'",
		"ContentDate/Start lt '2025-01-02T23:59:59Z'",
		"att/Name eq 'productType'",
		"Value eq 'S2MSI2A'",
		"att/Name eq 'tileId'",
		"Value eq 'T32TQM'",
		"OData.CSC.Intersects(area=geography'SRID=4326;POLYGON",
	} {
		if !strings.Contains(filter, want) {
			t.Errorf("filter missing %q:\n%s", want, filter)
		}
	}
}

func TestCopernicusSearchAndResolve(t *testing.T) {
	var gotFilter string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/token":
			_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1"})
		case r.URL.Path == "/odata/v1/Products" && r.Method == http.MethodGet:
			if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
				t.Errorf("auth header = %q", got)
			}
			gotFilter = r.URL.Query().Get("$filter")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"value": []map[string]string{
					{"Id": "p1", "Name": "S2A_MSIL2A_1"},
					{"Id": "p2", "Name": "S2A_MSIL2A_2"},
				},
			})
		case strings.HasPrefix(r.URL.Path, "/odata/v1/Products("):
			id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/odata/v1/Products("), ")")
			_ = json.NewEncoder(w).Encode(map[string]string{"Name": "NAME_" + id})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, err := NewCopernicus(CopernicusConfig{
		BaseURL:     srv.URL,
		TokenURL:    srv.URL + "/token",
		DownloadURL: srv.URL + "/zip",
		Username:    "u",
		Password:    "p",
		Timeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}

	products, err := c.Search(context.Background(), searchReq(t))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(products) != 2 || products[0].ID != "p1" {
		t.Fatalf("products: %+v", products)
	}
	if !strings.Contains(gotFilter, "SENTINEL-2") {
		t.Fatalf("filter not sent: %q", gotFilter)
	}

	batch, err := c.Resolve(context.Background(), "SENTINEL-2", []string{"p1", "p2"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(batch.Items) != 2 {
		t.Fatalf("items: %+v", batch.Items)
	}
	if batch.Items[0].URL != srv.URL+"/zip/odata/v1/Products(p1)/$value" {
		t.Fatalf("url: %s", batch.Items[0].URL)
	}
	if batch.Items[0].Filename != "NAME_p1.zip" {
		t.Fatalf("filename: %s", batch.Items[0].Filename)
	}
	if batch.Authorization != "Bearer tok-1" || batch.Refresh == nil {
		t.Fatalf("credential wiring: %q", batch.Authorization)
	}
}

func TestCopernicusMissingCredentials(t *testing.T) {
	if _, err := NewCopernicus(CopernicusConfig{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestUSGSSearchAndResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/login-token"):
			_ = json.NewEncoder(w).Encode(map[string]any{"errorCode": nil, "data": "api-key-1"})
		case strings.HasSuffix(r.URL.Path, "/scene-search"):
			if got := r.Header.Get("X-Auth-Token"); got != "api-key-1" {
				t.Errorf("auth token = %q", got)
			}
			if body["datasetName"] != "landsat_ot_c2_l2" {
				t.Errorf("datasetName = %v", body["datasetName"])
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"errorCode": nil,
				"data": map[string]any{
					"results": []map[string]string{
						{"entityId": "e1", "displayId": "LC08_L2SP_1"},
						{"entityId": "e2", "displayId": "LE07_OTHER"},
					},
				},
			})
		case strings.HasSuffix(r.URL.Path, "/download-options"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"errorCode": nil,
				"data": []map[string]any{
					{"id": "d1", "entityId": "e1", "productName": "Landsat Bundle", "available": true},
					{"id": "d2", "entityId": "e2", "productName": "Browse", "available": true},
					{"id": "d3", "entityId": "e1", "productName": "Other Bundle", "available": false},
				},
			})
		case strings.HasSuffix(r.URL.Path, "/download-request"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"errorCode": nil,
				"data": map[string]any{
					"availableDownloads": []map[string]string{
						{"url": "https://dds.usgs.gov/files/LC08_L2SP_1.tar?sig=x"},
					},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	u, err := NewUSGS(USGSConfig{ServiceURL: srv.URL, Username: "user", Token: "app-token", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}

	req := searchReq(t)
	req.Provider = fetch.ProviderUSGS
	req.Collection = "landsat_ot_c2_l2"
	req.ProductType = "L2SP"

	products, err := u.Search(context.Background(), req)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	// The display-id filter drops the LE07 scene.
	if len(products) != 1 || products[0].ID != "e1" {
		t.Fatalf("products: %+v", products)
	}

	batch, err := u.Resolve(context.Background(), "landsat_ot_c2_l2", []string{"e1", "e2"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(batch.Items) != 1 {
		t.Fatalf("items: %+v", batch.Items)
	}
	if batch.Items[0].Filename != "LC08_L2SP_1.tar" {
		t.Fatalf("filename: %s", batch.Items[0].Filename)
	}
	if batch.Authorization != "" {
		t.Fatalf("presigned urls must not carry an auth header, got %q", batch.Authorization)
	}
}

func TestUSGSAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := "AUTH_INVALID"
		_ = json.NewEncoder(w).Encode(map[string]any{"errorCode": code, "errorMessage": "bad token"})
	}))
	defer srv.Close()

	u, err := NewUSGS(USGSConfig{ServiceURL: srv.URL, Username: "user", Token: "bad"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := u.Search(context.Background(), searchReq(t)); err == nil {
		t.Fatal("expected auth error")
	}
}

func TestUSGSFilenameFallback(t *testing.T) {
	if got := usgsFilename("https://h/files/scene.tar", "ds", 0); got != "scene.tar" {
		t.Fatalf("got %q", got)
	}
	if got := usgsFilename("https://h/noext/", "ds", 3); got != "usgs_ds_3.zip" {
		t.Fatalf("got %q", got)
	}
}

func TestCopernicusFilterEscapesQuotes(t *testing.T) {
	req := searchReq(t)
	req.ProductType = "S2MSI'2A"
	req.TileID = "T32'QM"
	filter := buildCopernicusFilter(req, "")
	if !strings.Contains(filter, "Value eq 'S2MSI''2A'") {
		t.Fatalf("product type not escaped: %s", filter)
	}
	if !strings.Contains(filter, "Value eq 'T32''QM'") {
		t.Fatalf("tile id not escaped: %s", filter)
	}
}
