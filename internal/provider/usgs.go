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
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"nimbusfetch/internal/download"
	"nimbusfetch/pkg/fetch"
)

// USGSConfig carries the M2M endpoint and login-token credentials.
type USGSConfig struct {
	ServiceURL string // e.g. https://m2m.cr.usgs.gov/api/api/json/stable
	Username   string
	Token      string // application token, exchanged for a session API key
	Timeout    time.Duration
}

// USGS talks to the USGS M2M JSON API.
type USGS struct {
	cfg    USGSConfig
	client *resty.Client

	mu     sync.Mutex
	apiKey string
}

// NewUSGS validates credentials and builds the client.
func NewUSGS(cfg USGSConfig) (*USGS, error) {
	if cfg.Username == "" || cfg.Token == "" {
		return nil, fmt.Errorf("usgs credentials are missing")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.ServiceURL = strings.TrimRight(cfg.ServiceURL, "/")
	client := resty.New().SetTimeout(cfg.Timeout)
	return &USGS{cfg: cfg, client: client}, nil
}

// Name implements Provider.
func (u *USGS) Name() string { return fetch.ProviderUSGS }

// m2mEnvelope is the uniform M2M response wrapper.
type m2mEnvelope struct {
	ErrorCode    *string         `json:"errorCode"`
	ErrorMessage string          `json:"errorMessage"`
	Data         json.RawMessage `json:"data"`
}

// send posts one M2M request and unmarshals the data field into out.
func (u *USGS) send(ctx context.Context, endpoint string, payload any, out any) error {
	u.mu.Lock()
	key := u.apiKey
	u.mu.Unlock()

	req := u.client.R().SetContext(ctx).SetBody(payload)
	if key != "" {
		req.SetHeader("X-Auth-Token", key)
	}
	var envelope m2mEnvelope
	resp, err := req.SetResult(&envelope).Post(u.cfg.ServiceURL + "/" + endpoint)
	if err != nil {
		return fmt.Errorf("usgs %s: %w", endpoint, err)
	}
	if resp.IsError() {
		return fmt.Errorf("usgs %s: status %d", endpoint, resp.StatusCode())
	}
	if envelope.ErrorCode != nil && *envelope.ErrorCode != "" {
		return fmt.Errorf("usgs %s: %s: %s", endpoint, *envelope.ErrorCode, envelope.ErrorMessage)
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("usgs %s: decode data: %w", endpoint, err)
		}
	}
	return nil
}

// login exchanges the application token for a session API key.
func (u *USGS) login(ctx context.Context) error {
	var key string
	err := u.send(ctx, "login-token", map[string]string{
		"username": u.cfg.Username,
		"token":    u.cfg.Token,
	}, &key)
	if err != nil {
		return fetch.NewJobError(fetch.CodeProviderAuthError, "usgs login failed", err, nil)
	}
	if key == "" {
		return fetch.NewJobError(fetch.CodeProviderAuthError, "usgs login returned no api key", nil, nil)
	}
	u.mu.Lock()
	u.apiKey = key
	u.mu.Unlock()
	return nil
}

func (u *USGS) ensureLogin(ctx context.Context) error {
	u.mu.Lock()
	key := u.apiKey
	u.mu.Unlock()
	if key != "" {
		return nil
	}
	return u.login(ctx)
}

// Search implements Provider via scene-search with a GeoJSON spatial filter.
func (u *USGS) Search(ctx context.Context, req *fetch.SearchDownloadRequest) ([]Product, error) {
	aoi, err := req.AOI.Parse()
	if err != nil {
		return nil, err
	}
	geoJSON, err := aoi.GeoJSON()
	if err != nil {
		return nil, err
	}
	if err := u.ensureLogin(ctx); err != nil {
		return nil, err
	}

	payload := map[string]any{
		"datasetName": req.Collection,
		"sceneFilter": map[string]any{
			"spatialFilter": map[string]any{
				"filterType": "geojson",
				"geoJson":    json.RawMessage(geoJSON),
			},
			"acquisitionFilter": map[string]any{
				"start": req.StartDate.Format("2006-01-02"),
				"end":   req.EndDate.Format("2006-01-02"),
			},
		},
		"maxResults": 1000,
	}

	var data struct {
		Results []struct {
			EntityID  string `json:"entityId"`
			DisplayID string `json:"displayId"`
		} `json:"results"`
	}
	if err := u.send(ctx, "scene-search", payload, &data); err != nil {
		return nil, fetch.NewJobError(fetch.CodeProviderSearchError, "usgs scene search failed", err,
			map[string]any{"dataset": req.Collection})
	}

	var products []Product
	for _, scene := range data.Results {
		if scene.EntityID == "" {
			continue
		}
		if req.ProductType != "" && !strings.Contains(scene.DisplayID, req.ProductType) {
			continue
		}
		products = append(products, Product{ID: scene.EntityID, Name: scene.DisplayID})
	}
	return products, nil
}

// Resolve implements Provider: download-options narrows to available Bundle
// products, download-request mints the presigned URLs. The URLs carry their
// own credentials, so the batch needs no Authorization header.
func (u *USGS) Resolve(ctx context.Context, collection string, productIDs []string) (download.Batch, error) {
	if len(productIDs) == 0 {
		return download.Batch{}, nil
	}
	if err := u.ensureLogin(ctx); err != nil {
		return download.Batch{}, err
	}

	var opts []struct {
		ID          string `json:"id"`
		EntityID    string `json:"entityId"`
		ProductName string `json:"productName"`
		Available   bool   `json:"available"`
	}
	err := u.send(ctx, "download-options", map[string]string{
		"datasetName": collection,
		"entityIds":   strings.Join(productIDs, ","),
	}, &opts)
	if err != nil {
		return download.Batch{}, fetch.NewJobError(fetch.CodeProviderSearchError, "usgs download options failed", err,
			map[string]any{"dataset": collection})
	}

	type dl struct {
		EntityID  string `json:"entityId"`
		ProductID string `json:"productId"`
	}
	var downloads []dl
	for _, opt := range opts {
		if !opt.Available || !strings.Contains(opt.ProductName, "Bundle") {
			continue
		}
		if opt.EntityID == "" || opt.ID == "" {
			continue
		}
		downloads = append(downloads, dl{EntityID: opt.EntityID, ProductID: opt.ID})
	}
	if len(downloads) == 0 {
		return download.Batch{}, nil
	}

	var result struct {
		AvailableDownloads []struct {
			URL string `json:"url"`
		} `json:"availableDownloads"`
	}
	err = u.send(ctx, "download-request", map[string]any{
		"downloads": downloads,
		"label":     time.Now().UTC().Format("dl_20060102_150405"),
	}, &result)
	if err != nil {
		return download.Batch{}, fetch.NewJobError(fetch.CodeProviderSearchError, "usgs download request failed", err,
			map[string]any{"dataset": collection})
	}

	var items []download.Item
	for i, d := range result.AvailableDownloads {
		if d.URL == "" {
			continue
		}
		items = append(items, download.Item{
			URL:      d.URL,
			Filename: usgsFilename(d.URL, collection, i),
		})
	}
	return download.Batch{Provider: fetch.ProviderUSGS, Items: items}, nil
}

func usgsFilename(rawURL, collection string, idx int) string {
	if u, err := url.Parse(rawURL); err == nil {
		if unescaped, err := url.PathUnescape(u.Path); err == nil {
			name := path.Base(unescaped)
			if name != "" && strings.Contains(name, ".") {
				return name
			}
		}
	}
	return fmt.Sprintf("usgs_%s_%d.zip", collection, idx)
}
