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
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"nimbusfetch/internal/download"
	"nimbusfetch/pkg/fetch"
)

// CopernicusConfig carries the Data Space endpoints and credentials.
type CopernicusConfig struct {
	BaseURL     string // catalog, e.g. https://catalogue.dataspace.copernicus.eu
	TokenURL    string // identity token endpoint
	DownloadURL string // zipper, e.g. https://zipper.dataspace.copernicus.eu
	Username    string
	Password    string
	Timeout     time.Duration
}

// Copernicus talks to the Copernicus Data Space OData catalog.
type Copernicus struct {
	cfg    CopernicusConfig
	client *resty.Client

	mu    sync.Mutex
	token string
}

// NewCopernicus validates credentials and builds the client.
func NewCopernicus(cfg CopernicusConfig) (*Copernicus, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("copernicus credentials are missing")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.DownloadURL = strings.TrimRight(cfg.DownloadURL, "/")
	client := resty.New().SetTimeout(cfg.Timeout)
	return &Copernicus{cfg: cfg, client: client}, nil
}

// Name implements Provider.
func (c *Copernicus) Name() string { return fetch.ProviderCopernicus }

// login exchanges the password grant for an access token.
func (c *Copernicus) login(ctx context.Context) (string, error) {
	var body struct {
		AccessToken string `json:"access_token"`
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"client_id":  "cdse-public",
			"username":   c.cfg.Username,
			"password":   c.cfg.Password,
			"grant_type": "password",
		}).
		SetResult(&body).
		Post(c.cfg.TokenURL)
	if err != nil {
		return "", fetch.NewJobError(fetch.CodeProviderAuthError, "copernicus token request failed", err, nil)
	}
	if resp.IsError() {
		return "", fetch.NewJobError(fetch.CodeProviderAuthError,
			fmt.Sprintf("copernicus token endpoint returned %d", resp.StatusCode()), nil, nil)
	}
	if body.AccessToken == "" {
		return "", fetch.NewJobError(fetch.CodeProviderAuthError, "copernicus token endpoint returned no access_token", nil, nil)
	}

	c.mu.Lock()
	c.token = body.AccessToken
	c.mu.Unlock()
	return body.AccessToken, nil
}

func (c *Copernicus) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()
	if tok != "" {
		return tok, nil
	}
	return c.login(ctx)
}

// odataQuote escapes a value for use inside a single-quoted OData string
// literal.
func odataQuote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// buildFilter composes the OData $filter expression.
func buildCopernicusFilter(req *fetch.SearchDownloadRequest, wkt string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Collection/Name eq '%s'", req.Collection)
	fmt.Fprintf(&b, " and ContentDate/Start gt '%sT00:00:00Z'", req.StartDate.Format("2006-01-02"))
	fmt.Fprintf(&b, " and ContentDate/Start lt '%sT23:59:59Z'", req.EndDate.Format("2006-01-02"))
	if req.ProductType != "" {
		fmt.Fprintf(&b, " and Attributes/OData.CSC.StringAttribute/any(att:att/Name eq 'productType' and att/OData.CSC.StringAttribute/Value eq '%s')", odataQuote(req.ProductType))
	}
	if req.TileID != "" {
		fmt.Fprintf(&b, " and Attributes/OData.CSC.StringAttribute/any(att:att/Name eq 'tileId' and att/OData.CSC.StringAttribute/Value eq '%s')", odataQuote(req.TileID))
	}
	if wkt != "" {
		fmt.Fprintf(&b, " and OData.CSC.Intersects(area=geography'SRID=4326;%s')", wkt)
	}
	return b.String()
}

// Search implements Provider via the OData Products endpoint.
func (c *Copernicus) Search(ctx context.Context, req *fetch.SearchDownloadRequest) ([]Product, error) {
	aoi, err := req.AOI.Parse()
	if err != nil {
		return nil, err
	}
	wkt, err := aoi.WKT()
	if err != nil {
		return nil, err
	}
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	var body struct {
		Value []struct {
			ID   string `json:"Id"`
			Name string `json:"Name"`
		} `json:"value"`
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"$filter":  buildCopernicusFilter(req, wkt),
			"$orderby": "ContentDate/Start desc",
			"$top":     "1000",
		}).
		SetAuthToken(token).
		SetResult(&body).
		Get(c.cfg.BaseURL + "/odata/v1/Products")
	if err != nil {
		return nil, fetch.NewJobError(fetch.CodeProviderSearchError, "copernicus search failed", err, nil)
	}
	if resp.IsError() {
		return nil, fetch.NewJobError(fetch.CodeProviderSearchError,
			fmt.Sprintf("copernicus search returned %d", resp.StatusCode()), nil,
			map[string]any{"collection": req.Collection})
	}

	products := make([]Product, 0, len(body.Value))
	for _, v := range body.Value {
		if v.ID == "" {
			continue
		}
		products = append(products, Product{ID: v.ID, Name: v.Name})
	}
	return products, nil
}

// productName fetches the catalog name for a product; falls back to the ID.
func (c *Copernicus) productName(ctx context.Context, token, productID string) string {
	var body struct {
		Name string `json:"Name"`
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&body).
		Get(fmt.Sprintf("%s/odata/v1/Products(%s)", c.cfg.BaseURL, productID))
	if err == nil && !resp.IsError() && body.Name != "" {
		return body.Name + ".zip"
	}
	return productID + ".zip"
}

// Resolve implements Provider: zipper $value URLs plus a bearer credential
// with a refresh hook for mid-download 401s.
func (c *Copernicus) Resolve(ctx context.Context, _ string, productIDs []string) (download.Batch, error) {
	if len(productIDs) == 0 {
		return download.Batch{}, nil
	}
	token, err := c.accessToken(ctx)
	if err != nil {
		return download.Batch{}, err
	}

	items := make([]download.Item, 0, len(productIDs))
	for _, id := range productIDs {
		if err := ctx.Err(); err != nil {
			return download.Batch{}, err
		}
		items = append(items, download.Item{
			URL:      fmt.Sprintf("%s/odata/v1/Products(%s)/$value", c.cfg.DownloadURL, id),
			Filename: c.productName(ctx, token, id),
		})
	}
	return download.Batch{
		Provider:      fetch.ProviderCopernicus,
		Items:         items,
		Authorization: "Bearer " + token,
		Refresh: func(ctx context.Context) (string, error) {
			tok, err := c.login(ctx)
			if err != nil {
				return "", err
			}
			return "Bearer " + tok, nil
		},
	}, nil
}
