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

// Package provider abstracts the external product catalogs. A provider can
// search a collection for products matching a request and resolve product
// IDs into a download batch. Concrete implementations cover the Copernicus
// Data Space OData API and the USGS M2M API.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"nimbusfetch/internal/download"
	"nimbusfetch/pkg/fetch"
)

// Product is one provider-defined acquisition unit.
type Product struct {
	ID   string
	Name string
}

// Provider is the capability set the job runner depends on.
type Provider interface {
	Name() string

	// Search returns the products matching the request, newest first when
	// the provider supports ordering.
	Search(ctx context.Context, req *fetch.SearchDownloadRequest) ([]Product, error)

	// Resolve turns product IDs into a download batch: URLs, filename
	// hints, and the credential the downloader should present. The
	// collection comes from the request; providers hold no per-job state.
	Resolve(ctx context.Context, collection string, productIDs []string) (download.Batch, error)
}

// Registry maps provider keys to instances.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

// Register adds or replaces a provider under its own name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get looks up a provider by key.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

// Names returns the registered provider keys, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
