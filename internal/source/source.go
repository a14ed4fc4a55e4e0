// Copyright (c) 2026 RelayCRM
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package source implements the per-provider connectors that fetch full lead
// detail from external APIs. Sources whose webhooks already carry the full
// payload (website forms) implement the fetch as a passthrough.
package source

import (
	"context"
	"fmt"

	"github.com/relaycrm/ingestion/internal/models"
)

// Connector is the capability set one integration source exposes to the
// ingestion pipeline.
type Connector interface {
	// Source identifies the integration.
	Source() models.Source

	// RequiresFetch reports whether inbound events carry only an id and the
	// full record must be fetched with an authenticated call.
	RequiresFetch() bool

	// FetchDetail retrieves the full lead record for an external id using
	// the given access token. Implementations must honour ctx cancellation
	// and deadlines — the provider API is an external dependency.
	FetchDetail(ctx context.Context, externalID, accessToken string) (map[string]any, error)
}

// Registry holds the configured connectors by source.
type Registry struct {
	connectors map[models.Source]Connector
}

// NewRegistry builds a registry from the given connectors.
func NewRegistry(connectors ...Connector) *Registry {
	r := &Registry{connectors: make(map[models.Source]Connector, len(connectors))}
	for _, c := range connectors {
		r.connectors[c.Source()] = c
	}
	return r
}

// Get returns the connector for a source.
func (r *Registry) Get(s models.Source) (Connector, error) {
	c, ok := r.connectors[s]
	if !ok {
		return nil, fmt.Errorf("no connector registered for source %s", s)
	}
	return c, nil
}
