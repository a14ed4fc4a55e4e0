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

package source

import (
	"context"
	"testing"
	"time"

	"github.com/relaycrm/ingestion/internal/models"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry(
		NewWebsite(),
		NewFacebook("https://graph.example.com", time.Second),
	)

	c, err := r.Get(models.SourceWebsite)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Source() != models.SourceWebsite {
		t.Errorf("source = %q", c.Source())
	}

	if _, err := r.Get(models.SourceGoogleAds); err == nil {
		t.Fatal("expected an error for an unregistered source")
	}
}

func TestWebsiteConnector(t *testing.T) {
	w := NewWebsite()
	if w.RequiresFetch() {
		t.Error("website forms carry the full payload")
	}
	if _, err := w.FetchDetail(context.Background(), "id", "tok"); err == nil {
		t.Error("FetchDetail should refuse")
	}
}
