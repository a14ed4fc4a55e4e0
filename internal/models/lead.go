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

// Package models defines the data structures shared across the ingestion service.
package models

import "time"

// Source identifies the external system a lead arrived from.
type Source string

const (
	SourceFacebookAds Source = "facebook_ads"
	SourceGoogleAds   Source = "google_ads"
	SourceWebsite     Source = "website"
)

// Valid reports whether the source is one of the known integrations.
func (s Source) Valid() bool {
	switch s {
	case SourceFacebookAds, SourceGoogleAds, SourceWebsite:
		return true
	}
	return false
}

// Activity is one append-only event in a lead's history.
type Activity struct {
	Type      string    `json:"type"` // "lead_created", "lead_merged", "lead_ingested", ...
	Source    Source    `json:"source,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Lead is the canonical contact record owned by one tenant.
//
// DedupEmail and DedupPhone hold the normalised forms used for duplicate
// matching; they are maintained by the upsert engine, never set directly.
type Lead struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Source   Source `json:"source"`

	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Company string `json:"company,omitempty"`

	Stage        string            `json:"stage"`
	Tags         []string          `json:"tags,omitempty"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`

	DedupEmail string `json:"dedup_email,omitempty"`
	DedupPhone string `json:"dedup_phone,omitempty"`

	ExternalID string     `json:"external_id,omitempty"`
	Activities []Activity `json:"activities"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
