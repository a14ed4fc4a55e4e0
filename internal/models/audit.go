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

package models

import "time"

// AuditOutcome is the terminal state of one ingestion attempt.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "SUCCESS"
	OutcomeFailed  AuditOutcome = "FAILED"
)

// ReasonCode classifies why an ingestion attempt failed.
type ReasonCode string

const (
	ReasonNone                 ReasonCode = ""
	ReasonTokenRefreshFailed   ReasonCode = "TokenRefreshFailed"
	ReasonDetailFetchFailed    ReasonCode = "DetailFetchFailed"
	ReasonUnmappedSource       ReasonCode = "UnmappedSource"
	ReasonInvalidMappingConfig ReasonCode = "InvalidMappingConfiguration"
	ReasonMissingMandatory     ReasonCode = "MissingMandatoryField"
	ReasonStorageWriteFailed   ReasonCode = "StorageWriteFailed"
)

// TenantActionable reports whether the failure needs tenant intervention
// (reconnect the account, author a mapping) as opposed to being a transient
// provider or storage error that redelivery can resolve.
func (r ReasonCode) TenantActionable() bool {
	switch r {
	case ReasonTokenRefreshFailed, ReasonUnmappedSource, ReasonInvalidMappingConfig, ReasonMissingMandatory:
		return true
	}
	return false
}

// IngestionAuditRecord is one append-only row per ingestion attempt.
// Immutable once written.
type IngestionAuditRecord struct {
	ID            string       `json:"id"`
	TenantID      string       `json:"tenant_id"`
	Source        Source       `json:"source"`
	EventID       string       `json:"event_id"`
	ExternalID    string       `json:"external_id,omitempty"`
	Outcome       AuditOutcome `json:"outcome"`
	Reason        ReasonCode   `json:"reason,omitempty"`
	Detail        string       `json:"detail,omitempty"`
	MissingFields []string     `json:"missing_fields,omitempty"`
	LeadID        string       `json:"lead_id,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
}
