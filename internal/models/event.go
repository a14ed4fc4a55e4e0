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

// InboundLeadEvent is a normalised inbound lead, stripped of transport
// concerns. Webhook handlers and the pull syncer both produce this shape.
//
// For push sources Fields carries the full raw payload. For sources that
// require an authenticated detail fetch (Facebook leadgen webhooks carry only
// an id), Fields may be empty and ExternalID identifies the record to fetch.
type InboundLeadEvent struct {
	EventID    string         `json:"event_id"`
	ExternalID string         `json:"external_id,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}
