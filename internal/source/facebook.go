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
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/relaycrm/ingestion/internal/models"
)

// Facebook fetches lead detail from the Graph API. Lead Ads webhooks carry
// only a leadgen id; the field values require a signed follow-up call.
type Facebook struct {
	httpClient *http.Client
	baseURL    string
}

// NewFacebook creates a Facebook Lead Ads connector.
func NewFacebook(baseURL string, timeout time.Duration) *Facebook {
	return &Facebook{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
	}
}

func (f *Facebook) Source() models.Source { return models.SourceFacebookAds }

func (f *Facebook) RequiresFetch() bool { return true }

// fbLead represents the relevant fields of a Graph API leadgen response.
type fbLead struct {
	ID          string `json:"id"`
	CreatedTime string `json:"created_time"`
	FieldData   []struct {
		Name   string   `json:"name"`
		Values []string `json:"values"`
	} `json:"field_data"`
}

// FetchDetail retrieves a leadgen record and flattens its field_data into a
// flat field map keyed by the form's question names.
func (f *Facebook) FetchDetail(ctx context.Context, externalID, accessToken string) (map[string]any, error) {
	params := url.Values{}
	params.Set("fields", "id,created_time,field_data")
	params.Set("access_token", accessToken)

	reqURL := fmt.Sprintf("%s/%s?%s", f.baseURL, url.PathEscape(externalID), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build leadgen request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch leadgen %s: %w", externalID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		slog.Warn("leadgen record not found (may have been deleted)",
			"leadgen_id", externalID,
		)
		return nil, fmt.Errorf("leadgen %s not found", externalID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graph API returned HTTP %d for leadgen %s", resp.StatusCode, externalID)
	}

	var lead fbLead
	if err := json.NewDecoder(resp.Body).Decode(&lead); err != nil {
		return nil, fmt.Errorf("decode leadgen response: %w", err)
	}

	fields := make(map[string]any, len(lead.FieldData)+1)
	for _, fd := range lead.FieldData {
		if len(fd.Values) > 0 {
			fields[fd.Name] = fd.Values[0]
		}
	}
	if lead.CreatedTime != "" {
		fields["created_time"] = lead.CreatedTime
	}

	return fields, nil
}
