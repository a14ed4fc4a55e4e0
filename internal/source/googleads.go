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
	"net/http"
	"net/url"
	"time"

	"github.com/relaycrm/ingestion/internal/models"
)

// GoogleAds fetches lead form submissions from the Google Ads lead form API.
// This is a pull-style integration: the syncer lists new submissions per
// connected account and feeds each through the ingestion pipeline.
type GoogleAds struct {
	httpClient *http.Client
	baseURL    string
}

// NewGoogleAds creates a Google Ads lead form connector.
func NewGoogleAds(baseURL string, timeout time.Duration) *GoogleAds {
	return &GoogleAds{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
	}
}

func (g *GoogleAds) Source() models.Source { return models.SourceGoogleAds }

func (g *GoogleAds) RequiresFetch() bool { return true }

// gadsSubmission represents the relevant fields of a lead form submission.
type gadsSubmission struct {
	ID             string `json:"id"`
	SubmitTime     string `json:"submitTime"`
	SubmissionData []struct {
		FieldType  string `json:"fieldType"`
		FieldValue string `json:"fieldValue"`
	} `json:"leadFormSubmissionData"`
}

// FetchDetail retrieves one lead form submission and flattens its field data.
func (g *GoogleAds) FetchDetail(ctx context.Context, externalID, accessToken string) (map[string]any, error) {
	reqURL := fmt.Sprintf("%s/leadFormSubmissions/%s", g.baseURL, url.PathEscape(externalID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build submission request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch submission %s: %w", externalID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("google ads API returned HTTP %d for submission %s", resp.StatusCode, externalID)
	}

	var sub gadsSubmission
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, fmt.Errorf("decode submission response: %w", err)
	}

	fields := make(map[string]any, len(sub.SubmissionData)+1)
	for _, d := range sub.SubmissionData {
		fields[d.FieldType] = d.FieldValue
	}
	if sub.SubmitTime != "" {
		fields["submit_time"] = sub.SubmitTime
	}

	return fields, nil
}

// SubmissionStub identifies one lead form submission from the list endpoint.
type SubmissionStub struct {
	ID         string `json:"id"`
	SubmitTime string `json:"submitTime"`
}

// submissionsResponse is a page of the leadFormSubmissions list response.
type submissionsResponse struct {
	Submissions   []SubmissionStub `json:"leadFormSubmissions"`
	NextPageToken string           `json:"nextPageToken"`
}

// ListSubmissions pages through lead form submissions for an ad account,
// newest first, starting after the given cursor. Returns the stubs and the
// cursor to persist for the next sync.
func (g *GoogleAds) ListSubmissions(ctx context.Context, accountRef, accessToken, cursor string) ([]SubmissionStub, string, error) {
	var all []SubmissionStub
	nextCursor := cursor

	pageToken := ""
	for {
		params := url.Values{}
		params.Set("pageSize", "100")
		if cursor != "" {
			params.Set("submittedAfter", cursor)
		}
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		reqURL := fmt.Sprintf("%s/customers/%s/leadFormSubmissions?%s",
			g.baseURL, url.PathEscape(accountRef), params.Encode())

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, cursor, fmt.Errorf("build list request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+accessToken)

		resp, err := g.httpClient.Do(req)
		if err != nil {
			return nil, cursor, fmt.Errorf("list submissions: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, cursor, fmt.Errorf("google ads API returned HTTP %d listing submissions", resp.StatusCode)
		}

		var page submissionsResponse
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, cursor, fmt.Errorf("decode submissions page: %w", err)
		}

		for _, s := range page.Submissions {
			all = append(all, s)
			if s.SubmitTime > nextCursor {
				nextCursor = s.SubmitTime
			}
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	return all, nextCursor, nil
}
