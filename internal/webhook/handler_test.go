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

package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/relaycrm/ingestion/internal/models"
)

// mockIngestor records calls and signals each one on a channel so tests can
// wait for the background processing goroutine.
type mockIngestor struct {
	calls chan ingestCall
}

type ingestCall struct {
	tenantID string
	source   models.Source
	event    models.InboundLeadEvent
}

func newMockIngestor() *mockIngestor {
	return &mockIngestor{calls: make(chan ingestCall, 16)}
}

func (m *mockIngestor) Ingest(_ context.Context, tenantID string, src models.Source, event models.InboundLeadEvent) models.IngestionAuditRecord {
	m.calls <- ingestCall{tenantID: tenantID, source: src, event: event}
	return models.IngestionAuditRecord{Outcome: models.OutcomeSuccess}
}

func (m *mockIngestor) waitForCall(t *testing.T) ingestCall {
	t.Helper()
	select {
	case c := <-m.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ingest call")
		return ingestCall{}
	}
}

func (m *mockIngestor) expectNoCall(t *testing.T) {
	t.Helper()
	select {
	case c := <-m.calls:
		t.Fatalf("unexpected ingest call for tenant %s", c.tenantID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFacebookVerificationProbe(t *testing.T) {
	h := NewHandler(newMockIngestor(), nil, "secret-token")

	req := httptest.NewRequest(http.MethodGet,
		"/webhook/facebook/tenant-1?hub.mode=subscribe&hub.verify_token=secret-token&hub.challenge=challenge-42", nil)
	w := httptest.NewRecorder()
	h.ServeFacebook(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	if string(body) != "challenge-42" {
		t.Errorf("body = %q, want the echoed challenge", body)
	}
}

func TestFacebookVerificationRejectsBadToken(t *testing.T) {
	h := NewHandler(newMockIngestor(), nil, "secret-token")

	req := httptest.NewRequest(http.MethodGet,
		"/webhook/facebook/tenant-1?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=x", nil)
	w := httptest.NewRecorder()
	h.ServeFacebook(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestFacebookDelivery(t *testing.T) {
	ingestor := newMockIngestor()
	h := NewHandler(ingestor, nil, "secret-token")

	payload := `{
		"entry": [{
			"id": "page-1",
			"changes": [{
				"field": "leadgen",
				"value": {"leadgen_id": "lead-123", "page_id": "page-1", "form_id": "form-9"}
			}]
		}]
	}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/facebook/tenant-1", strings.NewReader(payload))
	w := httptest.NewRecorder()
	h.ServeFacebook(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	call := ingestor.waitForCall(t)
	if call.tenantID != "tenant-1" {
		t.Errorf("tenant = %q, want tenant-1", call.tenantID)
	}
	if call.source != models.SourceFacebookAds {
		t.Errorf("source = %q", call.source)
	}
	if call.event.ExternalID != "lead-123" {
		t.Errorf("external id = %q, want lead-123", call.event.ExternalID)
	}
	if len(call.event.Fields) != 0 {
		t.Errorf("facebook events carry only the id, got fields %v", call.event.Fields)
	}
}

func TestFacebookDeliveryIgnoresNonLeadgenChanges(t *testing.T) {
	ingestor := newMockIngestor()
	h := NewHandler(ingestor, nil, "secret-token")

	payload := `{"entry": [{"changes": [{"field": "feed", "value": {}}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/facebook/tenant-1", strings.NewReader(payload))
	w := httptest.NewRecorder()
	h.ServeFacebook(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	ingestor.expectNoCall(t)
}

func TestFacebookDeliveryBadJSONStillAcks(t *testing.T) {
	ingestor := newMockIngestor()
	h := NewHandler(ingestor, nil, "secret-token")

	req := httptest.NewRequest(http.MethodPost, "/webhook/facebook/tenant-1", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	h.ServeFacebook(w, req)

	// Never give the provider a reason to retry a permanently bad payload.
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	ingestor.expectNoCall(t)
}

func TestWebsiteForm(t *testing.T) {
	ingestor := newMockIngestor()
	h := NewHandler(ingestor, nil, "")

	body := `{"full_name": "Alice", "email": "a@b.com", "phone": "555", "utm_source": "spring"}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/website/tenant-7", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeWebsite(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}

	call := ingestor.waitForCall(t)
	if call.tenantID != "tenant-7" {
		t.Errorf("tenant = %q", call.tenantID)
	}
	if call.source != models.SourceWebsite {
		t.Errorf("source = %q", call.source)
	}
	if got := call.event.Fields["email"]; got != "a@b.com" {
		t.Errorf("email field = %v", got)
	}
}

func TestWebsiteFormRejectsBadJSON(t *testing.T) {
	ingestor := newMockIngestor()
	h := NewHandler(ingestor, nil, "")

	req := httptest.NewRequest(http.MethodPost, "/webhook/website/tenant-7", strings.NewReader("{broken"))
	w := httptest.NewRecorder()
	h.ServeWebsite(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	ingestor.expectNoCall(t)
}

func TestWebsiteFormRequiresPost(t *testing.T) {
	h := NewHandler(newMockIngestor(), nil, "")

	req := httptest.NewRequest(http.MethodGet, "/webhook/website/tenant-7", nil)
	w := httptest.NewRecorder()
	h.ServeWebsite(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestTenantFromPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/webhook/facebook/tenant-1", "tenant-1"},
		{"/webhook/website/t2/", "t2"},
		{"/webhook/facebook", ""},
		{"/other/facebook/t", ""},
		{"/", ""},
	}
	for _, tt := range tests {
		if got := tenantFromPath(tt.path); got != tt.want {
			t.Errorf("tenantFromPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
