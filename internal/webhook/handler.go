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

// Package webhook handles inbound push deliveries from lead providers.
// It normalises each provider's payload into an InboundLeadEvent, answers
// fast, and hands the event to the ingestion pipeline in the background.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaycrm/ingestion/internal/dedup"
	"github.com/relaycrm/ingestion/internal/models"
)

// Ingestor is the pipeline entry point. Implemented by ingest.Orchestrator.
type Ingestor interface {
	Ingest(ctx context.Context, tenantID string, src models.Source, event models.InboundLeadEvent) models.IngestionAuditRecord
}

// Handler processes provider webhook deliveries.
type Handler struct {
	ingestor    Ingestor
	filter      *dedup.Filter // optional; nil disables delivery filtering
	verifyToken string
}

// NewHandler creates a webhook handler.
func NewHandler(ingestor Ingestor, filter *dedup.Filter, verifyToken string) *Handler {
	return &Handler{
		ingestor:    ingestor,
		filter:      filter,
		verifyToken: verifyToken,
	}
}

// fbWebhookPayload is the envelope Facebook POSTs for Lead Ads.
// Each change carries only identifiers; field values require a detail fetch.
type fbWebhookPayload struct {
	Entry []struct {
		ID      string `json:"id"` // page id
		Changes []struct {
			Field string `json:"field"` // "leadgen"
			Value struct {
				LeadgenID   string `json:"leadgen_id"`
				PageID      string `json:"page_id"`
				FormID      string `json:"form_id"`
				CreatedTime int64  `json:"created_time"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ServeFacebook handles Facebook Lead Ads webhook requests.
//
// Verification flow: Facebook sends GET ?hub.mode=subscribe&hub.verify_token=
// <token>&hub.challenge=<challenge>; we must echo the challenge when the
// token matches. Delivery flow: POST with a JSON entry array; respond 200
// immediately and process in the background.
func (h *Handler) ServeFacebook(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		h.serveVerification(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusOK)
		return
	}

	tenantID := tenantFromPath(r.URL.Path)
	if tenantID == "" {
		slog.Warn("facebook webhook without tenant segment", "path", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("failed to read webhook body", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	var payload fbWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		slog.Info("webhook body not valid JSON, ignoring", "body_len", len(body))
		w.WriteHeader(http.StatusOK)
		return
	}

	// Respond immediately — Facebook retries on slow responses.
	w.WriteHeader(http.StatusOK)

	go h.processFacebook(context.Background(), tenantID, payload)
}

// processFacebook converts each leadgen change into an inbound event.
func (h *Handler) processFacebook(ctx context.Context, tenantID string, payload fbWebhookPayload) {
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "leadgen" {
				slog.Debug("skipping non-leadgen change", "field", change.Field)
				continue
			}
			leadgenID := change.Value.LeadgenID
			if leadgenID == "" {
				continue
			}

			if !h.deliveryIsNew(ctx, "fb:"+leadgenID) {
				slog.Debug("skipping duplicate delivery", "leadgen_id", leadgenID)
				continue
			}

			event := models.InboundLeadEvent{
				EventID:    uuid.New().String(),
				ExternalID: leadgenID,
				ReceivedAt: time.Now().UTC(),
			}

			rec := h.ingestor.Ingest(ctx, tenantID, models.SourceFacebookAds, event)
			slog.Info("facebook webhook processed",
				"tenant", tenantID,
				"leadgen_id", leadgenID,
				"outcome", rec.Outcome,
			)
		}
	}
}

// ServeWebsite handles direct website form posts. The body is the full
// field map; no detail fetch is needed.
func (h *Handler) ServeWebsite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	tenantID := tenantFromPath(r.URL.Path)
	if tenantID == "" {
		http.Error(w, "missing tenant", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	event := models.InboundLeadEvent{
		EventID:    uuid.New().String(),
		Fields:     fields,
		ReceivedAt: time.Now().UTC(),
	}

	w.WriteHeader(http.StatusAccepted)

	go func() {
		rec := h.ingestor.Ingest(context.Background(), tenantID, models.SourceWebsite, event)
		slog.Info("website form processed",
			"tenant", tenantID,
			"event_id", event.EventID,
			"outcome", rec.Outcome,
		)
	}()
}

// serveVerification answers the Facebook subscription verification probe.
func (h *Handler) serveVerification(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != h.verifyToken {
		slog.Warn("webhook verification failed", "mode", q.Get("hub.mode"))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	slog.Info("webhook verification probe accepted")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(q.Get("hub.challenge")))
}

// deliveryIsNew consults the optional delivery filter. Filter errors fail
// open — the pipeline is idempotent, a duplicate just costs a little work.
func (h *Handler) deliveryIsNew(ctx context.Context, deliveryID string) bool {
	if h.filter == nil {
		return true
	}
	isNew, err := h.filter.IsNew(ctx, deliveryID)
	if err != nil {
		slog.Warn("delivery filter check failed, proceeding", "error", err)
		return true
	}
	return isNew
}

// tenantFromPath extracts the tenant id from /webhook/{source}/{tenant}.
func tenantFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	// Expected: ["webhook", "{source}", "{tenant}"]
	if len(parts) < 3 || !strings.EqualFold(parts[0], "webhook") {
		return ""
	}
	return parts[2]
}

// Serve starts the webhook HTTP server on the given port.
// It binds the port immediately and signals readiness via the returned channel
// before starting to accept connections.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("/webhook/facebook/", handler.ServeFacebook)
	mux.HandleFunc("/webhook/website/", handler.ServeWebsite)

	server := &http.Server{
		Handler: mux,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind webhook port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("webhook server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("webhook server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("webhook server error", "error", err)
		}
	}()

	return ready, nil
}
