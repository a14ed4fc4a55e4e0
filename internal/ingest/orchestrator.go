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

// Package ingest sequences one inbound lead event through detail fetch,
// field-mapping resolution, dedup/upsert, and audit logging. Every failure
// is captured into an audit record at this boundary — nothing propagates
// past Ingest, and no failure is silently dropped.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaycrm/ingestion/internal/credentials"
	"github.com/relaycrm/ingestion/internal/lead"
	"github.com/relaycrm/ingestion/internal/mapping"
	"github.com/relaycrm/ingestion/internal/models"
	"github.com/relaycrm/ingestion/internal/source"
)

// AccountResolver finds the connected account for a tenant+source pair.
type AccountResolver interface {
	GetForTenantSource(ctx context.Context, tenantID string, src models.Source) (*credentials.Account, error)
}

// TokenProvider returns a currently-valid access token for an account.
type TokenProvider interface {
	GetValidAccessToken(ctx context.Context, accountID string) (string, error)
}

// MappingResolver loads the tenant's mapping configuration for a source.
type MappingResolver interface {
	Get(ctx context.Context, tenantID string, src models.Source) (*mapping.TenantMapping, error)
}

// Upserter applies the dedup/upsert decision and supporting writes.
type Upserter interface {
	Upsert(ctx context.Context, req lead.UpsertRequest) (*models.Lead, lead.Outcome, error)
	AppendProvenance(ctx context.Context, l *models.Lead, src models.Source, externalID string) error
}

// AuditSink records ingestion outcomes.
type AuditSink interface {
	Append(ctx context.Context, rec models.IngestionAuditRecord) error
}

// Publisher announces successfully ingested leads to downstream consumers.
// Optional; a nil publisher disables the fanout.
type Publisher interface {
	PublishLeadEvent(ctx context.Context, l *models.Lead, outcome string) error
}

// Orchestrator coordinates the ingestion pipeline. Safe for concurrent use;
// events for the same tenant are processed in parallel, relying on the
// upsert engine's per-key protection rather than tenant-wide serialization.
type Orchestrator struct {
	accounts     AccountResolver
	tokens       TokenProvider
	mappings     MappingResolver
	upserter     Upserter
	connectors   *source.Registry
	sink         AuditSink
	publisher    Publisher
	fetchTimeout time.Duration
}

// OrchestratorConfig holds the pipeline dependencies.
type OrchestratorConfig struct {
	Accounts     AccountResolver
	Tokens       TokenProvider
	Mappings     MappingResolver
	Upserter     Upserter
	Connectors   *source.Registry
	Sink         AuditSink
	Publisher    Publisher
	FetchTimeout time.Duration
}

// NewOrchestrator creates the ingestion orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Orchestrator{
		accounts:     cfg.Accounts,
		tokens:       cfg.Tokens,
		mappings:     cfg.Mappings,
		upserter:     cfg.Upserter,
		connectors:   cfg.Connectors,
		sink:         cfg.Sink,
		publisher:    cfg.Publisher,
		fetchTimeout: timeout,
	}
}

// Ingest runs one inbound lead event through the pipeline and returns the
// audit record describing the outcome. Never returns an error — failures are
// the FAILED records. Safe to call again with the same event: duplicate
// delivery lands on the dedup engine's idempotent upsert.
func (o *Orchestrator) Ingest(ctx context.Context, tenantID string, src models.Source, event models.InboundLeadEvent) models.IngestionAuditRecord {
	connector, err := o.connectors.Get(src)
	if err != nil {
		return o.fail(ctx, tenantID, src, event, models.ReasonUnmappedSource, err.Error(), nil)
	}

	// Step 1: authenticated detail fetch for sources whose events carry only
	// an id. Pull-synced events may already carry the full field set.
	payload := event.Fields
	if connector.RequiresFetch() && len(payload) == 0 {
		account, err := o.accounts.GetForTenantSource(ctx, tenantID, src)
		if err != nil {
			return o.fail(ctx, tenantID, src, event, models.ReasonStorageWriteFailed,
				fmt.Sprintf("load connected account: %v", err), nil)
		}
		if account == nil {
			return o.fail(ctx, tenantID, src, event, models.ReasonTokenRefreshFailed,
				"no connected account for source", nil)
		}

		token, err := o.tokens.GetValidAccessToken(ctx, account.AccountID)
		if err != nil {
			if credentials.IsRefreshError(err) {
				return o.fail(ctx, tenantID, src, event, models.ReasonTokenRefreshFailed, err.Error(), nil)
			}
			return o.fail(ctx, tenantID, src, event, models.ReasonDetailFetchFailed, err.Error(), nil)
		}

		fetchCtx, cancel := context.WithTimeout(ctx, o.fetchTimeout)
		payload, err = connector.FetchDetail(fetchCtx, event.ExternalID, token)
		cancel()
		if err != nil {
			// Timeouts count as network failures; redelivery may succeed.
			return o.fail(ctx, tenantID, src, event, models.ReasonDetailFetchFailed, err.Error(), nil)
		}
	}

	// Step 2: mapping configuration. Absence must not silently default.
	m, err := o.mappings.Get(ctx, tenantID, src)
	if err != nil {
		return o.fail(ctx, tenantID, src, event, models.ReasonStorageWriteFailed,
			fmt.Sprintf("load mapping configuration: %v", err), nil)
	}
	if m == nil || !m.Connected {
		return o.fail(ctx, tenantID, src, event, models.ReasonUnmappedSource,
			"no connected mapping configuration for source", nil)
	}

	// Step 3: resolution.
	resolved, warnings, err := mapping.Resolve(payload, m.Rules, mapping.DefaultSchema)
	if err != nil {
		if errors.Is(err, mapping.ErrAmbiguousRules) {
			// Should have been rejected at authoring time; reaching here means
			// the configuration store let a bad rule set through.
			slog.Error("ambiguous mapping configuration reached resolution",
				"tenant", tenantID,
				"source", src,
				"error", err,
			)
			return o.fail(ctx, tenantID, src, event, models.ReasonInvalidMappingConfig, err.Error(), nil)
		}
		return o.fail(ctx, tenantID, src, event, models.ReasonInvalidMappingConfig, err.Error(), nil)
	}
	for _, w := range warnings {
		slog.Debug("unmapped payload field",
			"tenant", tenantID,
			"source", src,
			"field", w.SourceField,
		)
	}

	if len(resolved.MissingMandatory) > 0 {
		// A lead with no contact method is not actionable; reject rather than
		// create a partial record.
		return o.fail(ctx, tenantID, src, event, models.ReasonMissingMandatory,
			"missing mandatory fields: "+strings.Join(resolved.MissingMandatory, ", "),
			resolved.MissingMandatory)
	}

	// Step 4: dedup/upsert.
	l, outcome, err := o.upserter.Upsert(ctx, lead.UpsertRequest{
		TenantID:     tenantID,
		Source:       src,
		Resolved:     resolved,
		Strategy:     lead.ParseStrategy(m.DedupStrategy),
		DefaultStage: mapping.DefaultStage(m.Rules),
		ExternalID:   event.ExternalID,
	})
	if err != nil {
		return o.fail(ctx, tenantID, src, event, models.ReasonStorageWriteFailed, err.Error(), nil)
	}

	// Step 5: provenance activity on the resulting lead.
	if err := o.upserter.AppendProvenance(ctx, l, src, event.ExternalID); err != nil {
		return o.fail(ctx, tenantID, src, event, models.ReasonStorageWriteFailed,
			fmt.Sprintf("append provenance: %v", err), nil)
	}

	// Downstream fanout is best-effort; the lead is already persisted.
	if o.publisher != nil {
		if err := o.publisher.PublishLeadEvent(ctx, l, string(outcome)); err != nil {
			slog.Warn("lead event publish failed",
				"tenant", tenantID,
				"lead_id", l.ID,
				"error", err,
			)
		}
	}

	rec := models.IngestionAuditRecord{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		Source:     src,
		EventID:    event.EventID,
		ExternalID: event.ExternalID,
		Outcome:    models.OutcomeSuccess,
		Detail:     string(outcome),
		LeadID:     l.ID,
		Timestamp:  time.Now().UTC(),
	}
	o.append(ctx, rec)

	slog.Info("lead ingested",
		"tenant", tenantID,
		"source", src,
		"lead_id", l.ID,
		"outcome", outcome,
	)

	return rec
}

// fail writes and returns a FAILED audit record.
func (o *Orchestrator) fail(ctx context.Context, tenantID string, src models.Source, event models.InboundLeadEvent, reason models.ReasonCode, detail string, missing []string) models.IngestionAuditRecord {
	rec := models.IngestionAuditRecord{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		Source:        src,
		EventID:       event.EventID,
		ExternalID:    event.ExternalID,
		Outcome:       models.OutcomeFailed,
		Reason:        reason,
		Detail:        detail,
		MissingFields: missing,
		Timestamp:     time.Now().UTC(),
	}
	o.append(ctx, rec)

	slog.Warn("lead ingestion failed",
		"tenant", tenantID,
		"source", src,
		"event_id", event.EventID,
		"reason", reason,
		"detail", detail,
		"tenant_actionable", reason.TenantActionable(),
	)

	return rec
}

// append writes the audit record. A failed audit write is the one failure
// that cannot itself be audited — log it loudly and move on.
func (o *Orchestrator) append(ctx context.Context, rec models.IngestionAuditRecord) {
	if err := o.sink.Append(ctx, rec); err != nil {
		slog.Error("audit record write failed",
			"tenant", rec.TenantID,
			"source", rec.Source,
			"outcome", rec.Outcome,
			"reason", rec.Reason,
			"error", err,
		)
	}
}
