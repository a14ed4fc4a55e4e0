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

package lead

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycrm/ingestion/internal/mapping"
	"github.com/relaycrm/ingestion/internal/models"
)

// Outcome reports what the upsert engine did with an inbound lead.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeMerged  Outcome = "merged"
)

// DefaultPipelineStage is used when neither the mapping configuration nor
// the payload supplies a stage.
const DefaultPipelineStage = "New"

// UpsertRequest carries one resolved lead into the engine.
type UpsertRequest struct {
	TenantID     string
	Source       models.Source
	Resolved     *mapping.ResolvedAttributes
	Strategy     Strategy
	DefaultStage string // from the mapping configuration, may be empty
	ExternalID   string // provider-side lead id, for provenance
}

// Upserter decides create-vs-merge per dedup strategy and applies the write.
//
// Idempotent under concurrent duplicate delivery: a per-dedup-key lock
// covers the lookup-then-write window in-process, and the storage layer's
// (tenant_id, dedup_key) uniqueness constraint covers races across
// processes — a lost insert is retried as a merge.
type Upserter struct {
	store Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex // keyed by tenant + dedup key
}

// NewUpserter creates a dedup/upsert engine over the given store.
func NewUpserter(store Store) *Upserter {
	return &Upserter{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

// Upsert applies one resolved lead. Strategy none always creates a new
// record, even for byte-identical payloads — intentional, some tenants want
// every form submission on file.
func (u *Upserter) Upsert(ctx context.Context, req UpsertRequest) (*models.Lead, Outcome, error) {
	fields := splitFields(req.Resolved)

	normEmail := NormalizeEmail(fields.email)
	normPhone := NormalizePhone(fields.phone)
	key := DedupKey(req.Strategy, normEmail, normPhone)

	if key == "" {
		l, err := u.create(ctx, req, fields, normEmail, normPhone, "")
		if err != nil {
			return nil, "", err
		}
		return l, OutcomeCreated, nil
	}

	// Narrow lock: this dedup key only. Events for other leads of the same
	// tenant proceed in parallel.
	lock := u.lockFor(req.TenantID + "\x00" + key)
	lock.Lock()
	defer lock.Unlock()

	existing, err := u.store.FindByDedupKey(ctx, req.TenantID, key)
	if err != nil {
		return nil, "", fmt.Errorf("dedup lookup: %w", err)
	}
	if existing != nil {
		merged, err := u.merge(ctx, existing, req, fields, normEmail, normPhone)
		if err != nil {
			return nil, "", err
		}
		return merged, OutcomeMerged, nil
	}

	l, err := u.create(ctx, req, fields, normEmail, normPhone, key)
	if errors.Is(err, ErrDuplicateKey) {
		// Another process won the insert between our lookup and write.
		// The constraint did its job; merge into the winner instead.
		slog.Debug("lost dedup insert race, merging",
			"tenant", req.TenantID,
			"dedup_key", key,
		)
		existing, ferr := u.store.FindByDedupKey(ctx, req.TenantID, key)
		if ferr != nil {
			return nil, "", fmt.Errorf("dedup re-lookup after race: %w", ferr)
		}
		if existing == nil {
			return nil, "", fmt.Errorf("dedup key %s vanished after duplicate insert", key)
		}
		merged, merr := u.merge(ctx, existing, req, fields, normEmail, normPhone)
		if merr != nil {
			return nil, "", merr
		}
		return merged, OutcomeMerged, nil
	}
	if err != nil {
		return nil, "", err
	}
	return l, OutcomeCreated, nil
}

// create builds and inserts a new lead record.
func (u *Upserter) create(ctx context.Context, req UpsertRequest, f leadFields, normEmail, normPhone, dedupKey string) (*models.Lead, error) {
	now := time.Now().UTC()

	stage := f.stage
	if stage == "" {
		stage = req.DefaultStage
	}
	if stage == "" {
		stage = DefaultPipelineStage
	}

	l := &models.Lead{
		ID:           uuid.New().String(),
		TenantID:     req.TenantID,
		Source:       req.Source,
		Name:         f.name,
		Email:        f.email,
		Phone:        f.phone,
		Company:      f.company,
		Stage:        stage,
		Tags:         f.tags,
		CustomFields: f.custom,
		DedupEmail:   normEmail,
		DedupPhone:   normPhone,
		ExternalID:   req.ExternalID,
		Activities: []models.Activity{{
			Type:      "lead_created",
			Source:    req.Source,
			Timestamp: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := u.store.Insert(ctx, l, dedupKey); err != nil {
		return nil, err
	}
	return l, nil
}

// merge folds the inbound fields into an existing record. New non-empty
// values overwrite prior ones except the identity fields that produced the
// dedup match; custom fields merge key-by-key with new values winning.
func (u *Upserter) merge(ctx context.Context, existing *models.Lead, req UpsertRequest, f leadFields, normEmail, normPhone string) (*models.Lead, error) {
	emailIsIdentity := req.Strategy == StrategyEmail || req.Strategy == StrategyEmailPhone
	phoneIsIdentity := req.Strategy == StrategyPhone || req.Strategy == StrategyEmailPhone

	if f.name != "" {
		existing.Name = f.name
	}
	if f.company != "" {
		existing.Company = f.company
	}
	if f.stage != "" {
		existing.Stage = f.stage
	}
	if f.email != "" && !emailIsIdentity {
		existing.Email = f.email
		existing.DedupEmail = normEmail
	}
	if f.email != "" && emailIsIdentity && existing.Email == "" {
		// Filling a blank identity field is not an overwrite.
		existing.Email = f.email
		existing.DedupEmail = normEmail
	}
	if f.phone != "" && !phoneIsIdentity {
		existing.Phone = f.phone
		existing.DedupPhone = normPhone
	}
	if f.phone != "" && phoneIsIdentity && existing.Phone == "" {
		existing.Phone = f.phone
		existing.DedupPhone = normPhone
	}

	for _, tag := range f.tags {
		if !containsString(existing.Tags, tag) {
			existing.Tags = append(existing.Tags, tag)
		}
	}

	if existing.CustomFields == nil {
		existing.CustomFields = make(map[string]string, len(f.custom))
	}
	for k, v := range f.custom {
		existing.CustomFields[k] = v
	}

	now := time.Now().UTC()
	existing.Activities = append(existing.Activities, models.Activity{
		Type:      "lead_merged",
		Source:    req.Source,
		Detail:    mergeDetail(req.ExternalID),
		Timestamp: now,
	})
	existing.UpdatedAt = now

	if err := u.store.Update(ctx, existing); err != nil {
		return nil, fmt.Errorf("merge lead %s: %w", existing.ID, err)
	}
	return existing, nil
}

// AppendProvenance records the sighting's origin (source, raw external id)
// on the lead's activity history.
func (u *Upserter) AppendProvenance(ctx context.Context, l *models.Lead, src models.Source, externalID string) error {
	now := time.Now().UTC()
	detail := ""
	if externalID != "" {
		detail = "external_id=" + externalID
	}
	l.Activities = append(l.Activities, models.Activity{
		Type:      "lead_ingested",
		Source:    src,
		Detail:    detail,
		Timestamp: now,
	})
	if externalID != "" && l.ExternalID == "" {
		l.ExternalID = externalID
	}
	l.UpdatedAt = now
	if err := u.store.Update(ctx, l); err != nil {
		return fmt.Errorf("append provenance to lead %s: %w", l.ID, err)
	}
	return nil
}

func mergeDetail(externalID string) string {
	if externalID == "" {
		return "duplicate sighting"
	}
	return "duplicate sighting, external_id=" + externalID
}

// lockFor returns the mutex for a dedup key, creating it on first use.
func (u *Upserter) lockFor(key string) *sync.Mutex {
	u.mu.Lock()
	defer u.mu.Unlock()
	lock, ok := u.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		u.locks[key] = lock
	}
	return lock
}

// leadFields is the resolved attribute map classified into the canonical
// Lead columns plus the custom-field remainder.
type leadFields struct {
	name, email, phone, company, stage string
	tags                               []string
	custom                             map[string]string
}

// splitFields classifies resolved canonical fields by key pattern, scanning
// keys in sorted order so classification is deterministic. Company is
// checked before name — "company_name" contains both patterns.
func splitFields(resolved *mapping.ResolvedAttributes) leadFields {
	f := leadFields{custom: make(map[string]string)}

	keys := make([]string, 0, len(resolved.Fields))
	for k := range resolved.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := resolved.Fields[k]
		if v == "" {
			continue
		}
		switch {
		case k == "stage":
			f.stage = v
		case k == "tags":
			f.tags = splitTags(v)
		case strings.Contains(k, "company") && f.company == "":
			f.company = v
		case strings.Contains(k, "email") && f.email == "":
			f.email = v
		case strings.Contains(k, "phone") && f.phone == "":
			f.phone = v
		case strings.Contains(k, "name") && f.name == "":
			f.name = v
		default:
			f.custom[k] = v
		}
	}

	for k, v := range resolved.CustomFields {
		if _, taken := f.custom[k]; !taken {
			f.custom[k] = v
		}
	}

	return f
}

func splitTags(raw string) []string {
	var tags []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
