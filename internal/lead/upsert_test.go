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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/ingestion/internal/mapping"
	"github.com/relaycrm/ingestion/internal/models"
)

// memStore is an in-memory Store enforcing the same (tenant_id, dedup_key)
// uniqueness the Postgres partial index does.
type memStore struct {
	mu    sync.Mutex
	leads map[string]*models.Lead // by id
	byKey map[string]string       // tenant + \x00 + dedup key -> lead id
}

func newMemStore() *memStore {
	return &memStore{
		leads: make(map[string]*models.Lead),
		byKey: make(map[string]string),
	}
}

func (m *memStore) Insert(_ context.Context, l *models.Lead, dedupKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dedupKey != "" {
		k := l.TenantID + "\x00" + dedupKey
		if _, exists := m.byKey[k]; exists {
			return ErrDuplicateKey
		}
		m.byKey[k] = l.ID
	}
	m.leads[l.ID] = l
	return nil
}

func (m *memStore) FindByDedupKey(_ context.Context, tenantID, dedupKey string) (*models.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[tenantID+"\x00"+dedupKey]
	if !ok {
		return nil, nil
	}
	return m.leads[id], nil
}

func (m *memStore) Update(_ context.Context, l *models.Lead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leads[l.ID] = l
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leads)
}

func resolvedLead(fields map[string]string) *mapping.ResolvedAttributes {
	return &mapping.ResolvedAttributes{
		Fields:       fields,
		CustomFields: make(map[string]string),
	}
}

func TestUpsert_StrategyNoneAlwaysCreates(t *testing.T) {
	store := newMemStore()
	u := NewUpserter(store)
	ctx := context.Background()

	req := UpsertRequest{
		TenantID: "t1",
		Source:   models.SourceWebsite,
		Resolved: resolvedLead(map[string]string{
			"name": "Alice", "email": "a@b.com", "phone": "5551234567",
		}),
		Strategy: StrategyNone,
	}

	first, outcome, err := u.Upsert(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)

	second, outcome, err := u.Upsert(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome, "byte-identical payloads still create under none")
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, store.count())
}

func TestUpsert_StrategyEmailMerges(t *testing.T) {
	store := newMemStore()
	u := NewUpserter(store)
	ctx := context.Background()

	_, outcome, err := u.Upsert(ctx, UpsertRequest{
		TenantID: "t1",
		Source:   models.SourceFacebookAds,
		Resolved: resolvedLead(map[string]string{
			"name": "Alice", "email": "Alice@Example.com", "company": "Acme",
		}),
		Strategy: StrategyEmail,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, outcome)

	// Same email, different case, phone added, no company this time.
	merged, outcome, err := u.Upsert(ctx, UpsertRequest{
		TenantID: "t1",
		Source:   models.SourceWebsite,
		Resolved: resolvedLead(map[string]string{
			"name": "Alice Smith", "email": "alice@example.com", "phone": "5551234567",
		}),
		Strategy: StrategyEmail,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, outcome)

	assert.Equal(t, 1, store.count())
	assert.Equal(t, "Alice Smith", merged.Name, "newer non-empty value wins")
	assert.Equal(t, "Acme", merged.Company, "absent fields are preserved")
	assert.Equal(t, "5551234567", merged.Phone, "new fields are added")
	assert.Equal(t, "Alice@Example.com", merged.Email, "identity field is not overwritten")

	var mergeActivities int
	for _, a := range merged.Activities {
		if a.Type == "lead_merged" {
			mergeActivities++
		}
	}
	assert.Equal(t, 1, mergeActivities)
}

func TestUpsert_IdentityFieldFilledWhenBlank(t *testing.T) {
	store := newMemStore()
	u := NewUpserter(store)
	ctx := context.Background()

	created, _, err := u.Upsert(ctx, UpsertRequest{
		TenantID: "t1",
		Source:   models.SourceWebsite,
		Resolved: resolvedLead(map[string]string{
			"name": "Bob", "phone": "555-000-1111",
		}),
		Strategy: StrategyPhone,
	})
	require.NoError(t, err)
	require.Empty(t, created.Email)

	merged, outcome, err := u.Upsert(ctx, UpsertRequest{
		TenantID: "t1",
		Source:   models.SourceWebsite,
		Resolved: resolvedLead(map[string]string{
			"phone": "(555) 000-1111", "email": "bob@example.com",
		}),
		Strategy: StrategyPhone,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, outcome, "phone normalisation makes the formats match")
	assert.Equal(t, "bob@example.com", merged.Email, "blank non-identity-match field may be filled")
}

func TestUpsert_EmailPhoneRequiresBothToMatch(t *testing.T) {
	store := newMemStore()
	u := NewUpserter(store)
	ctx := context.Background()

	_, outcome, err := u.Upsert(ctx, UpsertRequest{
		TenantID: "t1",
		Source:   models.SourceWebsite,
		Resolved: resolvedLead(map[string]string{
			"name": "Cara", "email": "c@d.com", "phone": "5550001111",
		}),
		Strategy: StrategyEmailPhone,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, outcome)

	// Same email, different phone: not a duplicate under email_phone.
	_, outcome, err = u.Upsert(ctx, UpsertRequest{
		TenantID: "t1",
		Source:   models.SourceWebsite,
		Resolved: resolvedLead(map[string]string{
			"name": "Cara", "email": "c@d.com", "phone": "5559992222",
		}),
		Strategy: StrategyEmailPhone,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)
	assert.Equal(t, 2, store.count())
}

func TestUpsert_MissingIdentityValueCreates(t *testing.T) {
	store := newMemStore()
	u := NewUpserter(store)
	ctx := context.Background()

	// Strategy email but no email on the lead: no dedup key, always create.
	for i := 0; i < 2; i++ {
		_, outcome, err := u.Upsert(ctx, UpsertRequest{
			TenantID: "t1",
			Source:   models.SourceWebsite,
			Resolved: resolvedLead(map[string]string{"name": "Dana", "phone": "123"}),
			Strategy: StrategyEmail,
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeCreated, outcome)
	}
	assert.Equal(t, 2, store.count())
}

func TestUpsert_TenantsAreIsolated(t *testing.T) {
	store := newMemStore()
	u := NewUpserter(store)
	ctx := context.Background()

	for _, tenant := range []string{"t1", "t2"} {
		_, outcome, err := u.Upsert(ctx, UpsertRequest{
			TenantID: tenant,
			Source:   models.SourceWebsite,
			Resolved: resolvedLead(map[string]string{"name": "E", "email": "e@f.com"}),
			Strategy: StrategyEmail,
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeCreated, outcome, "same email under another tenant is a new lead")
	}
	assert.Equal(t, 2, store.count())
}

func TestUpsert_ConcurrentDuplicateDelivery(t *testing.T) {
	store := newMemStore()
	u := NewUpserter(store)
	ctx := context.Background()

	req := UpsertRequest{
		TenantID: "t1",
		Source:   models.SourceFacebookAds,
		Resolved: resolvedLead(map[string]string{
			"name": "Frank", "email": "f@g.com",
		}),
		Strategy: StrategyEmail,
	}

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	var created, mergedCount int
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, outcome, err := u.Upsert(ctx, req)
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case OutcomeCreated:
				created++
			case OutcomeMerged:
				mergedCount++
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, created, "exactly one delivery creates the record")
	assert.Equal(t, n-1, mergedCount)
	assert.Equal(t, 1, store.count())
}

func TestUpsert_DuplicateInsertRaceFallsBackToMerge(t *testing.T) {
	store := newMemStore()
	u := NewUpserter(store)
	ctx := context.Background()

	// Simulate another process winning the insert: the row exists in storage
	// but u has never seen the key.
	other := NewUpserter(store)
	_, _, err := other.Upsert(ctx, UpsertRequest{
		TenantID: "t1",
		Source:   models.SourceWebsite,
		Resolved: resolvedLead(map[string]string{"name": "G", "email": "g@h.com"}),
		Strategy: StrategyEmail,
	})
	require.NoError(t, err)

	_, outcome, err := u.Upsert(ctx, UpsertRequest{
		TenantID: "t1",
		Source:   models.SourceWebsite,
		Resolved: resolvedLead(map[string]string{"name": "G2", "email": "g@h.com"}),
		Strategy: StrategyEmail,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, outcome)
	assert.Equal(t, 1, store.count())
}

func TestUpsert_StageFallbackChain(t *testing.T) {
	store := newMemStore()
	u := NewUpserter(store)
	ctx := context.Background()

	l, _, err := u.Upsert(ctx, UpsertRequest{
		TenantID: "t1",
		Source:   models.SourceWebsite,
		Resolved: resolvedLead(map[string]string{"name": "H", "stage": "Qualified"}),
		Strategy: StrategyNone,
	})
	require.NoError(t, err)
	assert.Equal(t, "Qualified", l.Stage, "payload stage wins")

	l, _, err = u.Upsert(ctx, UpsertRequest{
		TenantID:     "t1",
		Source:       models.SourceWebsite,
		Resolved:     resolvedLead(map[string]string{"name": "H"}),
		Strategy:     StrategyNone,
		DefaultStage: "Inbound",
	})
	require.NoError(t, err)
	assert.Equal(t, "Inbound", l.Stage, "configured default is next")

	l, _, err = u.Upsert(ctx, UpsertRequest{
		TenantID: "t1",
		Source:   models.SourceWebsite,
		Resolved: resolvedLead(map[string]string{"name": "H"}),
		Strategy: StrategyNone,
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultPipelineStage, l.Stage)
}

func TestUpsert_TagsUnionOnMerge(t *testing.T) {
	store := newMemStore()
	u := NewUpserter(store)
	ctx := context.Background()

	_, _, err := u.Upsert(ctx, UpsertRequest{
		TenantID: "t1",
		Source:   models.SourceWebsite,
		Resolved: resolvedLead(map[string]string{"name": "I", "email": "i@j.com", "tags": "web, inbound"}),
		Strategy: StrategyEmail,
	})
	require.NoError(t, err)

	merged, _, err := u.Upsert(ctx, UpsertRequest{
		TenantID: "t1",
		Source:   models.SourceFacebookAds,
		Resolved: resolvedLead(map[string]string{"name": "I", "email": "i@j.com", "tags": "inbound, paid"}),
		Strategy: StrategyEmail,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"web", "inbound", "paid"}, merged.Tags)
}

func TestAppendProvenance(t *testing.T) {
	store := newMemStore()
	u := NewUpserter(store)
	ctx := context.Background()

	l, _, err := u.Upsert(ctx, UpsertRequest{
		TenantID: "t1",
		Source:   models.SourceFacebookAds,
		Resolved: resolvedLead(map[string]string{"name": "J", "email": "j@k.com"}),
		Strategy: StrategyEmail,
	})
	require.NoError(t, err)

	require.NoError(t, u.AppendProvenance(ctx, l, models.SourceFacebookAds, "fb-123"))

	last := l.Activities[len(l.Activities)-1]
	assert.Equal(t, "lead_ingested", last.Type)
	assert.Equal(t, "external_id=fb-123", last.Detail)
	assert.Equal(t, "fb-123", l.ExternalID)
}
