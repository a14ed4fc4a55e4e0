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

package sync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	stdsync "sync"
	"testing"
	"time"

	"github.com/relaycrm/ingestion/internal/credentials"
	"github.com/relaycrm/ingestion/internal/models"
	"github.com/relaycrm/ingestion/internal/source"
)

type mockAccounts struct {
	mu       stdsync.Mutex
	accounts []credentials.Account
	cursors  map[string]string
	listErr  error
}

func (m *mockAccounts) ListBySource(_ context.Context, _ models.Source) ([]credentials.Account, error) {
	return m.accounts, m.listErr
}

func (m *mockAccounts) SaveSyncCursor(_ context.Context, accountID, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cursors == nil {
		m.cursors = make(map[string]string)
	}
	m.cursors[accountID] = cursor
	return nil
}

type mockTokens struct {
	token string
	err   error
}

func (m *mockTokens) GetValidAccessToken(context.Context, string) (string, error) {
	return m.token, m.err
}

type mockIngestor struct {
	mu     stdsync.Mutex
	events []models.InboundLeadEvent
}

func (m *mockIngestor) Ingest(_ context.Context, _ string, _ models.Source, event models.InboundLeadEvent) models.IngestionAuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return models.IngestionAuditRecord{Outcome: models.OutcomeSuccess}
}

func submissionsServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"leadFormSubmissions": [
				{"id": "s1", "submitTime": "2026-08-01T00:00:00Z"},
				{"id": "s2", "submitTime": "2026-08-02T00:00:00Z"}
			]
		}`))
	}))
}

func newTestSyncer(accounts *mockAccounts, tokens *mockTokens, ingestor *mockIngestor, baseURL string) *Syncer {
	return NewSyncer(SyncerConfig{
		Accounts:          accounts,
		Tokens:            tokens,
		Google:            source.NewGoogleAds(baseURL, 5*time.Second),
		Ingestor:          ingestor,
		RequestsPerSecond: 1000, // tests should not wait on the provider budget
	})
}

func TestSyncAccountIngestsAndAdvancesCursor(t *testing.T) {
	server := submissionsServer(t)
	defer server.Close()

	accounts := &mockAccounts{}
	ingestor := &mockIngestor{}
	s := newTestSyncer(accounts, &mockTokens{token: "tok"}, ingestor, server.URL)

	err := s.SyncAccount(context.Background(), credentials.Account{
		AccountID:  "acc1",
		TenantID:   "t1",
		AccountRef: "cust-1",
		SyncCursor: "2026-07-31T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ingestor.events) != 2 {
		t.Fatalf("ingested %d events, want 2", len(ingestor.events))
	}
	if ingestor.events[0].ExternalID != "s1" || ingestor.events[1].ExternalID != "s2" {
		t.Errorf("events = %+v", ingestor.events)
	}
	if got := accounts.cursors["acc1"]; got != "2026-08-02T00:00:00Z" {
		t.Errorf("cursor = %q, want the newest submit time", got)
	}
}

func TestSyncAccountSkipsOnReauth(t *testing.T) {
	accounts := &mockAccounts{}
	ingestor := &mockIngestor{}
	tokens := &mockTokens{err: &credentials.RefreshError{AccountID: "acc1", Err: credentials.ErrNeedsReauth}}
	s := newTestSyncer(accounts, tokens, ingestor, "http://unreachable.invalid")

	err := s.SyncAccount(context.Background(), credentials.Account{AccountID: "acc1", TenantID: "t1"})
	if err != nil {
		t.Fatalf("reauth should be a silent skip, got %v", err)
	}
	if len(ingestor.events) != 0 {
		t.Error("no events expected when the account needs reauth")
	}
	if len(accounts.cursors) != 0 {
		t.Error("cursor must not move on a skipped account")
	}
}

func TestSyncAccountTransientTokenError(t *testing.T) {
	s := newTestSyncer(&mockAccounts{}, &mockTokens{err: errors.New("pg down")}, &mockIngestor{}, "http://unreachable.invalid")
	err := s.SyncAccount(context.Background(), credentials.Account{AccountID: "acc1"})
	if err == nil {
		t.Fatal("transient token errors should surface")
	}
}

func TestBackfillDoesNotTouchCursor(t *testing.T) {
	server := submissionsServer(t)
	defer server.Close()

	accounts := &mockAccounts{
		accounts: []credentials.Account{
			{AccountID: "acc1", TenantID: "t1", AccountRef: "cust-1", SyncCursor: "keep-me"},
			{AccountID: "acc2", TenantID: "t2", AccountRef: "cust-2"},
		},
	}
	ingestor := &mockIngestor{}
	s := newTestSyncer(accounts, &mockTokens{token: "tok"}, ingestor, server.URL)

	if err := s.Backfill(context.Background(), "t1", 7*24*time.Hour); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ingestor.events) != 2 {
		t.Fatalf("ingested %d events, want 2 (t2's account is out of scope)", len(ingestor.events))
	}
	if len(accounts.cursors) != 0 {
		t.Errorf("backfill persisted cursors: %v", accounts.cursors)
	}
}

func TestBackfillNoAccountsForTenant(t *testing.T) {
	accounts := &mockAccounts{
		accounts: []credentials.Account{{AccountID: "acc1", TenantID: "other"}},
	}
	s := newTestSyncer(accounts, &mockTokens{token: "tok"}, &mockIngestor{}, "http://unreachable.invalid")

	if err := s.Backfill(context.Background(), "t1", time.Hour); err == nil {
		t.Fatal("expected an error when the tenant has no connected accounts")
	}
}

func TestStartStop(t *testing.T) {
	accounts := &mockAccounts{}
	s := newTestSyncer(accounts, &mockTokens{token: "tok"}, &mockIngestor{}, "http://unreachable.invalid")

	s.Start(context.Background())
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
