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

// Package queue publishes ingested-lead events to Redis for downstream
// consumers (campaign dispatch, scoring). This service only produces; the
// consumers are separate deployments.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/relaycrm/ingestion/internal/models"
)

// Publisher sends lead events to a Redis list queue.
type Publisher struct {
	rdb       *redis.Client
	queueName string
}

// NewPublisher creates a new Redis publisher targeting the specified queue.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// leadEnvelope is the wire format downstream workers deserialise.
type leadEnvelope struct {
	ID        string       `json:"id"`
	Type      string       `json:"type"` // "lead.ingested"
	Outcome   string       `json:"outcome"`
	Lead      *models.Lead `json:"lead"`
	Timestamp string       `json:"timestamp"`
}

// PublishLeadEvent serialises a lead event and pushes it onto the queue.
func (p *Publisher) PublishLeadEvent(ctx context.Context, l *models.Lead, outcome string) error {
	env := leadEnvelope{
		ID:        uuid.New().String(),
		Type:      "lead.ingested",
		Outcome:   outcome,
		Lead:      l,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	msg, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal lead envelope: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, string(msg)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Debug("published lead event",
		"event_id", env.ID,
		"lead_id", l.ID,
		"tenant", l.TenantID,
		"queue", p.queueName,
	)

	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
