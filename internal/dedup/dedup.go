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

// Package dedup provides delivery-level duplicate filtering using a Redis
// key with TTL. Providers deliver webhooks at-least-once; this filter drops
// redundant redeliveries before they enter the pipeline. It is an
// optimisation only — the upsert engine stays idempotent without it.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long we remember a seen delivery. Providers retry
	// failed webhooks for at most a few hours, so 24h is safe.
	DefaultTTL = 24 * time.Hour

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "ingestion:seen:"
)

// Filter tracks which delivery IDs have already been accepted.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a delivery filter backed by Redis.
func NewFilter(rdb *redis.Client) *Filter {
	return &Filter{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

// IsNew returns true if the delivery ID has NOT been seen before.
// If true, the delivery is marked as seen atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, deliveryID string) (bool, error) {
	key := fmt.Sprintf("%s%s", keyPrefix, deliveryID)

	// SET NX = set only if key does not exist. Returns true if the key was set.
	set, err := f.rdb.SetNX(ctx, key, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}

	return set, nil
}
