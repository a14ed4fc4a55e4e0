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
	"fmt"

	"github.com/relaycrm/ingestion/internal/models"
)

// Website handles direct form posts. The webhook payload already carries the
// full field set, so no authenticated fetch exists.
type Website struct{}

// NewWebsite creates the website form connector.
func NewWebsite() *Website { return &Website{} }

func (w *Website) Source() models.Source { return models.SourceWebsite }

func (w *Website) RequiresFetch() bool { return false }

// FetchDetail is never called for website forms; the orchestrator uses the
// inbound payload directly when RequiresFetch is false.
func (w *Website) FetchDetail(_ context.Context, externalID, _ string) (map[string]any, error) {
	return nil, fmt.Errorf("website source has no detail endpoint (external id %s)", externalID)
}
