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

// Package mapping holds tenant-authored field-mapping configurations and the
// resolver that applies them to raw provider payloads. Configurations are
// validated once at save time; the resolver consumes only pre-validated rule
// sets and performs no I/O.
package mapping

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Rule is one row of a tenant's field-mapping configuration.
//
// Three shapes are legal:
//   - source → canonical: SourceField and TargetField set, CustomValue nil.
//   - static value: TargetField set, CustomValue set. The canonical field
//     always receives the literal, overriding any source data. An explicit
//     custom value is authoritative even when it is the empty string.
//   - do-not-sync: SourceField set, TargetField empty. The source field is
//     consumed silently instead of landing in the custom-fields bucket.
type Rule struct {
	SourceField string  `json:"source_field,omitempty" validate:"required_without=CustomValue"`
	TargetField string  `json:"target_field,omitempty"`
	CustomValue *string `json:"custom_value,omitempty"`
}

// IsCustom reports whether the rule carries a tenant-asserted constant.
func (r Rule) IsCustom() bool { return r.CustomValue != nil }

// ErrAmbiguousRules marks a rule set where one canonical field is the target
// of more than one source-mapped rule. Save-time validation rejects this; if
// the resolver still sees it, the configuration store has a bug.
var ErrAmbiguousRules = errors.New("ambiguous mapping configuration")

var validate = validator.New()

// ValidateRules rejects structurally invalid or ambiguous rule sets. Within
// one configuration a canonical field may be the target of at most one
// non-custom rule — two source fields feeding the same canonical attribute
// would overwrite each other in payload-dependent order.
func ValidateRules(rules []Rule) error {
	targets := make(map[string]string) // canonical field -> first source field claiming it
	for i, r := range rules {
		if err := validate.Struct(r); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if r.TargetField == "" && !r.IsCustom() {
			continue // do-not-sync
		}
		if r.TargetField == "" && r.IsCustom() {
			return fmt.Errorf("rule %d: custom value needs a target canonical field", i)
		}
		if r.IsCustom() {
			continue // constants never conflict with source mappings
		}
		key := canonicalKey(r.TargetField)
		if prev, dup := targets[key]; dup {
			return fmt.Errorf("%w: canonical field %q targeted by both %q and %q",
				ErrAmbiguousRules, r.TargetField, prev, r.SourceField)
		}
		targets[key] = r.SourceField
	}
	return nil
}

// canonicalKey normalises a canonical field name for comparison.
func canonicalKey(field string) string {
	return strings.ToLower(strings.TrimSpace(field))
}

// DefaultStage returns the configured default pipeline stage, if any: the
// custom value of a rule targeting the stage field.
func DefaultStage(rules []Rule) string {
	for _, r := range rules {
		if r.IsCustom() && canonicalKey(r.TargetField) == "stage" {
			return *r.CustomValue
		}
	}
	return ""
}
