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

package mapping

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MandatoryFields are the canonical fields a lead must carry to be
// actionable. Matching is by key pattern, not exact string — a resolved
// field is "the phone field" if its key contains "phone", since source
// schemas vary ("fb_phone", "phone_number", "work_phone").
var MandatoryFields = []string{"name", "email", "phone"}

// Schema describes the canonical side of a resolution: which field keys are
// first-class, and whether leftover payload fields are preserved in a
// custom-fields bucket or dropped.
type Schema struct {
	Fields       []string
	CustomBucket bool
}

// DefaultSchema matches the canonical Lead record.
var DefaultSchema = Schema{
	Fields:       []string{"name", "email", "phone", "company", "stage", "tags"},
	CustomBucket: true,
}

func (s Schema) has(field string) bool {
	key := canonicalKey(field)
	for _, f := range s.Fields {
		if f == key {
			return true
		}
	}
	return false
}

// ResolvedAttributes is the ephemeral output of a resolution: canonical
// field values, preserved custom fields, and any mandatory fields that could
// not be populated. The resolver reports missing mandatory fields without
// deciding what to do about them — that policy belongs to the caller.
type ResolvedAttributes struct {
	Fields           map[string]string
	CustomFields     map[string]string
	MissingMandatory []string
}

// UnmappedFieldWarning records a payload field no rule consumed.
// Informational, never an error.
type UnmappedFieldWarning struct {
	SourceField string
	Value       string
}

// Resolve applies a pre-validated rule set to a raw provider payload.
//
// Precedence: source-mapped rules populate canonical fields from the payload;
// custom-value rules then overwrite their targets unconditionally. String
// values are trimmed, and an empty source value is treated as absent rather
// than as a valid blank.
//
// Deterministic and free of I/O: identical (payload, rules, schema) inputs
// always produce identical output.
func Resolve(payload map[string]any, rules []Rule, schema Schema) (*ResolvedAttributes, []UnmappedFieldWarning, error) {
	// The ambiguity invariant is enforced at save time; re-check cheaply so a
	// corrupted configuration fails loudly instead of resolving arbitrarily.
	if err := ambiguityCheck(rules); err != nil {
		return nil, nil, err
	}

	resolved := &ResolvedAttributes{
		Fields:       make(map[string]string),
		CustomFields: make(map[string]string),
	}

	consumed := make(map[string]bool, len(rules))

	// Pass 1: source-mapped rules, in rule order.
	for _, r := range rules {
		if r.IsCustom() || r.SourceField == "" {
			continue
		}
		raw, present := payload[r.SourceField]
		if !present {
			continue
		}
		consumed[r.SourceField] = true
		if r.TargetField == "" {
			continue // do-not-sync
		}
		value := coerceString(raw)
		if value == "" {
			continue // empty is absent, not a valid blank
		}
		resolved.Fields[canonicalKey(r.TargetField)] = value
	}

	// Pass 2: custom values override unconditionally.
	for _, r := range rules {
		if !r.IsCustom() {
			continue
		}
		if r.SourceField != "" {
			consumed[r.SourceField] = true
		}
		resolved.Fields[canonicalKey(r.TargetField)] = strings.TrimSpace(*r.CustomValue)
	}

	// Leftover payload fields: warn, and preserve in the custom bucket if the
	// schema has one. Keys are sorted so output is order-independent.
	var warnings []UnmappedFieldWarning
	leftover := make([]string, 0, len(payload))
	for k := range payload {
		if !consumed[k] {
			leftover = append(leftover, k)
		}
	}
	sort.Strings(leftover)
	for _, k := range leftover {
		value := coerceString(payload[k])
		warnings = append(warnings, UnmappedFieldWarning{SourceField: k, Value: value})
		if schema.CustomBucket && value != "" {
			resolved.CustomFields[k] = value
		}
	}

	resolved.MissingMandatory = missingMandatory(resolved.Fields)

	return resolved, warnings, nil
}

// missingMandatory returns the mandatory fields with no usable value, in
// the canonical order of MandatoryFields.
func missingMandatory(fields map[string]string) []string {
	var missing []string
	for _, want := range MandatoryFields {
		if !hasFieldLike(fields, want) {
			missing = append(missing, want)
		}
	}
	return missing
}

// hasFieldLike reports whether any resolved key containing the pattern holds
// a non-empty value.
func hasFieldLike(fields map[string]string, pattern string) bool {
	for key, value := range fields {
		if strings.Contains(key, pattern) && value != "" {
			return true
		}
	}
	return false
}

// FieldLike returns the value of the first canonical field whose key contains
// the pattern, scanning keys in sorted order for determinism.
func FieldLike(fields map[string]string, pattern string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.Contains(k, pattern) && fields[k] != "" {
			return fields[k]
		}
	}
	return ""
}

// ambiguityCheck mirrors the save-time target-conflict check.
func ambiguityCheck(rules []Rule) error {
	targets := make(map[string]string, len(rules))
	for _, r := range rules {
		if r.IsCustom() || r.TargetField == "" {
			continue
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

// coerceString converts a raw payload value into the canonical string form.
// JSON numbers arrive as float64; integral values are rendered without the
// decimal point.
func coerceString(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}
