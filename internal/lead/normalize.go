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

// Package lead provides the canonical lead store and the deduplication and
// upsert engine that decides create-vs-merge per tenant strategy.
package lead

import "strings"

// Strategy selects how inbound leads are matched against existing records.
type Strategy string

const (
	StrategyNone       Strategy = "none"
	StrategyEmail      Strategy = "email"
	StrategyPhone      Strategy = "phone"
	StrategyEmailPhone Strategy = "email_phone"
)

// ParseStrategy maps a stored strategy string to a Strategy.
// Unknown or empty values default to none — every submission gets its own
// record unless the tenant opted into deduplication.
func ParseStrategy(s string) Strategy {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyEmail:
		return StrategyEmail
	case StrategyPhone:
		return StrategyPhone
	case StrategyEmailPhone:
		return StrategyEmailPhone
	default:
		return StrategyNone
	}
}

// NormalizeEmail produces the dedup form of an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizePhone produces the dedup form of a phone number: digits only,
// with a leading "00" international prefix stripped. A leading country "1"
// on 11-digit NANP numbers is kept; normalisation stays deterministic
// without guessing regions.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	digits = strings.TrimPrefix(digits, "00")
	return digits
}

// DedupKey computes the storage dedup key for a lead under the given
// strategy. Empty means "no dedup match possible" — the upsert engine always
// creates in that case, and the storage uniqueness constraint ignores it.
func DedupKey(strategy Strategy, normEmail, normPhone string) string {
	switch strategy {
	case StrategyEmail:
		if normEmail == "" {
			return ""
		}
		return "email:" + normEmail
	case StrategyPhone:
		if normPhone == "" {
			return ""
		}
		return "phone:" + normPhone
	case StrategyEmailPhone:
		// Match on both — a record is a duplicate only when email AND phone agree.
		if normEmail == "" || normPhone == "" {
			return ""
		}
		return "email_phone:" + normEmail + "|" + normPhone
	default:
		return ""
	}
}
