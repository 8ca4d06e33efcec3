// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package task

import (
	"encoding/hex"

	"github.com/goccy/go-json"
	"golang.org/x/crypto/blake2b"
)

// Fingerprint derives the dedupe key of an opaque JSON blob: nulls dropped,
// keys sorted, no insignificant whitespace, hashed. Two submissions with
// semantically equal context and params produce equal fingerprints.
func Fingerprint(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		// Not JSON; hash the bytes as-is so dedupe still works per-blob.
		sum := blake2b.Sum256(raw)
		return hex.EncodeToString(sum[:])
	}
	value = stripNulls(value)
	canonical, err := json.Marshal(value)
	if err != nil {
		sum := blake2b.Sum256(raw)
		return hex.EncodeToString(sum[:])
	}
	sum := blake2b.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// stripNulls removes null-valued object fields recursively. Map key order is
// irrelevant because the JSON encoder emits object keys sorted.
func stripNulls(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			if inner == nil {
				continue
			}
			out[key] = stripNulls(inner)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = stripNulls(inner)
		}
		return out
	default:
		return value
	}
}
