// Package idempotency decides whether a stage recomputation is needed by
// hashing the semantic content of its payload and comparing against the hash
// persisted with the previous output.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// hashVersion salts every hash so a change to the hashing scheme itself
// invalidates stored hashes fleet-wide instead of silently colliding.
const hashVersion = 2

// Hasher computes canonical content hashes for stage payloads. The allow
// list maps stage name to the payload fields that carry semantic meaning;
// fields outside the list (fetch timestamps, source attribution, trace IDs)
// never influence the hash. A stage with no allow list hashes every field.
type Hasher struct {
	allow map[string][]string
}

// NewHasher creates a Hasher with per-stage semantic field allow lists.
func NewHasher(allow map[string][]string) *Hasher {
	return &Hasher{allow: allow}
}

// Hash returns the canonical content hash for a stage payload. Keys are
// trimmed and sorted, values formatted with fixed precision, and the result
// is the first 32 hex chars of a SHA-256 over the canonical JSON.
func (h *Hasher) Hash(stage string, payload map[string]float64) string {
	fields := h.semanticFields(stage, payload)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Canonical form: ordered key/value pairs with fixed-precision values.
	// encoding/json sorts map keys, but building the pair list explicitly
	// keys the hash to the canonical float strings, not float bits.
	pairs := make([][2]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, [2]string{k, canonicalFloat(fields[k])})
	}

	doc := map[string]any{
		"stage":  stage,
		"fields": pairs,
		"v":      hashVersion,
	}
	b, _ := json.Marshal(doc)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:32]
}

// semanticFields filters the payload through the stage's allow list. Allowed
// fields absent from the payload are simply not hashed, so a field added to
// the list only perturbs hashes of payloads that actually carry it.
func (h *Hasher) semanticFields(stage string, payload map[string]float64) map[string]float64 {
	allow, ok := h.allow[stage]
	if !ok {
		out := make(map[string]float64, len(payload))
		for k, v := range payload {
			out[strings.TrimSpace(k)] = v
		}
		return out
	}
	out := make(map[string]float64, len(allow))
	for _, k := range allow {
		k = strings.TrimSpace(k)
		if v, present := payload[k]; present {
			out[k] = v
		}
	}
	return out
}

// canonicalFloat renders a value with six decimal places, which absorbs
// sub-microunit float jitter between recomputations while still tracking
// any real change in a stat line or rate.
func canonicalFloat(v float64) string {
	if math.IsNaN(v) {
		return "nan"
	}
	if math.IsInf(v, 1) {
		return "inf"
	}
	if math.IsInf(v, -1) {
		return "-inf"
	}
	// Normalize negative zero before formatting.
	if v == 0 {
		v = 0
	}
	return strconv.FormatFloat(v, 'f', 6, 64)
}
