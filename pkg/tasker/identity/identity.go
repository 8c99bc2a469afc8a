// Package identity computes the deterministic task identity hash used for
// request deduplication (§4.9).
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Hasher computes an identity hash from the identity-defining fields of a
// task-creation request. The default implementation is swappable for tests
// or alternate digest strategies (§4.9 calls the hash function "pluggable").
type Hasher interface {
	Hash(namedTaskID, namespace, version string, context json.RawMessage, initiator, sourceSystem string) (string, error)
}

// SHA256Hasher is the default Hasher: a SHA-256 digest over a canonical JSON
// serialization of the identity-defining inputs.
type SHA256Hasher struct{}

func (SHA256Hasher) Hash(namedTaskID, namespace, version string, context json.RawMessage, initiator, sourceSystem string) (string, error) {
	canonical, err := canonicalizeJSON(context)
	if err != nil {
		return "", err
	}
	payload := struct {
		NamedTaskID  string          `json:"named_task_id"`
		Namespace    string          `json:"namespace"`
		Version      string          `json:"version"`
		Context      json.RawMessage `json:"context"`
		Initiator    string          `json:"initiator,omitempty"`
		SourceSystem string          `json:"source_system,omitempty"`
	}{namedTaskID, namespace, version, canonical, initiator, sourceSystem}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalizeJSON re-marshals arbitrary JSON with map keys sorted (Go's
// encoding/json already sorts object keys on marshal of a map, so this
// round-trips through a generic value to normalize whitespace and key
// ordering regardless of how the caller's raw bytes were formatted).
func canonicalizeJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	sortedValue(v)
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// sortedValue recurses into maps/slices; Go's json.Marshal already sorts
// map[string]interface{} keys, so this exists only to make the ordering
// guarantee explicit and to normalize nested slices of maps consistently.
func sortedValue(v interface{}) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sortedValue(val[k])
		}
	case []interface{}:
		for _, item := range val {
			sortedValue(item)
		}
	}
}
