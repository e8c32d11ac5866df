// Package audit provides the tamper-evident access log: an append-only
// JSON-lines file where each record's hash covers the previous record's
// hash, so any edit, removal, or reorder breaks the chain.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ZeroHash is the prevHash of the first record in every chain.
var ZeroHash = hex.EncodeToString(make([]byte, sha256.Size))

// TypeCredentialAccess is the record type the proxy pipeline emits.
// Append accepts other types; this is the only one produced here.
const TypeCredentialAccess = "credential_access"

// Record is one line of the audit log.
type Record struct {
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	PrevHash  string          `json:"prevHash"`
	Hash      string          `json:"hash"`
}

// recordBody is the canonical hashed portion. Field order here defines
// the canonical encoding; it must match wireRecord below.
type recordBody struct {
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
}

// wireRecord mirrors Record with raw fields so verification can rebuild
// the exact bytes that were hashed, immune to re-encoding drift.
type wireRecord struct {
	Timestamp json.RawMessage `json:"timestamp"`
	Type      json.RawMessage `json:"type"`
	Data      json.RawMessage `json:"data"`
	PrevHash  string          `json:"prevHash"`
	Hash      string          `json:"hash"`
}

// canonicalBody re-marshals the raw hashed fields in canonical order.
func (w *wireRecord) canonicalBody() ([]byte, error) {
	return json.Marshal(struct {
		Timestamp json.RawMessage `json:"timestamp"`
		Type      json.RawMessage `json:"type"`
		Data      json.RawMessage `json:"data"`
	}{w.Timestamp, w.Type, w.Data})
}

// chainHash computes SHA-256(prevHash || body), hex-encoded.
func chainHash(prevHash string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// newRecord builds a hashed record for appending.
func newRecord(prevHash, entryType string, data any, ts time.Time) (*Record, error) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling audit data: %w", err)
	}
	body, err := json.Marshal(recordBody{Timestamp: ts, Type: entryType, Data: dataJSON})
	if err != nil {
		return nil, fmt.Errorf("encoding audit record: %w", err)
	}
	return &Record{
		Timestamp: ts,
		Type:      entryType,
		Data:      dataJSON,
		PrevHash:  prevHash,
		Hash:      chainHash(prevHash, body),
	}, nil
}

// CredentialAccess is the data payload of a credential_access record.
// The request fields are populated when the event came from the proxy
// pipeline; CLI-driven events carry only the core four.
type CredentialAccess struct {
	Service   string `json:"service"`
	Operation string `json:"operation"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`

	RequestID  string `json:"requestId,omitempty"`
	Method     string `json:"method,omitempty"`
	Path       string `json:"path,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
}
