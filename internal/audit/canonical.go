package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rogersf/taskforge/internal/domain"
)

// hashInput is the record minus its hash. Field order is fixed by the struct
// and payload keys are sorted by encoding/json, which makes the encoding
// canonical.
type hashInput struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	EventType    string         `json:"eventType"`
	Actor        string         `json:"actor"`
	TraceID      string         `json:"traceId"`
	RequestID    string         `json:"requestId"`
	UserID       string         `json:"userId"`
	PreviousHash *string        `json:"previousHash"`
	Payload      map[string]any `json:"payload"`
}

// CanonicalJSON encodes every field of rec except Hash.
func CanonicalJSON(rec domain.AuditEventRecord) ([]byte, error) {
	payload := rec.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal(hashInput{
		ID:           rec.ID,
		Timestamp:    rec.Timestamp,
		EventType:    rec.EventType,
		Actor:        rec.Actor,
		TraceID:      rec.TraceID,
		RequestID:    rec.RequestID,
		UserID:       rec.UserID,
		PreviousHash: rec.PreviousHash,
		Payload:      payload,
	})
}

// ComputeHash returns the hex SHA-256 of the canonical encoding of rec.
func ComputeHash(rec domain.AuditEventRecord) (string, error) {
	data, err := CanonicalJSON(rec)
	if err != nil {
		return "", fmt.Errorf("canonical json: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// normalizePayload round-trips the payload through JSON so the in-memory
// record hashes exactly like the line read back from disk.
func normalizePayload(p map[string]any) (map[string]any, error) {
	if len(p) == 0 {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return out, nil
}
