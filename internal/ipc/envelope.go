package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"flowtrace/internal/model"
)

// NewEnvelope builds a framed-message envelope around payload, per
// spec.md §6. The id is a fresh UUID (SPEC_FULL.md §10: IDs are
// generated with google/uuid rather than hand-rolled).
func NewEnvelope(msgType string, payload interface{}, timestampMs int64) (model.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return model.Envelope{}, fmt.Errorf("ipc: marshal payload: %w", err)
	}
	return model.Envelope{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   raw,
		Timestamp: timestampMs,
	}, nil
}

// EncodeEnvelope marshals env to the JSON body that WriteFrame sends.
func EncodeEnvelope(env model.Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("ipc: marshal envelope: %w", err)
	}
	return body, nil
}

// DecodeEnvelope parses a frame body into an Envelope.
func DecodeEnvelope(body []byte) (model.Envelope, error) {
	var env model.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return model.Envelope{}, fmt.Errorf("ipc: unmarshal envelope: %w", err)
	}
	return env, nil
}

// StatePayload is the shape of the "state" message type's payload
// (spec.md §6).
type StatePayload struct {
	Action    string                        `json:"action"`
	Exchange  string                        `json:"exchange,omitempty"`
	Symbol    string                        `json:"symbol,omitempty"`
	Symbols   []string                      `json:"symbols,omitempty"`
	Snapshot  *model.CandleGroupSnapshot    `json:"snapshot,omitempty"`
	Snapshots []model.CandleGroupSnapshot   `json:"snapshots,omitempty"`
}

// GapPayload is the shape of the "gap" message type's payload
// (spec.md §6).
type GapPayload struct {
	Action   string            `json:"action"`
	Exchange string            `json:"exchange,omitempty"`
	Symbol   string            `json:"symbol,omitempty"`
	Gap      *model.GapRecord  `json:"gap,omitempty"`
	Gaps     []model.GapRecord `json:"gaps,omitempty"`
}
