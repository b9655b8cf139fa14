// Package audit emits the integrity-hashed events external observability and
// audit collaborators consume. Persistence is pluggable: the core only
// requires a Sink.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EventType enumerates the events the core emits.
type EventType string

const (
	EventMixRequestCreated   EventType = "MIX_REQUEST_CREATED"
	EventDepositReceived     EventType = "DEPOSIT_RECEIVED"
	EventMixRequestUpdated   EventType = "MIX_REQUEST_UPDATED"
	EventTransactionSent     EventType = "TRANSACTION_SENT"
	EventMixRequestCompleted EventType = "MIX_REQUEST_COMPLETED"
	EventMixRequestFailed    EventType = "MIX_REQUEST_FAILED"
	EventSecurityAlert       EventType = "SECURITY_ALERT"
	EventBlockchain          EventType = "BLOCKCHAIN_EVENT"
)

// Severity levels.
type Severity string

const (
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Status of the audited operation.
type Status string

const (
	StatusSuccess   Status = "SUCCESS"
	StatusFailure   Status = "FAILURE"
	StatusPending   Status = "PENDING"
	StatusCancelled Status = "CANCELLED"
)

// Event is one append-only audit record.
type Event struct {
	ID        string                 `db:"id" json:"id"`
	Type      EventType              `db:"event_type" json:"event_type"`
	Severity  Severity               `db:"severity" json:"severity"`
	Status    Status                 `db:"status" json:"status"`
	Actor     string                 `db:"actor" json:"actor,omitempty"`
	SessionID string                 `db:"session_id" json:"session_id,omitempty"`
	RequestID string                 `db:"request_id" json:"request_id,omitempty"`
	Duration  time.Duration          `db:"-" json:"duration,omitempty"`
	Payload   map[string]interface{} `db:"-" json:"payload,omitempty"`
	Before    json.RawMessage        `db:"before_state" json:"before,omitempty"`
	After     json.RawMessage        `db:"after_state" json:"after,omitempty"`
	Hash      string                 `db:"integrity_hash" json:"integrity_hash"`
	CreatedAt time.Time              `db:"created_at" json:"created_at"`
}

// ComputeHash covers {event type, payload, timestamp, session} so tampering
// with a stored row is detectable.
func ComputeHash(e *Event) string {
	payload, _ := json.Marshal(e.Payload)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s",
		e.Type, payload, e.CreatedAt.UnixNano(), e.SessionID)))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the integrity hash and compares.
func Verify(e *Event) bool {
	return e.Hash == ComputeHash(e)
}

// Sink receives finalised events. Implementations must be append-only.
type Sink interface {
	Append(ctx context.Context, e *Event) error
}

// Recorder finalises and forwards events. Sink failures are logged, never
// propagated: audit must not take the hot path down.
type Recorder struct {
	sink Sink
	log  *logrus.Entry
}

// NewRecorder creates a Recorder. A nil sink logs only.
func NewRecorder(sink Sink, log *logrus.Entry) *Recorder {
	return &Recorder{sink: sink, log: log}
}

// Emit stamps, hashes and forwards the event.
func (r *Recorder) Emit(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.Status == "" {
		e.Status = StatusSuccess
	}
	e.CreatedAt = time.Now().UTC()
	e.Hash = ComputeHash(&e)

	entry := r.log.WithFields(logrus.Fields{
		"event":      string(e.Type),
		"status":     string(e.Status),
		"request_id": e.RequestID,
	})
	switch e.Severity {
	case SeverityCritical, SeverityError:
		entry.Error("audit event")
	case SeverityWarning:
		entry.Warn("audit event")
	default:
		entry.Info("audit event")
	}

	if r.sink == nil {
		return
	}
	if err := r.sink.Append(ctx, &e); err != nil {
		r.log.WithError(err).Error("audit sink append failed")
	}
}

// Alert is shorthand for a CRITICAL security alert.
func (r *Recorder) Alert(ctx context.Context, requestID, reason string, payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["reason"] = reason
	r.Emit(ctx, Event{
		Type:      EventSecurityAlert,
		Severity:  SeverityCritical,
		Status:    StatusFailure,
		RequestID: requestID,
		Payload:   payload,
	})
}
