package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinblend/mixcore/pkg/logger"
)

type memorySink struct {
	mu     sync.Mutex
	events []*Event
}

func (m *memorySink) Append(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func TestEmitStampsAndHashes(t *testing.T) {
	sink := &memorySink{}
	rec := NewRecorder(sink, logger.NewDefault("audit-test").Component("audit"))

	rec.Emit(context.Background(), Event{
		Type:      EventMixRequestCreated,
		SessionID: "session-1",
		RequestID: "req-1",
		Payload:   map[string]interface{}{"currency": "BTC"},
	})

	require.Len(t, sink.events, 1)
	e := sink.events[0]
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, SeverityInfo, e.Severity)
	assert.Equal(t, StatusSuccess, e.Status)
	assert.False(t, e.CreatedAt.IsZero())
	assert.True(t, Verify(e))
}

func TestTamperingBreaksIntegrityHash(t *testing.T) {
	e := &Event{
		Type:      EventTransactionSent,
		SessionID: "s",
		Payload:   map[string]interface{}{"txid": "abc"},
		CreatedAt: time.Now().UTC(),
	}
	e.Hash = ComputeHash(e)
	require.True(t, Verify(e))

	e.Payload["txid"] = "def"
	assert.False(t, Verify(e))
}

func TestAlertIsCritical(t *testing.T) {
	sink := &memorySink{}
	rec := NewRecorder(sink, logger.NewDefault("audit-test").Component("audit"))

	rec.Alert(context.Background(), "req-9", "envelope decrypt failed", nil)

	require.Len(t, sink.events, 1)
	e := sink.events[0]
	assert.Equal(t, EventSecurityAlert, e.Type)
	assert.Equal(t, SeverityCritical, e.Severity)
	assert.Equal(t, StatusFailure, e.Status)
	assert.Equal(t, "req-9", e.RequestID)
	assert.Equal(t, "envelope decrypt failed", e.Payload["reason"])
}
