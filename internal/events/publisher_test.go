package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/knowledged/internal/knowledge"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
	})
	return server
}

type mockRecorder struct {
	mu     sync.Mutex
	events []*knowledge.Event
	err    error
}

func (m *mockRecorder) AppendEvent(_ context.Context, event *knowledge.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestPublisher_Publish_RecordsToStore(t *testing.T) {
	recorder := &mockRecorder{}
	pub := NewPublisher(recorder)

	event := knowledge.NewEvent(knowledge.EventIngested, "agent-1", "lesson-1", "")
	require.NoError(t, pub.Publish(context.Background(), event))

	assert.Equal(t, 1, recorder.count())
}

func TestPublisher_Publish_StoreErrorReturned(t *testing.T) {
	recorder := &mockRecorder{err: errors.New("disk full")}
	pub := NewPublisher(recorder)

	event := knowledge.NewEvent(knowledge.EventIngested, "agent-1", "lesson-1", "")
	err := pub.Publish(context.Background(), event)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestPublisher_Publish_BroadcastsOnNATS(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	received := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe(SubjectPrefix+".>", received)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	recorder := &mockRecorder{}
	pub := NewPublisher(recorder, WithNATS(nc))

	event := knowledge.NewEvent(knowledge.EventPromoted, "professor", "rule-1", "2 lessons")
	require.NoError(t, pub.Publish(context.Background(), event))

	select {
	case msg := <-received:
		assert.Equal(t, SubjectPrefix+"."+string(knowledge.EventPromoted), msg.Subject)
		var got knowledge.Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, event.ID, got.ID)
		assert.Equal(t, "rule-1", got.Subject)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received on NATS")
	}
}

func TestPublisher_Emit_SwallowsErrors(t *testing.T) {
	recorder := &mockRecorder{err: errors.New("unavailable")}
	pub := NewPublisher(recorder)

	// Must not panic or propagate.
	pub.Emit(context.Background(), knowledge.NewEvent(knowledge.EventFeedback, "a", "b", ""))
	assert.Equal(t, 0, recorder.count())
}
