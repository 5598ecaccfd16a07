package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpt153/supervisor/pkg/models"
)

// fakeQuerier serves canned events for catchup.
type fakeQuerier struct {
	events []models.Event
}

func (f *fakeQuerier) GetEvents(_ context.Context, instanceID string, fromSeq, limit int) ([]models.Event, error) {
	var out []models.Event
	for _, e := range f.events {
		if e.InstanceID == instanceID && e.SequenceNum >= fromSeq {
			out = append(out, e)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

type wsMessage struct {
	Type    string        `json:"type"`
	Channel string        `json:"channel,omitempty"`
	Event   *models.Event `json:"event,omitempty"`
}

func dialManager(t *testing.T, m *ConnectionManager) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		m.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg wsMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func waitForSubscribers(t *testing.T, m *ConnectionManager, channel string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.subscriberCount(channel) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("channel %q never reached %d subscribers", channel, want)
}

func TestSubscribeCatchupAndBroadcast(t *testing.T) {
	querier := &fakeQuerier{events: []models.Event{
		{EventID: "e1", InstanceID: "consilio-PS-abc123", SequenceNum: 1, EventType: models.EventInstanceRegistered},
		{EventID: "e2", InstanceID: "consilio-PS-abc123", SequenceNum: 2, EventType: models.EventEpicStarted},
	}}
	m := NewConnectionManager(querier, 5*time.Second)
	conn := dialManager(t, m)

	assert.Equal(t, "connection.established", readMessage(t, conn).Type)

	send(t, conn, ClientMessage{Action: "subscribe", Channel: "consilio-PS-abc123"})
	assert.Equal(t, "subscription.confirmed", readMessage(t, conn).Type)

	// Auto-catchup delivers persisted events in order.
	first := readMessage(t, conn)
	require.NotNil(t, first.Event)
	assert.Equal(t, 1, first.Event.SequenceNum)
	second := readMessage(t, conn)
	require.NotNil(t, second.Event)
	assert.Equal(t, 2, second.Event.SequenceNum)

	// Live broadcast reaches the subscriber.
	m.Broadcast("consilio-PS-abc123", models.Event{
		EventID: "e3", InstanceID: "consilio-PS-abc123", SequenceNum: 3, EventType: models.EventTaskSpawned,
	})
	live := readMessage(t, conn)
	require.NotNil(t, live.Event)
	assert.Equal(t, 3, live.Event.SequenceNum)
	assert.Equal(t, models.EventTaskSpawned, live.Event.EventType)
}

func TestBroadcastIgnoresOtherChannels(t *testing.T) {
	m := NewConnectionManager(&fakeQuerier{}, 5*time.Second)
	conn := dialManager(t, m)
	readMessage(t, conn) // connection.established

	send(t, conn, ClientMessage{Action: "subscribe", Channel: "one-PS-aaaaaa"})
	readMessage(t, conn) // subscription.confirmed
	waitForSubscribers(t, m, "one-PS-aaaaaa", 1)

	// Broadcast to an unrelated channel, then to the subscribed one.
	m.Broadcast("other-PS-bbbbbb", models.Event{EventID: "x", InstanceID: "other-PS-bbbbbb", SequenceNum: 1, EventType: models.EventEpicStarted})
	m.Broadcast("one-PS-aaaaaa", models.Event{EventID: "y", InstanceID: "one-PS-aaaaaa", SequenceNum: 1, EventType: models.EventEpicStarted})

	msg := readMessage(t, conn)
	require.NotNil(t, msg.Event)
	assert.Equal(t, "y", msg.Event.EventID)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := NewConnectionManager(&fakeQuerier{}, 5*time.Second)
	conn := dialManager(t, m)
	readMessage(t, conn)

	send(t, conn, ClientMessage{Action: "subscribe", Channel: "ch-PS-cccccc"})
	readMessage(t, conn)
	waitForSubscribers(t, m, "ch-PS-cccccc", 1)

	send(t, conn, ClientMessage{Action: "unsubscribe", Channel: "ch-PS-cccccc"})
	waitForSubscribers(t, m, "ch-PS-cccccc", 0)

	// Ping still answered after unsubscribe (the connection survives).
	send(t, conn, ClientMessage{Action: "ping"})
	assert.Equal(t, "pong", readMessage(t, conn).Type)
}

func TestPing(t *testing.T) {
	m := NewConnectionManager(nil, 5*time.Second)
	conn := dialManager(t, m)
	readMessage(t, conn)

	send(t, conn, ClientMessage{Action: "ping"})
	assert.Equal(t, "pong", readMessage(t, conn).Type)
}

func TestSubscribeRequiresChannel(t *testing.T) {
	m := NewConnectionManager(nil, 5*time.Second)
	conn := dialManager(t, m)
	readMessage(t, conn)

	send(t, conn, ClientMessage{Action: "subscribe"})
	assert.Equal(t, "error", readMessage(t, conn).Type)
}
