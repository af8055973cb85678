package monitor

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/social-graph-engine/internal/pipeline"
)

type envelope struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func startHub(t *testing.T) (*Hub, chan pipeline.ProcessedSignal, chan pipeline.FailureSignal, *websocket.Conn) {
	t.Helper()

	hub := NewHub(zaptest.NewLogger(t))
	processed := make(chan pipeline.ProcessedSignal, 4)
	failures := make(chan pipeline.FailureSignal, 4)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx, processed, failures)

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.Count() == 1 },
		2*time.Second, 10*time.Millisecond, "client never registered")

	return hub, processed, failures, conn
}

func readEvent(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev envelope
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestHubBroadcastsProcessedSignals(t *testing.T) {
	_, processed, _, conn := startHub(t)

	processed <- pipeline.ProcessedSignal{
		ChannelID:   5,
		Processed:   3,
		Dropped:     1,
		CompletedAt: time.Now(),
	}

	ev := readEvent(t, conn)
	require.Equal(t, "batch_processed", ev.Type)
	require.EqualValues(t, 5, ev.Data["channel_id"])
	require.EqualValues(t, 3, ev.Data["processed"])
	require.EqualValues(t, 1, ev.Data["dropped"])
}

func TestHubBroadcastsFailureSignals(t *testing.T) {
	_, _, failures, conn := startHub(t)

	failures <- pipeline.FailureSignal{
		ChannelID: 9,
		BatchSize: 50,
		Stage:     "sentiment",
		Reason:    "model endpoint down",
		FailedAt:  time.Now(),
	}

	ev := readEvent(t, conn)
	require.Equal(t, "batch_failed", ev.Type)
	require.EqualValues(t, 9, ev.Data["channel_id"])
	require.Equal(t, "sentiment", ev.Data["stage"])
	require.Equal(t, "model endpoint down", ev.Data["reason"])
}

func TestHubUnregistersOnDisconnect(t *testing.T) {
	hub, _, _, conn := startHub(t)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Count() == 0 },
		2*time.Second, 10*time.Millisecond, "client never unregistered")
}

func TestHubPublishReachesAllClients(t *testing.T) {
	hub, _, _, first := startHub(t)

	// A second subscriber joins the same hub.
	srv := httptest.NewServer(hub)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer second.Close()
	require.Eventually(t, func() bool { return hub.Count() == 2 },
		2*time.Second, 10*time.Millisecond)

	hub.Publish("custom", map[string]string{"note": "hello"})

	for _, conn := range []*websocket.Conn{first, second} {
		ev := readEvent(t, conn)
		require.Equal(t, "custom", ev.Type)
		require.Equal(t, "hello", ev.Data["note"])
	}
}
