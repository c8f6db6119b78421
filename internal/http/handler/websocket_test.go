package handler

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"clinic-queue/internal/config"
	"clinic-queue/internal/models"
	"clinic-queue/internal/queue"
	"clinic-queue/internal/realtime"

	wsclient "github.com/fasthttp/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listen serves the app on a loopback port so real websocket clients can connect.
func (s *testServer) listen(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.app.Listener(ln) }()
	t.Cleanup(func() { _ = s.app.ShutdownWithTimeout(time.Second) })
	return ln.Addr().String()
}

func (s *testServer) dial(t *testing.T, addr, query string) *wsclient.Conn {
	t.Helper()
	url := "ws://" + addr + "/ws/queue?token=" + s.tokens[config.RoleDisplay]
	if query != "" {
		url += "&" + query
	}
	conn, resp, err := wsclient.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	return conn
}

func readFrame(t *testing.T, conn *wsclient.Conn) map[string]any {
	t.Helper()
	msg := map[string]any{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func (s *testServer) calledEntry(t *testing.T) models.QueueEntry {
	t.Helper()
	ctx := context.Background()
	e, err := s.engine.Admit(ctx, queue.AdmitRequest{PatientRef: "p"})
	require.NoError(t, err)
	e, err = s.engine.Apply(ctx, queue.TransitionRequest{
		EntryID:         e.EntryID,
		ExpectedVersion: e.Version,
		Action:          models.ActionCall,
		Actor:           "doctor:1",
	})
	require.NoError(t, err)
	return e
}

func TestWebSocket_HelloCarriesSnapshot(t *testing.T) {
	s := newTestServer(t, 1)
	addr := s.listen(t)
	e := s.calledEntry(t)

	hello := readFrame(t, s.dial(t, addr, ""))
	assert.Equal(t, "hello", hello["type"])
	assert.Equal(t, true, hello["clinic_open"])
	require.Contains(t, hello, "snapshot")
	snapshot := hello["snapshot"].([]any)
	require.Len(t, snapshot, 1)
	assert.Equal(t, e.EntryID, snapshot[0].(map[string]any)["entry_id"])
	counts := hello["counts"].(map[string]any)
	assert.Equal(t, float64(1), counts["CALLED"])
}

func TestWebSocket_CompleteReplaySkipsSnapshot(t *testing.T) {
	s := newTestServer(t, 1)
	addr := s.listen(t)
	e := s.calledEntry(t)

	conn := s.dial(t, addr, "since="+e.EntryID+":1")
	hello := readFrame(t, conn)
	assert.Equal(t, "hello", hello["type"])
	assert.Equal(t, true, hello["replay_complete"])
	assert.NotContains(t, hello, "snapshot")

	replayed := readFrame(t, conn)
	assert.Equal(t, "event", replayed["type"])
	ev := replayed["event"].(map[string]any)
	assert.Equal(t, float64(2), ev["version"])
	assert.Equal(t, "CALLED", ev["to_state"])
}

func TestWebSocket_UnknownHistoryGetsSnapshot(t *testing.T) {
	s := newTestServer(t, 1)
	addr := s.listen(t)
	s.calledEntry(t)

	// the display saw an entry this process never published
	hello := readFrame(t, s.dial(t, addr, "since=e1:2"))
	assert.Equal(t, false, hello["replay_complete"])
	require.Contains(t, hello, "snapshot")
	assert.Len(t, hello["snapshot"].([]any), 1)
}

func TestWebSocket_ForwardsEngineEvents(t *testing.T) {
	s := newTestServer(t, 1)
	addr := s.listen(t)
	conn := s.dial(t, addr, "")
	require.Equal(t, "hello", readFrame(t, conn)["type"])

	e := s.calledEntry(t)

	admitted := readFrame(t, conn)
	assert.Equal(t, "event", admitted["type"])
	assert.Equal(t, queue.ActionAdmit, admitted["event"].(map[string]any)["action"])

	called := readFrame(t, conn)
	ev := called["event"].(map[string]any)
	assert.Equal(t, e.EntryID, ev["entry_id"])
	assert.Equal(t, "WAITING", ev["from_state"])
	assert.Equal(t, "CALLED", ev["to_state"])
	assert.Equal(t, "doctor:1", ev["actor"])
}

func TestWebSocket_Heartbeat(t *testing.T) {
	s := newTestServerWith(t, serverOptions{rooms: 1, heartbeat: 20 * time.Millisecond})
	addr := s.listen(t)
	conn := s.dial(t, addr, "")
	require.Equal(t, "hello", readFrame(t, conn)["type"])

	beat := readFrame(t, conn)
	assert.Equal(t, "heartbeat", beat["type"])
	assert.NotEmpty(t, beat["timestamp"])
}

func TestWebSocket_SlowClientGetsResync(t *testing.T) {
	s := newTestServerWith(t, serverOptions{
		rooms: 1,
		bus:   realtime.Options{ReplayBuffer: 1, SubscriberBuffer: 1},
	})
	addr := s.listen(t)
	conn := s.dial(t, addr, "")
	require.Equal(t, "hello", readFrame(t, conn)["type"])
	require.Eventually(t, func() bool { return s.bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	// the client reads nothing while the burst goes out
	padding := strings.Repeat("x", 512)
	for v := int64(1); v <= 20000; v++ {
		s.bus.Publish(models.TransitionEvent{EntryID: "burst", Version: v, Reason: padding})
	}

	var last map[string]any
	for {
		msg := map[string]any{}
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		last = msg
		if msg["type"] == "resync" {
			break
		}
	}
	require.NotNil(t, last)
	assert.Equal(t, "resync", last["type"])

	// the server hangs up after asking for a resync
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, s.bus.Subscribers())
}
