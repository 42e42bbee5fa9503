package stream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ionlab/pmtscan/internal/event"
	"github.com/ionlab/pmtscan/internal/logging"
	"github.com/ionlab/pmtscan/internal/raster"
	"github.com/ionlab/pmtscan/internal/scan"
	"github.com/ionlab/pmtscan/internal/testutil"
)

type fixedSnapshot struct {
	mu   sync.Mutex
	snap scan.Snapshot
}

func (f *fixedSnapshot) Snapshot() scan.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

type received struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func newTestServer(t *testing.T, origins []string) (*httptest.Server, *Broadcaster, *event.Bus) {
	t.Helper()
	src := &fixedSnapshot{snap: scan.Snapshot{SessionID: "s-1", Total: 4, Done: 1}}
	bus := event.NewBus(logging.NopLogger())
	b := NewBroadcaster(src, nil)
	b.Attach(bus)
	srv := httptest.NewServer(NewServer(src, b, origins, nil).Handler())
	t.Cleanup(func() {
		b.Close()
		srv.Close()
	})
	return srv, b, bus
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg received
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestStream_SnapshotThenEvents(t *testing.T) {
	srv, b, bus := newTestServer(t, nil)
	conn := dial(t, srv, nil)

	first := readMessage(t, conn)
	assert.Equal(t, MsgSnapshot, first.Type)
	var snap map[string]any
	require.NoError(t, json.Unmarshal(first.Payload, &snap))
	assert.Equal(t, "s-1", snap["session_id"])
	assert.Equal(t, 1, b.ClientCount())

	bus.Publish(event.NewScanPausedEvent("s-1", 1))
	msg := readMessage(t, conn)
	assert.Equal(t, event.TypeScanPaused, msg.Type)
	var paused event.ScanPausedEvent
	require.NoError(t, json.Unmarshal(msg.Payload, &paused))
	assert.Equal(t, "s-1", paused.SessionID)
	assert.Equal(t, 1, paused.Done)
}

func TestStream_ClientRemovedOnDisconnect(t *testing.T) {
	srv, b, _ := newTestServer(t, nil)
	conn := dial(t, srv, nil)
	readMessage(t, conn)
	require.Equal(t, 1, b.ClientCount())

	conn.Close()
	testutil.Eventually(t, 2*time.Second, func() bool { return b.ClientCount() == 0 }, "client removed")
}

func TestStream_DetachStopsForwarding(t *testing.T) {
	srv, b, bus := newTestServer(t, nil)
	conn := dial(t, srv, nil)
	readMessage(t, conn)

	b.Detach()
	assert.Zero(t, bus.SubscriptionCount())
	bus.Publish(event.NewScanResumedEvent("s-1", 1))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "no message after detach")
}

func TestServer_SessionEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/api/session")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var snap map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.EqualValues(t, 4, snap["total"])

	post, err := http.Post(srv.URL+"/api/session", "application/json", nil)
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func TestServer_CheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin", nil, "", "example.com", true},
		{"same host", nil, "http://example.com", "example.com", true},
		{"loopback", nil, "http://localhost:3000", "example.com", true},
		{"ipv6 loopback", nil, "http://[::1]:3000", "example.com", true},
		{"foreign", nil, "http://evil.test", "example.com", false},
		{"allow list match", []string{"https://lab.test"}, "https://lab.test", "x", true},
		{"allow list host", []string{" https://lab.test "}, "http://lab.test", "x", true},
		{"allow list excludes loopback", []string{"https://lab.test"}, "http://localhost", "x", false},
		{"garbage", nil, "::::", "x", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(&fixedSnapshot{}, nil, tt.allowed, nil)
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, s.checkOrigin(r))
		})
	}
}

func TestStream_RejectsForeignOrigin(t *testing.T) {
	srv, _, _ := newTestServer(t, []string{"https://lab.test"})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"http://evil.test"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStream_ThroughController(t *testing.T) {
	dev := testutil.NewFakeDevice(func(x, y float64) float64 { return x + y })
	c := scan.NewController(dev)
	require.NoError(t, c.Open(t.Context()))
	defer c.Close()

	b := NewBroadcaster(c, nil)
	b.Attach(c.Bus())
	srv := httptest.NewServer(NewServer(c, b, nil, nil).Handler())
	defer srv.Close()
	defer b.Close()

	require.NoError(t, c.Flush(t.Context()))
	conn := dial(t, srv, nil)
	assert.Equal(t, MsgSnapshot, readMessage(t, conn).Type)

	require.NoError(t, c.Start(scan.Config{
		X:          rangeOf(2),
		Y:          rangeOf(2),
		ExposureMs: 1,
		Repeats:    1,
	}))
	require.NoError(t, c.Wait(t.Context()))

	var types []string
	for {
		msg := readMessage(t, conn)
		types = append(types, msg.Type)
		if msg.Type == event.TypeScanCompleted {
			break
		}
	}
	started := indexOf(types, event.TypeScanStarted)
	result := indexOf(types, event.TypeScanResult)
	require.GreaterOrEqual(t, started, 0)
	require.GreaterOrEqual(t, result, 0)
	assert.Less(t, started, result)
}

func indexOf(types []string, want string) int {
	for i, typ := range types {
		if typ == want {
			return i
		}
	}
	return -1
}

func rangeOf(n int) raster.AxisRange {
	return raster.AxisRange{Start: 0, Stop: float64(n - 1), Step: 1}
}
