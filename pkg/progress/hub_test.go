package progress

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nicktill/tinyroll/pkg/task"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUpdate(t *testing.T, conn *websocket.Conn) ([]task.Snapshot, Update) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var update Update
	require.NoError(t, json.Unmarshal(msg, &update))
	var snapshots []task.Snapshot
	require.NoError(t, json.Unmarshal(update.Tasks, &snapshots))
	return snapshots, update
}

func TestHubGreetsNewSubscriberWithCurrentState(t *testing.T) {
	tk := task.New("task-1", "shard-0")
	tk.SetStatus(task.StatusStarted)
	tk.AddReceived(3)

	hub := NewHub(func() []task.Snapshot { return []task.Snapshot{tk.Snapshot()} })
	conn := dialHub(t, hub)

	// The first frame arrives without Run even ticking
	snapshots, update := readUpdate(t, conn)
	require.Equal(t, "task_progress", update.Type)
	require.Len(t, snapshots, 1)
	require.Equal(t, "shard-0", snapshots[0].ShardID)
	require.Equal(t, int64(3), snapshots[0].NumReceived)
	require.True(t, hub.HasClients())
}

func TestHubPublishesOnChangeOnly(t *testing.T) {
	tk := task.New("task-1", "shard-0")
	hub := NewHub(func() []task.Snapshot { return []task.Snapshot{tk.Snapshot()} })
	hub.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dialHub(t, hub)
	first, _ := readUpdate(t, conn)
	require.Equal(t, int64(0), first[0].NumReceived)

	// Ticks with unchanged counters publish nothing; the next frame carries
	// the change
	tk.AddReceived(5)
	next, _ := readUpdate(t, conn)
	require.Equal(t, int64(5), next[0].NumReceived)

	// With no further changes, no frame shows up
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "expected read timeout while counters are idle")
}

func TestHubWithoutTasksStaysQuiet(t *testing.T) {
	hub := NewHub(func() []task.Snapshot { return nil })
	hub.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dialHub(t, hub)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "expected read timeout with no tasks to report")
}
