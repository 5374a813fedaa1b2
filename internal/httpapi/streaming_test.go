package httpapi

import (
	"bufio"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridianlabs-ai/atlas/internal/research"
	"github.com/meridianlabs-ai/atlas/internal/streaming"
)

func publishRunHistory(mgr *streaming.Manager, runID string) {
	mgr.Publish(research.ProgressEvent{RunID: runID, Stage: research.StageScoping})
	mgr.Publish(research.ProgressEvent{RunID: runID, Stage: research.StageResearching, TaskID: "task-1", Status: "running"})
	mgr.Publish(research.ProgressEvent{RunID: runID, Stage: research.StageDone})
	mgr.CloseRun(runID)
}

func engineKnowing(runIDs ...string) *stubEngine {
	states := make(map[string]research.RunState, len(runIDs))
	for _, id := range runIDs {
		states[id] = research.RunState{RunID: id, Stage: research.StageResearching}
	}
	return &stubEngine{states: states}
}

func TestSSEReplaysFullHistory(t *testing.T) {
	mgr := streaming.NewManager(zaptest.NewLogger(t))
	publishRunHistory(mgr, "run-1")
	srv := newTestServer(t, engineKnowing("run-1"), mgr)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/research/run-1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "0")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	// The replayed backlog ends at the terminal event, so the body is
	// finite and readable to EOF.
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)

	assert.Contains(t, body, ": connected to run run-1")
	assert.Contains(t, body, "id: 1\nevent: scoping\n")
	assert.Contains(t, body, "id: 2\nevent: researching\n")
	assert.Contains(t, body, "id: 3\nevent: done\n")
	assert.Contains(t, body, `"task_id":"task-1"`)
}

func TestSSEReplaySkipsDeliveredEvents(t *testing.T) {
	mgr := streaming.NewManager(zaptest.NewLogger(t))
	publishRunHistory(mgr, "run-1")
	srv := newTestServer(t, engineKnowing("run-1"), mgr)

	resp, err := http.Get(srv.URL + "/api/research/run-1/events?last_event_id=2")
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)

	assert.NotContains(t, body, "id: 1\n")
	assert.NotContains(t, body, "id: 2\n")
	assert.Contains(t, body, "id: 3\nevent: done\n")
}

func TestSSEStreamsLiveEvents(t *testing.T) {
	mgr := streaming.NewManager(zaptest.NewLogger(t))
	srv := newTestServer(t, engineKnowing("run-1"), mgr)

	go func() {
		// Give the handler time to subscribe before publishing.
		time.Sleep(50 * time.Millisecond)
		publishRunHistory(mgr, "run-1")
	}()

	resp, err := http.Get(srv.URL + "/api/research/run-1/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	var events []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimSpace(strings.TrimPrefix(line, "event: ")))
		}
	}

	assert.Equal(t, []string{"scoping", "researching", "done"}, events)
}

func TestSSEUnknownRun(t *testing.T) {
	mgr := streaming.NewManager(zaptest.NewLogger(t))
	srv := newTestServer(t, engineKnowing(), mgr)

	resp, err := http.Get(srv.URL + "/api/research/ghost/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSSEKnownFromStreamHistoryAlone(t *testing.T) {
	// The engine may have evicted the handle while the stream still
	// retains history.
	mgr := streaming.NewManager(zaptest.NewLogger(t))
	publishRunHistory(mgr, "run-old")
	srv := newTestServer(t, engineKnowing(), mgr)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/research/run-old/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "0")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "event: done")
}

func wsURL(srvURL, path string) string {
	return "ws" + strings.TrimPrefix(srvURL, "http") + path
}

func TestWebSocketReplaysAndCloses(t *testing.T) {
	mgr := streaming.NewManager(zaptest.NewLogger(t))
	publishRunHistory(mgr, "run-1")
	srv := newTestServer(t, engineKnowing("run-1"), mgr)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/api/research/run-1/ws?last_event_id=0"), nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	var stages []research.Stage
	for i := 0; i < 3; i++ {
		var evt research.ProgressEvent
		require.NoError(t, conn.ReadJSON(&evt))
		stages = append(stages, evt.Stage)
	}
	assert.Equal(t, []research.Stage{
		research.StageScoping,
		research.StageResearching,
		research.StageDone,
	}, stages)

	// After the terminal event the server closes the connection
	// normally.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWebSocketLiveEvents(t *testing.T) {
	mgr := streaming.NewManager(zaptest.NewLogger(t))
	srv := newTestServer(t, engineKnowing("run-1"), mgr)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/api/research/run-1/ws"), nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	go func() {
		// Give the handler time to subscribe before publishing.
		time.Sleep(50 * time.Millisecond)
		publishRunHistory(mgr, "run-1")
	}()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var stages []research.Stage
	for i := 0; i < 3; i++ {
		var evt research.ProgressEvent
		require.NoError(t, conn.ReadJSON(&evt))
		stages = append(stages, evt.Stage)
	}
	assert.Equal(t, research.StageDone, stages[2])
}

func TestWebSocketUnknownRun(t *testing.T) {
	mgr := streaming.NewManager(zaptest.NewLogger(t))
	srv := newTestServer(t, engineKnowing(), mgr)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/api/research/ghost/ws"), nil)
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
