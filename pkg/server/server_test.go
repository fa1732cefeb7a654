package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-go-golems/geppetto/pkg/turns"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/reasonance/pkg/archive"
	"github.com/go-go-golems/reasonance/pkg/broadcast"
	"github.com/go-go-golems/reasonance/pkg/manager"
)

type stubEngine struct{}

func (e *stubEngine) RunInference(_ context.Context, t *turns.Turn) (*turns.Turn, error) {
	turns.AppendBlock(t, turns.NewAssistantTextBlock(
		`{"type":"claim","summary":"a point","targets":[],"confidence":0.9}`))
	return t, nil
}

type stubTranscriber struct {
	text string
}

func (st *stubTranscriber) Transcribe(_ context.Context, _ []byte) (string, error) {
	return st.text, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *manager.Manager) {
	t.Helper()
	hub := broadcast.NewHub()
	t.Cleanup(func() { _ = hub.Close() })

	store, err := archive.NewStore(filepath.Join(t.TempDir(), "archives.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mgr, err := manager.New(hub, store, &stubEngine{}, &stubTranscriber{text: "spoken words"}, manager.Config{})
	require.NoError(t, err)

	srv := httptest.NewServer(New(mgr, hub).Handler())
	t.Cleanup(srv.Close)
	return srv, mgr
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp
}

func startSession(t *testing.T, srv *httptest.Server, name string) string {
	t.Helper()
	resp, out := postJSON(t, srv.URL+"/start-session", map[string]any{"participant_name": name})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id, _ := out["session_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestStartJoinAndListSessions(t *testing.T) {
	srv, _ := newTestServer(t)
	id := startSession(t, srv, "alice")

	resp, _ := postJSON(t, srv.URL+"/join-session/"+id, map[string]any{"participant_name": "bob"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var participants map[string][]string
	getJSON(t, srv.URL+"/session/"+id+"/participants", &participants)
	require.ElementsMatch(t, []string{"alice", "bob"}, participants["participants"])

	var sessions []map[string]any
	getJSON(t, srv.URL+"/sessions", &sessions)
	require.Len(t, sessions, 1)
	require.Equal(t, id, sessions[0]["session_id"])
	require.EqualValues(t, 2, sessions[0]["participant_count"])

	resp, out := postJSON(t, srv.URL+"/join-session/missing", map[string]any{"participant_name": "x"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "Session not found", out["detail"])
}

func TestSendMessageAndTranscripts(t *testing.T) {
	srv, mgr := newTestServer(t)
	id := startSession(t, srv, "alice")

	resp, out := postJSON(t, srv.URL+"/send-message/"+id, map[string]any{
		"message": "remote work boosts productivity", "speaker": "alice",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, out["turn_id"])

	var transcripts map[string][]map[string]any
	getJSON(t, srv.URL+"/session-transcripts/"+id, &transcripts)
	require.Len(t, transcripts["transcripts"], 1)
	require.Equal(t, "remote work boosts productivity", transcripts["transcripts"][0]["transcript"])

	sess, err := mgr.GetSession(id)
	require.NoError(t, err)
	sess.WaitAnalyses()

	var graph map[string]any
	getJSON(t, srv.URL+"/session/"+id+"/argument-graph", &graph)
	nodes := graph["nodes"].(map[string]any)
	require.Contains(t, nodes, "1")
}

func TestUploadAudio(t *testing.T) {
	srv, mgr := newTestServer(t)
	id := startSession(t, srv, "alice")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("speaker", "alice"))
	fw, err := mw.CreateFormFile("audio", "turn.webm")
	require.NoError(t, err)
	_, err = fw.Write([]byte("audio-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/upload-audio/"+id, mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.EqualValues(t, 1, out["turn_id"])

	sess, err := mgr.GetSession(id)
	require.NoError(t, err)
	sess.WaitAnalyses()

	turn, ok := sess.Turn(1)
	require.True(t, ok)
	require.Equal(t, "spoken words", turn.Text)
}

func TestAnchorLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	id := startSession(t, srv, "alice")
	_, out := postJSON(t, srv.URL+"/send-message/"+id, map[string]any{"message": "some words", "speaker": "alice"})
	require.EqualValues(t, 1, out["turn_id"])

	resp, out := postJSON(t, srv.URL+"/session/"+id+"/anchors", map[string]any{
		"position": 5, "length": 5, "word": "words", "turnId": 1, "userId": "u1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	anchor := out["anchor"].(map[string]any)
	require.Equal(t, "words", anchor["word"])

	var anchors map[string][]map[string]any
	getJSON(t, srv.URL+"/session/"+id+"/anchors", &anchors)
	require.Len(t, anchors["anchors"], 1)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/session/"+id+"/anchors/1/5",
		strings.NewReader(`{"length":5,"userId":"u1"}`))
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = delResp.Body.Close() }()
	require.Equal(t, http.StatusOK, delResp.StatusCode)

	getJSON(t, srv.URL+"/session/"+id+"/anchors", &anchors)
	require.Empty(t, anchors["anchors"])
}

func TestArchiveSessionAndArchivedQueries(t *testing.T) {
	srv, mgr := newTestServer(t)
	id := startSession(t, srv, "alice")
	postJSON(t, srv.URL+"/send-message/"+id, map[string]any{"message": "hello", "speaker": "alice"})
	sess, err := mgr.GetSession(id)
	require.NoError(t, err)
	sess.WaitAnalyses()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/session/"+id, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var archived []map[string]any
	getJSON(t, srv.URL+"/archived-sessions", &archived)
	require.Len(t, archived, 1)
	require.Equal(t, true, archived[0]["is_archived"])

	// snapshot and graph remain readable after archiving
	var snap map[string]any
	getJSON(t, srv.URL+"/session/"+id, &snap)
	md := snap["metadata"].(map[string]any)
	require.Equal(t, true, md["is_archived"])

	var graph map[string]any
	getJSON(t, srv.URL+"/session/"+id+"/argument-graph", &graph)
	require.Contains(t, graph["nodes"].(map[string]any), "1")

	// but live-only endpoints now 404
	resp2, err := http.Get(srv.URL + "/session-transcripts/" + id)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	require.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestAnalyzeEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	id := startSession(t, srv, "alice")

	resp, out := postJSON(t, srv.URL+"/session/"+id+"/analyze", map[string]any{
		"message": "a standalone point", "speaker": "alice",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	node := out["node"].(map[string]any)
	require.Equal(t, "1", node["id"])
	require.Equal(t, "claim", node["type"])
	require.Contains(t, out["graph"].(map[string]any)["nodes"].(map[string]any), "1")
}

func readSSEEvent(t *testing.T, reader *bufio.Reader) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		return ev
	}
	t.Fatal("timed out reading sse event")
	return nil
}

func TestSessionEventsSSE(t *testing.T) {
	srv, _ := newTestServer(t)
	id := startSession(t, srv, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/session/"+id+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	ev := readSSEEvent(t, reader)
	require.Equal(t, "initial_state", ev["type"])

	postJSON(t, srv.URL+"/send-message/"+id, map[string]any{"message": "hello", "speaker": "alice"})

	ev = readSSEEvent(t, reader)
	require.Equal(t, "transcript", ev["type"])
	require.Equal(t, "hello", ev["data"].(map[string]any)["transcript"])
}

func TestGlobalEventsSSE(t *testing.T) {
	srv, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	reader := bufio.NewReader(resp.Body)
	require.Equal(t, "connected", readSSEEvent(t, reader)["type"])
	require.Equal(t, "keepalive", readSSEEvent(t, reader)["type"])

	id := startSession(t, srv, "alice")
	postJSON(t, srv.URL+"/send-message/"+id, map[string]any{"message": "hello", "speaker": "alice"})

	ev := readSSEEvent(t, reader)
	require.Equal(t, "sessions_update", ev["type"])
	require.Len(t, ev["active"].([]any), 1)
}

func TestSessionWebSocket(t *testing.T) {
	srv, _ := newTestServer(t)
	id := startSession(t, srv, "alice")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/session/" + id
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev map[string]any
	require.NoError(t, json.Unmarshal(payload, &ev))
	require.Equal(t, "initial_state", ev["type"])

	postJSON(t, srv.URL+"/send-message/"+id, map[string]any{"message": "hello", "speaker": "alice"})

	_, payload, err = conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, &ev))
	require.Equal(t, "transcript", ev["type"])
}

func TestAnalyzeSelectionEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	id := startSession(t, srv, "alice")

	resp, out := postJSON(t, srv.URL+"/session/"+id+"/analyze-selection", map[string]any{
		"nodes": []map[string]any{{"id": "1", "speaker": "alice", "summary": "a point"}},
		"edges": []map[string]any{},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	// the stub engine answers with a turn classification, which is not a
	// selection payload; the degraded defaults still come back clamped
	require.NotNil(t, out["main_themes"])
	require.NotNil(t, out["confidence"])
}
