package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/flowmesh/backend/scripted"
	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/internal/testutil"
	"github.com/hupe1980/flowmesh/session"
	"github.com/hupe1980/flowmesh/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *session.Registry) {
	t.Helper()

	st := store.NewInMemoryStore()
	require.NoError(t, st.PutAgent(testutil.Persona("agent-greeter", "receptionist", "hello")))
	require.NoError(t, st.PutAgent(testutil.Persona("agent-sales", "sales representative", "pricing")))
	require.NoError(t, st.PutFlow(testutil.NewFlowBuilder("support").
		Node("greeter", "agent-greeter", "Greeter").
		Node("sales", "agent-sales", "Sales").
		Edge("greeter", "sales").
		Build()))

	registry := session.NewRegistry(st, st, scripted.New())
	srv := New(registry, func(o *Options) {
		o.Metrics = NewMetrics(prometheus.NewRegistry())
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = registry.Shutdown(context.Background())
	})
	return ts, registry
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&decoded)
	}
	return resp, decoded
}

func createSession(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", map[string]string{"flowId": "support"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["sessionId"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestServer_CreateSession(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", map[string]string{"flowId": "support"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "support", body["flowId"])
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, "greeter", body["activeNodeId"])
	// greeter→sales is a single chain, so topology inference picks
	// sequential.
	assert.Equal(t, "sequential", body["strategy"])
}

func TestServer_CreateSession_Errors(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", map[string]string{"flowId": "missing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", map[string]string{
		"flowId":   "support",
		"strategy": "shortest_path",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", map[string]string{
		"flowId":      "support",
		"entryNodeId": "missing",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_GetAndListSessions(t *testing.T) {
	ts, _ := newTestServer(t)
	id := createSession(t, ts)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["sessionId"])

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/v1/sessions", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	sessions, ok := body["sessions"].([]any)
	require.True(t, ok)
	assert.Len(t, sessions, 1)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_PostTurn(t *testing.T) {
	ts, _ := newTestServer(t)
	id := createSession(t, ts)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/turns", map[string]string{
		"text": "transfer me to sales",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["routed"])
	assert.Equal(t, "sales", body["nodeId"])

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/turns", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/nope/turns", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Route(t *testing.T) {
	ts, _ := newTestServer(t)
	id := createSession(t, ts)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/route", map[string]string{
		"toNodeId": "sales",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sales", body["activeNodeId"])

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/route", map[string]string{
		"toNodeId": "missing",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Parallel(t *testing.T) {
	ts, _ := newTestServer(t)
	id := createSession(t, ts)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/parallel", map[string]string{
		"text": "who can help?",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	responses, ok := body["responses"].([]any)
	require.True(t, ok)
	assert.Len(t, responses, 2)
}

func TestServer_History(t *testing.T) {
	ts, _ := newTestServer(t)
	id := createSession(t, ts)

	_, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/turns", map[string]string{"text": "sales please"})

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/v1/sessions/"+id+"/history", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	turns, ok := body["turns"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, turns)
	transitions, ok := body["transitions"].([]any)
	require.True(t, ok)
	assert.Len(t, transitions, 1)
}

func TestServer_SessionMetrics(t *testing.T) {
	ts, _ := newTestServer(t)
	id := createSession(t, ts)

	_, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/turns", map[string]string{"text": "hello"})

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/v1/sessions/"+id+"/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "summary")
	decisions, ok := body["decisions"].([]any)
	require.True(t, ok)
	assert.Len(t, decisions, 1)
}

func TestServer_DeleteSession(t *testing.T) {
	ts, registry := newTestServer(t)
	id := createSession(t, ts)

	sess, ok := registry.Get(id)
	require.True(t, ok)

	resp, _ := doJSON(t, http.MethodDelete, ts.URL+"/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, session.StatusClosed, sess.Status())

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Turns on a deregistered session are a 404.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/turns", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Health(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_MetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_WebsocketEvents(t *testing.T) {
	ts, _ := newTestServer(t)
	id := createSession(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/" + id + "/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Drive the session over the same connection.
	cmd, err := json.Marshal(map[string]string{"type": "turn", "text": "hello there"})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, cmd))

	readEvent := func() core.Event {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var ev core.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		return ev
	}

	// The entry leg's greeting may still be in flight when the subscription
	// attaches, so skip ahead to the posted turn.
	first := readEvent()
	for first.Type != core.EventSpeechFinal {
		first = readEvent()
	}
	assert.Equal(t, "hello there", first.Text)
	assert.Equal(t, id, first.SessionID)

	// The sequential strategy hands greeter→sales off on the turn, so the
	// route event precedes the reply.
	second := readEvent()
	assert.Equal(t, core.EventRoute, second.Type)
	assert.Equal(t, "sales", second.ToNodeID)

	reply := readEvent()
	for reply.Type != core.EventAgentSpeech || !strings.Contains(reply.Text, "hello there") {
		reply = readEvent()
	}
	assert.True(t, reply.Seq > first.Seq)
}

func TestServer_WebsocketCommandErrors(t *testing.T) {
	ts, _ := newTestServer(t)
	id := createSession(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/" + id + "/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	cmd, err := json.Marshal(map[string]string{"type": "route", "toNodeId": "bogus"})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, cmd))

	// A rejected command answers with an error event on this connection;
	// skip past any startup events still in flight.
	var ev core.Event
	for ev.Type != core.EventError {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &ev))
	}
	assert.Contains(t, ev.Message, "bogus")

	// The session survives the rejection.
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "running", body["status"])
}

func TestServer_WebsocketRejectsUnknownSession(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/v1/sessions/nope/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_WebsocketClosesWithSession(t *testing.T) {
	ts, registry := newTestServer(t)
	id := createSession(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/" + id + "/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	sess, ok := registry.Get(id)
	require.True(t, ok)
	require.NoError(t, sess.Close(context.Background()))

	// The server ends the stream once the session closes.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			var closeErr websocket.CloseError
			if assert.ErrorAs(t, err, &closeErr) {
				assert.Equal(t, websocket.StatusNormalClosure, closeErr.Code)
			}
			return
		}
	}
}

func TestServer_TurnOnClosedSessionConflicts(t *testing.T) {
	ts, registry := newTestServer(t)
	id := createSession(t, ts)

	sess, ok := registry.Get(id)
	require.True(t, ok)
	require.NoError(t, sess.Close(context.Background()))

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/turns", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, fmt.Sprint(body["error"]), "closed")
}
