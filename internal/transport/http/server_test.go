package http

import (
	"context"
	"encoding/json"
	"io"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jorgeraad/leafai/internal/adapter/llm"
	"github.com/jorgeraad/leafai/internal/agent"
	"github.com/jorgeraad/leafai/internal/auth"
	"github.com/jorgeraad/leafai/internal/domain"
	"github.com/jorgeraad/leafai/internal/metrics"
	"github.com/jorgeraad/leafai/internal/registry"
	"github.com/jorgeraad/leafai/internal/repository"
	"github.com/jorgeraad/leafai/internal/service"
	"github.com/jorgeraad/leafai/internal/workflow"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := repository.NewSQLiteStore(":memory:", nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	m := metrics.New()
	client := llm.NewMockClient()
	disp := workflow.NewDispatcher(registry.NewMemory(), store, workflow.WithMetrics(m))
	svc := service.New(service.Options{
		Store:      store,
		Dispatcher: disp,
		Agent:      agent.New(client, agent.Config{Model: "mock"}),
		LLM:        client,
		Model:      "mock",
		Metrics:    m,
	})

	srv := httptest.NewServer(NewServer(svc, m, auth.Config{DevHeader: true}))
	t.Cleanup(func() {
		srv.Close()
		svc.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		disp.Shutdown(ctx)
		store.Close()
	})
	return srv
}

func do(t *testing.T, method, url, body string, authed bool) *stdhttp.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := stdhttp.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set(auth.HeaderUserID, "u1")
	}
	resp, err := stdhttp.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServerPublicRoutes(t *testing.T) {
	srv := newTestServer(t)

	if resp := do(t, stdhttp.MethodGet, srv.URL+"/health", "", false); resp.StatusCode != stdhttp.StatusOK {
		t.Fatalf("health: expected 200, got %d", resp.StatusCode)
	}
	resp := do(t, stdhttp.MethodGet, srv.URL+"/metrics", "", false)
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != stdhttp.StatusOK || !strings.Contains(string(data), "leafai_") {
		t.Fatalf("metrics: unexpected response %d", resp.StatusCode)
	}
	if resp := do(t, stdhttp.MethodGet, srv.URL+"/v1/workspaces/ws1/sessions", "", false); resp.StatusCode != stdhttp.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", resp.StatusCode)
	}
}

func TestServerChatThenWebSocket(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, stdhttp.MethodPost, srv.URL+"/v1/workspaces/ws1/sessions", `{}`, true)
	if resp.StatusCode != stdhttp.StatusCreated {
		t.Fatalf("create session: expected 201, got %d", resp.StatusCode)
	}
	var cs domain.ChatSession
	if err := json.NewDecoder(resp.Body).Decode(&cs); err != nil {
		t.Fatalf("decode session: %v", err)
	}

	body, _ := json.Marshal(service.SendMessageRequest{ChatSessionID: cs.ID, Content: "hi"})
	resp = do(t, stdhttp.MethodPost, srv.URL+"/v1/chat", string(body), true)
	stream, _ := io.ReadAll(resp.Body)
	if !strings.HasSuffix(string(stream), "data: [DONE]\n\n") {
		t.Fatalf("unexpected chat stream: %q", stream)
	}
	runID := resp.Header.Get("X-Run-ID")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/runs/" + runID + "/ws"
	header := stdhttp.Header{}
	header.Set(auth.HeaderUserID, "u1")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var text strings.Builder
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(data) == `{"type":"done"}` {
			break
		}
		ev, err := domain.UnmarshalEvent(data)
		if err != nil {
			t.Fatalf("decode event %q: %v", data, err)
		}
		if delta, ok := ev.(domain.TextDelta); ok {
			text.WriteString(delta.Text)
		}
	}
	if !strings.Contains(text.String(), `"hi"`) {
		t.Fatalf("unexpected replay %q", text.String())
	}
}

func TestServerWebSocketUnknownRun(t *testing.T) {
	srv := newTestServer(t)

	header := stdhttp.Header{}
	header.Set(auth.HeaderUserID, "u1")
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/runs/nope/ws", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"type":"error","message":"Run not found"}` {
		t.Fatalf("unexpected message %s", data)
	}
}
