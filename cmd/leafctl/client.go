package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/jorgeraad/leafai/internal/auth"
	"github.com/jorgeraad/leafai/internal/domain"
	"github.com/jorgeraad/leafai/internal/sse"
)

// Client talks to a leafai server.
type Client struct {
	baseURL string
	userID  string
	token   string
	http    *http.Client
}

// NewClient creates a client. token wins over userID when both are set.
func NewClient(baseURL, userID, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		userID:  userID,
		token:   token,
		http:    &http.Client{},
	}
}

func (c *Client) authorize(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	} else if c.userID != "" {
		h.Set(auth.HeaderUserID, c.userID)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req.Header)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return nil, fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Error)
	}
	return resp, nil
}

// CreateSession starts a new conversation in workspaceID.
func (c *Client) CreateSession(ctx context.Context, workspaceID, title string) (*domain.ChatSession, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/workspaces/"+url.PathEscape(workspaceID)+"/sessions", map[string]string{"title": title})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var cs domain.ChatSession
	if err := json.NewDecoder(resp.Body).Decode(&cs); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &cs, nil
}

// Send posts a message and feeds every streamed event to fn. It returns the
// run id.
func (c *Client) Send(ctx context.Context, sessionID, content string, fn func(domain.Event)) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/chat", map[string]string{
		"chatSessionId": sessionID,
		"content":       content,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return resp.Header.Get("X-Run-ID"), readStream(resp.Body, fn)
}

// Attach replays a run over the event stream endpoint from startIndex.
func (c *Client) Attach(ctx context.Context, runID string, startIndex int, fn func(domain.Event)) error {
	path := "/v1/runs/" + url.PathEscape(runID) + "/stream?startIndex=" + strconv.Itoa(startIndex)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return readStream(resp.Body, fn)
}

// AttachWS replays a run over the WebSocket endpoint from startIndex.
func (c *Client) AttachWS(ctx context.Context, runID string, startIndex int, fn func(domain.Event)) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/runs/" + url.PathEscape(runID) + "/ws"
	u.RawQuery = "startIndex=" + strconv.Itoa(startIndex)

	header := http.Header{}
	c.authorize(header)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		if string(data) == `{"type":"done"}` {
			return nil
		}
		ev, err := domain.UnmarshalEvent(data)
		if err != nil {
			continue
		}
		fn(ev)
	}
}

func readStream(r io.Reader, fn func(domain.Event)) error {
	reader := sse.NewReader(r)
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		fn(ev)
	}
}
