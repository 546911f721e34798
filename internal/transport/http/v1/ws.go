package v1

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/jorgeraad/leafai/internal/domain"
	"github.com/jorgeraad/leafai/internal/sse"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsControl is a non-event frame sent on the run socket.
type wsControl struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

type wsItem struct {
	ev  domain.Event
	err error
}

// RunWebSocket streams a run's events as JSON text messages, one per event,
// followed by {"type":"done"}. Clients only read; anything they send is
// discarded.
func (h *Handler) RunWebSocket(c echo.Context) error {
	runID := c.Param("run_id")
	startIndex, err := parseStartIndex(c)
	if err != nil {
		return badRequest(c, "startIndex must be an integer")
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("WARN: websocket upgrade for run %s: %v", runID, err)
		return nil
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	stream, err := h.service.Reconnect(ctx, runID, startIndex)
	if err != nil {
		msg := "Failed to open run stream"
		if errors.Is(err, domain.ErrNotFound) {
			msg = "Run not found"
		}
		writeWSJSON(conn, wsControl{Type: "error", Message: msg})
		closeWS(conn)
		return nil
	}
	defer h.metrics.ReaderAttached()()

	items := make(chan wsItem)
	go func() {
		defer close(items)
		for {
			ev, err := stream.Next(ctx)
			select {
			case items <- wsItem{ev: ev, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case it, ok := <-items:
			if !ok {
				return nil
			}
			if errors.Is(it.err, io.EOF) {
				writeWSJSON(conn, wsControl{Type: "done"})
				closeWS(conn)
				return nil
			}
			if it.err != nil {
				if ctx.Err() == nil {
					log.Printf("WARN: websocket stream for run %s: %v", runID, it.err)
					writeWSJSON(conn, wsControl{Type: "error", Message: sse.MsgStreamTerminated})
					closeWS(conn)
				}
				return nil
			}
			data, err := domain.MarshalEvent(it.ev)
			if err != nil {
				log.Printf("ERROR: encode event for run %s: %v", runID, err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return nil
			}
		}
	}
}

func writeWSJSON(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("WARN: websocket write: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
