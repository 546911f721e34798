package v1

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/jorgeraad/leafai/internal/domain"
	"github.com/jorgeraad/leafai/internal/service"
	"github.com/jorgeraad/leafai/internal/sse"
)

// Chat starts a run for a new user message and streams its events. The
// stream ends with a "data: [DONE]" frame.
func (h *Handler) Chat(c echo.Context) error {
	var req service.SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	ctx := c.Request().Context()
	handle, err := h.service.SendMessage(ctx, req)
	if err != nil {
		return writeError(c, err)
	}
	stream, err := handle.Stream(ctx)
	if err != nil {
		return writeError(c, err)
	}

	startSSE(c, handle.RunID)
	defer h.metrics.ReaderAttached()()

	err = sse.Forward(ctx, c.Response(), stream, sse.Options{
		Terminal: sse.TerminalSentinel,
		Result:   handle.Wait,
	})
	logForwardError(ctx, handle.RunID, err)
	return nil
}

// StreamRun attaches to an existing run from startIndex. Unknown runs get a
// single inline error frame; the status code stays 200 since headers are
// already committed.
func (h *Handler) StreamRun(c echo.Context) error {
	runID := c.Param("run_id")
	startIndex, err := parseStartIndex(c)
	if err != nil {
		return badRequest(c, "startIndex must be an integer")
	}

	ctx := c.Request().Context()
	startSSE(c, runID)

	stream, err := h.service.Reconnect(ctx, runID, startIndex)
	if err != nil {
		msg := "Failed to open run stream"
		if errors.Is(err, domain.ErrNotFound) {
			msg = "Run not found"
		} else {
			log.Printf("ERROR: reconnect to run %s: %v", runID, err)
		}
		if werr := sse.WriteError(c.Response(), msg); werr != nil {
			log.Printf("WARN: write error frame for run %s: %v", runID, werr)
		}
		return nil
	}

	defer h.metrics.ReaderAttached()()
	err = sse.Forward(ctx, c.Response(), stream, sse.Options{
		Terminal: sse.TerminalDoneEvent,
		Result: func(ctx context.Context) (domain.RunResult, error) {
			return h.runResult(ctx, runID)
		},
	})
	logForwardError(ctx, runID, err)
	return nil
}

// GetRun returns a run's status.
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

func (h *Handler) runResult(ctx context.Context, runID string) (domain.RunResult, error) {
	run, err := h.service.GetRun(ctx, runID)
	if err != nil {
		return domain.RunResult{}, err
	}
	if run.Result == nil {
		return domain.RunResult{}, errors.New("run has no result")
	}
	return *run.Result, nil
}

func startSSE(c echo.Context, runID string) {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.Header().Set("X-Run-ID", runID)
	res.WriteHeader(http.StatusOK)
	res.Flush()
}

func parseStartIndex(c echo.Context) (int, error) {
	raw := c.QueryParam("startIndex")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

func logForwardError(ctx context.Context, runID string, err error) {
	if err == nil || ctx.Err() != nil {
		return
	}
	log.Printf("WARN: stream for run %s ended early: %v", runID, err)
}
