package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/id"
	"github.com/xraph/stepflow/stream"
)

// keepAliveInterval is how often an idle stream sends a comment line.
const keepAliveInterval = 15 * time.Second

// streamHistory sends the stored history of an execution as SSE events and
// then follows it live until the execution finishes or the client leaves.
// Each event carries its seq as the SSE id, so a reconnecting client
// resumes with Last-Event-ID.
func (s *Server) streamHistory(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		s.writeError(w, http.StatusNotImplemented, "history streaming is not enabled", nil)
		return
	}
	execID, ok := s.executionID(w, r)
	if !ok {
		return
	}
	after := lastEventID(r)

	// Subscribe before reading the backlog so nothing committed in between
	// is missed; duplicates are dropped by seq below.
	subID := id.New(id.PrefixSubscriber).String()
	sub := s.broker.Subscribe(subID, stream.ExecutionTopic(execID.String()))
	defer s.broker.RemoveSubscriber(subID)

	backlog, err := s.eng.GetExecutionHistory(r.Context(), execID, after, 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	last := after
	for _, ev := range backlog {
		if err := writeHistoryEvent(w, ev); err != nil {
			return
		}
		last = ev.Seq
		if ev.Kind.Terminal() {
			_ = rc.Flush()
			return
		}
	}
	if err := rc.Flush(); err != nil {
		return
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case evt, open := <-sub.C():
			if !open {
				return
			}
			sub.AddCredits(1)
			if evt.Type != stream.EventHistory || evt.Seq <= last {
				continue
			}
			var ev execution.Event
			if err := json.Unmarshal(evt.Data, &ev); err != nil {
				s.logger.Warn("decode streamed history event",
					slog.String("execution_id", execID.String()),
					slog.String("request_id", middleware.GetReqID(r.Context())),
					slog.String("error", err.Error()),
				)
				continue
			}
			if err := writeHistoryEvent(w, &ev); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
			last = ev.Seq
			if ev.Kind.Terminal() {
				return
			}
		}
	}
}

// lastEventID reads the resume point from Last-Event-ID or ?after.
func lastEventID(r *http.Request) int64 {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("after")
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// writeHistoryEvent writes one SSE event: id, event name and JSON data.
func writeHistoryEvent(w http.ResponseWriter, ev *execution.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data)
	return err
}
