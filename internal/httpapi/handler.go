// Package httpapi frames the dispatcher's request/response envelopes over
// HTTP streaming in two styles: a newline-delimited JSON sequence of
// start/result/error/end objects, and a typed server-sent event stream with
// heartbeats. Both carry the same envelope fields; the dispatcher never sees
// the difference.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/changed/api"
	"pkt.systems/changed/internal/clock"
	"pkt.systems/changed/internal/correlation"
	"pkt.systems/changed/internal/dispatch"
	"pkt.systems/changed/internal/svcfields"
)

// DefaultHeartbeat is the SSE keep-alive interval.
const DefaultHeartbeat = 15 * time.Second

// Options configures a Handler.
type Options struct {
	Dispatcher *dispatch.Dispatcher
	Logger     pslog.Logger
	Clock      clock.Clock
	Heartbeat  time.Duration
}

// Handler serves the streaming transports.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	logger     pslog.Logger
	clock      clock.Clock
	heartbeat  time.Duration
}

// New constructs a Handler.
func New(opts Options) (*Handler, error) {
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("httpapi: dispatcher required")
	}
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	return &Handler{
		dispatcher: opts.Dispatcher,
		logger:     svcfields.WithSubsystem(opts.Logger, "http"),
		clock:      opts.Clock,
		heartbeat:  opts.Heartbeat,
	}, nil
}

// Router returns the HTTP mux for the streaming endpoints.
func (h *Handler) Router() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/rpc/ndjson", h.handleNDJSON)
	mux.HandleFunc("POST /v1/rpc/sse", h.handleSSE)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	return mux
}

// streamFrame is one NDJSON object on the wire.
type streamFrame struct {
	Event    string        `json:"event"`
	Response *api.Response `json:"response,omitempty"`
	Detail   string        `json:"detail,omitempty"`
}

const (
	eventStart  = "start"
	eventResult = "result"
	eventError  = "error"
	eventEnd    = "end"
)

// handleNDJSON runs one connection: request objects stream in on the body,
// framed responses stream out in submission order.
func (h *Handler) handleNDJSON(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	// Request frames keep arriving on the body after the first response
	// frame goes out; without full duplex net/http closes the body at the
	// first write.
	_ = http.NewResponseController(w).EnableFullDuplex()
	ctx := correlation.Ensure(r.Context())
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")

	conn := h.dispatcher.NewConn()
	encoder := json.NewEncoder(w)
	emit := func(frame streamFrame) bool {
		if err := encoder.Encode(frame); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !emit(streamFrame{Event: eventStart}) {
		return
	}
	handled := 0
	decoder := json.NewDecoder(r.Body)
	for {
		var req api.Request
		if err := decoder.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) {
				emit(streamFrame{Event: eventError, Detail: "malformed request frame: " + err.Error()})
			}
			break
		}
		resp := conn.Handle(ctx, req)
		event := eventResult
		if resp.Error != nil {
			event = eventError
		}
		if !emit(streamFrame{Event: event, Response: &resp}) {
			h.logger.Warn("http.ndjson.disconnect", "handled", handled)
			return
		}
		handled++
		if conn.State() == dispatch.Closed {
			break
		}
	}
	emit(streamFrame{Event: eventEnd})
	h.logger.Debug("http.ndjson.complete", "handled", handled)
}

// handleSSE runs one connection as a typed event stream. Heartbeat comments
// keep intermediaries from timing the stream out while a request is slow.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	// Requests stream in while events stream out on the same exchange.
	_ = http.NewResponseController(w).EnableFullDuplex()
	ctx := correlation.Ensure(r.Context())
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Flush headers before blocking on the request body: a full-duplex
	// client waits for them before it can send its first request.
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var writeMu sync.Mutex
	writeEvent := func(event string, payload []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-h.clock.After(h.heartbeat):
				writeMu.Lock()
				_, err := io.WriteString(w, "event: heartbeat\ndata: {}\n\n")
				if err == nil {
					flusher.Flush()
				}
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	conn := h.dispatcher.NewConn()
	handled := 0
	decoder := json.NewDecoder(r.Body)
	for {
		var req api.Request
		if err := decoder.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) {
				payload, _ := json.Marshal(map[string]string{"detail": "malformed request frame: " + err.Error()})
				_ = writeEvent(eventError, payload)
			}
			break
		}
		resp := conn.Handle(ctx, req)
		event := eventResult
		if resp.Error != nil {
			event = eventError
		}
		payload, err := json.Marshal(resp)
		if err != nil {
			break
		}
		if err := writeEvent(event, payload); err != nil {
			h.logger.Warn("http.sse.disconnect", "handled", handled)
			return
		}
		handled++
		if conn.State() == dispatch.Closed {
			break
		}
	}
	h.logger.Debug("http.sse.complete", "handled", handled)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"status":"ok"}`+"\n")
}
