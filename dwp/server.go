package dwp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/stepflow/id"
	"github.com/xraph/stepflow/stream"
)

// authTimeout bounds the wait for the auth frame on a new connection.
const authTimeout = 10 * time.Second

// Server accepts WebSocket connections and one-shot HTTP RPC calls and
// hands their request frames to a Handler. Broker events for subscribed
// channels are forwarded to each connection as event frames.
type Server struct {
	broker       *stream.Broker
	handler      *Handler
	auth         Authenticator
	defaultCodec Codec
	conns        *ConnectionManager
	logger       *slog.Logger
	basePath     string

	wg sync.WaitGroup
}

// NewServer creates a server. broker may be nil, in which case no events
// are forwarded.
func NewServer(broker *stream.Broker, handler *Handler, opts ...Option) *Server {
	s := &Server{
		broker:       broker,
		handler:      handler,
		defaultCodec: &JSONCodec{},
		conns:        NewConnectionManager(),
		logger:       slog.Default(),
		basePath:     "/dwp",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth == nil {
		s.auth = &NoopAuthenticator{}
	}
	return s
}

// Broker returns the underlying stream broker.
func (s *Server) Broker() *stream.Broker { return s.broker }

// Connections returns the connection manager.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// Mount registers the WebSocket endpoint at the base path and the RPC
// endpoint at <base>/rpc.
func (s *Server) Mount(r chi.Router) {
	r.Get(s.basePath, s.ServeHTTP)
	r.Post(s.basePath+"/rpc", s.handleHTTPRPC)
}

// Wait blocks until every connection handler has returned.
func (s *Server) Wait() { s.wg.Wait() }

// Shutdown closes every open connection and waits for their handlers,
// giving up when ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, c := range s.conns.All() {
		_ = c.Close("server shutting down")
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeHTTP upgrades the request to a WebSocket and serves it until the
// peer disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("dwp upgrade failed", slog.String("error", err.Error()))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer conn.Close()
		if err := s.serve(context.WithoutCancel(r.Context()), conn); err != nil {
			s.logger.Debug("dwp connection ended", slog.String("error", err.Error()))
		}
	}()
}

func (s *Server) serve(ctx context.Context, conn net.Conn) error {
	connID := id.New(id.PrefixSubscriber).String()

	// The auth frame and its response are always JSON; the negotiated codec
	// applies to every later frame.
	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	data, _, err := wsutil.ReadClientData(conn)
	if err != nil {
		return fmt.Errorf("dwp: read auth frame: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	jsonConn := NewConnection(connID, nil, &JSONCodec{})
	jsonConn.rw = conn

	var authFrame Frame
	if err := json.Unmarshal(data, &authFrame); err != nil {
		s.reject(conn, jsonConn, NewErrorFrame("", ErrCodeBadRequest, "invalid auth frame"))
		return fmt.Errorf("dwp: unmarshal auth frame: %w", err)
	}
	if authFrame.Method != MethodAuth {
		s.reject(conn, jsonConn, NewErrorFrame(authFrame.ID, ErrCodeBadRequest, "first frame must be auth"))
		return fmt.Errorf("dwp: expected auth frame, got %q", authFrame.Method)
	}

	var authReq AuthRequest
	if len(authFrame.Data) > 0 {
		if err := json.Unmarshal(authFrame.Data, &authReq); err != nil {
			s.reject(conn, jsonConn, NewErrorFrame(authFrame.ID, ErrCodeBadRequest, "invalid auth data"))
			return err
		}
	}
	if !KnownCodec(authReq.Format) {
		s.reject(conn, jsonConn, NewErrorFrame(authFrame.ID, ErrCodeBadRequest, "unknown format: "+authReq.Format))
		return fmt.Errorf("dwp: unknown format %q", authReq.Format)
	}

	token := authReq.Token
	if token == "" {
		token = authFrame.Token
	}
	identity, err := s.auth.Authenticate(ctx, token)
	if err != nil {
		s.reject(conn, jsonConn, NewErrorFrame(authFrame.ID, ErrCodeUnauthorized, "authentication failed"))
		return fmt.Errorf("dwp: auth failed: %w", err)
	}

	codec := s.defaultCodec
	if authReq.Format != "" {
		codec = GetCodec(authReq.Format)
	}

	resp, err := NewResponseFrame(authFrame.ID, AuthResponse{
		Format:    codec.Name(),
		SessionID: connID,
		Subject:   identity.Subject,
		Scopes:    identity.Scopes,
	})
	if err != nil {
		return fmt.Errorf("dwp: marshal auth response: %w", err)
	}
	if err := jsonConn.Write(resp); err != nil {
		return err
	}

	dwpConn := NewConnection(connID, identity, codec)
	dwpConn.rw = conn
	s.conns.Add(dwpConn)

	connCtx, cancel := context.WithCancel(ctx)
	var inflight sync.WaitGroup
	defer func() {
		cancel()
		inflight.Wait()
		if s.broker != nil {
			s.broker.RemoveSubscriber(connID)
		}
		s.conns.Remove(connID)
		s.logger.Info("dwp disconnected", slog.String("conn_id", connID))
	}()

	s.logger.Info("dwp authenticated",
		slog.String("conn_id", connID),
		slog.String("subject", identity.Subject),
		slog.String("codec", codec.Name()),
	)

	var sub *stream.Subscriber
	if s.broker != nil {
		sub = s.broker.Subscribe(connID)
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			s.forwardEvents(connCtx, dwpConn, sub)
		}()
	}

	for {
		data, _, err := wsutil.ReadClientData(conn)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				return nil
			}
			return err
		}
		dwpConn.Touch()

		frame, err := codec.Decode(data)
		if err != nil {
			s.write(dwpConn, NewErrorFrame("", ErrCodeBadRequest, "invalid frame: "+err.Error()))
			continue
		}

		switch {
		case frame.Type == FramePing:
			s.write(dwpConn, &Frame{
				V:         Version,
				ID:        GenerateFrameID(),
				Type:      FramePong,
				CorrID:    frame.ID,
				Timestamp: time.Now().UTC(),
			})
			continue
		case frame.Credits > 0 && frame.Method == "":
			if sub != nil {
				sub.AddCredits(int64(frame.Credits))
			}
			continue
		case frame.Type != FrameRequest:
			continue
		}

		if scope := RequiredScope(frame.Method); scope != "" && !identity.HasScope(scope) {
			s.write(dwpConn, NewErrorFrame(frame.ID, ErrCodeForbidden, "insufficient permissions for "+frame.Method))
			continue
		}

		// Requests run concurrently: a task.poll may block for its whole
		// wait while other frames on the same connection are served.
		inflight.Add(1)
		go func(frame *Frame) {
			defer inflight.Done()
			if resp := s.handler.Handle(connCtx, frame, dwpConn); resp != nil {
				s.write(dwpConn, resp)
			}
		}(frame)
	}
}

// reject sends a final error frame and a close message.
func (s *Server) reject(conn net.Conn, c *Connection, frame *Frame) {
	if err := c.Write(frame); err != nil {
		return
	}
	_ = wsutil.WriteServerMessage(conn, ws.OpClose, closeMessage(ws.StatusPolicyViolation, frame.Error.Message))
}

func (s *Server) write(c *Connection, frame *Frame) {
	if err := c.Write(frame); err != nil {
		s.logger.Warn("dwp write failed",
			slog.String("conn_id", c.ID),
			slog.String("error", err.Error()),
		)
	}
}

// forwardEvents writes broker events to the connection until the
// subscriber is closed or the connection ends.
func (s *Server) forwardEvents(ctx context.Context, c *Connection, sub *stream.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			frame, err := NewEventFrame(evt.Topic, evt)
			if err != nil {
				continue
			}
			if err := c.Write(frame); err != nil {
				return
			}
		}
	}
}

// handleHTTPRPC serves one request frame per HTTP call. The token comes
// from the frame or an Authorization bearer header.
func (s *Server) handleHTTPRPC(w http.ResponseWriter, r *http.Request) {
	var frame Frame
	if err := json.NewDecoder(r.Body).Decode(&frame); err != nil {
		writeRPC(w, http.StatusBadRequest, NewErrorFrame("", ErrCodeBadRequest, "invalid request body"))
		return
	}

	token := frame.Token
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	identity, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		writeRPC(w, http.StatusUnauthorized, NewErrorFrame(frame.ID, ErrCodeUnauthorized, "unauthorized"))
		return
	}
	if scope := RequiredScope(frame.Method); scope != "" && !identity.HasScope(scope) {
		writeRPC(w, http.StatusForbidden, NewErrorFrame(frame.ID, ErrCodeForbidden, "forbidden"))
		return
	}

	conn := NewConnection("rpc-"+GenerateFrameID(), identity, &JSONCodec{})
	resp := s.handler.Handle(r.Context(), &frame, conn)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	status := http.StatusOK
	if resp.Type == FrameErr && resp.Error != nil {
		status = resp.Error.Code
		if status < 100 || status > 599 {
			status = http.StatusInternalServerError
		}
	}
	writeRPC(w, status, resp)
}

func writeRPC(w http.ResponseWriter, status int, frame *Frame) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(frame)
}
