package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"vetbox/internal/config"
	"vetbox/internal/engine"
	"vetbox/internal/verdict"
)

const maxConns = 256

// Analyzer is the engine surface the server needs.
type Analyzer interface {
	Analyze(ctx context.Context, content []byte, filename string) (*verdict.Result, error)
}

// Server answers framed analysis requests on a TCP or unix socket. Each
// connection carries any number of request/response pairs in order; the
// read timeout bounds both a single frame and the idle gap before it.
type Server struct {
	analyzer    Analyzer
	network     string
	address     string
	maxPayload  uint32
	readTimeout time.Duration

	ln  net.Listener
	sem chan struct{}
	wg  sync.WaitGroup

	// ctx is cancelled when a graceful Close runs out of time.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// NewServer creates a server for cfg. Call Start to listen.
func NewServer(a Analyzer, cfg config.WireConfig) *Server {
	maxPayload := cfg.MaxPayload
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		analyzer:    a,
		network:     cfg.Network,
		address:     cfg.Address,
		maxPayload:  maxPayload,
		readTimeout: cfg.ReadTimeout,
		sem:         make(chan struct{}, maxConns),
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	if s.network == "unix" {
		if err := os.Remove(s.address); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("wire: remove stale socket %s: %w", s.address, err)
		}
	}

	ln, err := net.Listen(s.network, s.address)
	if err != nil {
		return fmt.Errorf("wire: listen on %s %s: %w", s.network, s.address, err)
	}
	if s.network == "unix" {
		if err := os.Chmod(s.address, 0600); err != nil {
			_ = ln.Close()
			_ = os.Remove(s.address)
			return fmt.Errorf("wire: chmod socket %s: %w", s.address, err)
		}
	}
	s.ln = ln

	log.Info().Str("network", s.network).Str("address", ln.Addr().String()).Msg("wire server listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr is the bound address; valid after Start.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Error().Err(err).Msg("wire accept error")
			}
			return
		}

		select {
		case s.sem <- struct{}{}:
		case <-s.ctx.Done():
			_ = conn.Close()
			return
		}
		if !s.track(conn, true) {
			<-s.sem
			_ = conn.Close()
			return
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !add {
		delete(s.conns, conn)
		return true
	}
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { <-s.sem }()
	defer s.track(conn, false)
	defer conn.Close()

	client := engine.ClientInfo{IP: remoteIP(conn)}
	logger := log.With().Str("remote", conn.RemoteAddr().String()).Logger()

	for {
		if !s.armRead(conn) {
			return
		}
		payload, err := ReadFrame(conn, s.maxPayload)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			return
		case errors.Is(err, ErrFrameTooLarge):
			logger.Warn().Err(err).Msg("wire frame rejected")
			s.reply(conn, &Response{Error: &ErrorBody{Kind: kindBadRequest, Message: err.Error()}})
			return
		default:
			logger.Debug().Err(err).Msg("wire read failed")
			return
		}

		resp := s.serve(engine.WithClient(s.ctx, client), payload)
		if !s.reply(conn, resp) {
			return
		}
	}
}

// armRead sets the deadline for the next frame. It runs under the lock
// Close takes, so a closing server is never re-armed.
func (s *Server) armRead(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	var deadline time.Time
	if s.readTimeout > 0 {
		deadline = time.Now().Add(s.readTimeout)
	}
	return conn.SetReadDeadline(deadline) == nil
}

func (s *Server) serve(ctx context.Context, payload []byte) *Response {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return &Response{Error: &ErrorBody{Kind: kindBadRequest, Message: "invalid request JSON: " + err.Error()}}
	}

	r, err := s.analyzer.Analyze(ctx, req.Content, req.Filename)
	if err != nil {
		body := &ErrorBody{Kind: engine.KindOf(err).String(), Message: err.Error()}
		var ae *engine.AnalysisError
		if errors.As(err, &ae) {
			body.Fallback = ae.Fallback
		}
		log.Error().Err(err).Str("filename", req.Filename).Msg("wire analysis failed")
		return &Response{Error: body}
	}
	return &Response{Result: r}
}

func (s *Server) reply(conn net.Conn, resp *Response) bool {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("encoding wire response")
		return false
	}
	// Replies are bounded by the client's limit, not the request limit.
	if err := WriteFrame(conn, data, DefaultMaxPayload); err != nil {
		log.Debug().Err(err).Msg("wire write failed")
		return false
	}
	return true
}

// Close stops accepting connections and waits for in-flight requests to be
// answered. Idle connections are closed at once. When ctx expires first,
// pending analyses are cancelled and connections dropped.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		// Unblocks the frame read of idle connections; a connection mid
		// analysis notices after writing its reply.
		_ = c.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
		<-done
		err = errors.Join(err, ctx.Err())
	}
	s.cancel()
	if s.network == "unix" {
		_ = os.Remove(s.address)
	}
	return err
}

func remoteIP(conn net.Conn) string {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return "local"
	}
	return addr.IP.String()
}
