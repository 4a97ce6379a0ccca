package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/zmigrate/zmigrate/pkg/config"
	"github.com/zmigrate/zmigrate/pkg/log"
	"github.com/zmigrate/zmigrate/pkg/metrics"
	"github.com/zmigrate/zmigrate/pkg/proc"
	"github.com/zmigrate/zmigrate/pkg/tokens"
	"github.com/zmigrate/zmigrate/pkg/types"
)

// authReadTimeout bounds how long a connection may sit between accept
// and a complete token frame.
const authReadTimeout = 10 * time.Second

const (
	labelTCP  = "tcp"
	labelUnix = "unix"
)

// Server runs the token-gated stream listeners.
type Server struct {
	cfg    config.StreamConfig
	tokens *tokens.Store
	logger zerolog.Logger

	// authTimeout is a field so tests can shrink it.
	authTimeout time.Duration

	mu        sync.Mutex
	listeners []listener
	closed    bool

	handlers sync.WaitGroup
}

type listener struct {
	net.Listener
	label string
}

// New builds a server over the given token store. Call Listen before
// Serve.
func New(cfg config.StreamConfig, store *tokens.Store) *Server {
	return &Server{
		cfg:         cfg,
		tokens:      store,
		logger:      log.WithComponent("stream"),
		authTimeout: authReadTimeout,
	}
}

// Listen binds the configured addresses. A stale unix socket file left
// by a previous run is removed first.
func (s *Server) Listen() error {
	if s.cfg.TCP == "" && s.cfg.Unix == "" {
		return fmt.Errorf("stream server has no listen addresses")
	}

	var lns []listener
	closeAll := func() {
		for _, ln := range lns {
			_ = ln.Close()
		}
	}

	if s.cfg.TCP != "" {
		ln, err := net.Listen("tcp", s.cfg.TCP)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.TCP, err)
		}
		lns = append(lns, listener{Listener: ln, label: labelTCP})
	}
	if s.cfg.Unix != "" {
		if err := os.Remove(s.cfg.Unix); err != nil && !errors.Is(err, os.ErrNotExist) {
			closeAll()
			return fmt.Errorf("failed to remove stale socket %s: %w", s.cfg.Unix, err)
		}
		ln, err := net.Listen("unix", s.cfg.Unix)
		if err != nil {
			closeAll()
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.Unix, err)
		}
		lns = append(lns, listener{Listener: ln, label: labelUnix})
	}

	s.mu.Lock()
	s.listeners = lns
	s.mu.Unlock()

	for _, ln := range lns {
		s.logger.Info().
			Str("listener", ln.label).
			Str("address", ln.Addr().String()).
			Msg("Stream listener ready")
	}
	return nil
}

// Addr returns the bound address for a listener label ("tcp" or
// "unix"), nil when that listener is not configured.
func (s *Server) Addr(label string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		if ln.label == label {
			return ln.Addr()
		}
	}
	return nil
}

// Serve accepts connections on every listener until the context is
// cancelled or Close is called, then waits for in-flight streams to
// drain. Cancellation also tears down running pipelines; Close alone
// lets active transfers finish.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	lns := append([]listener(nil), s.listeners...)
	s.mu.Unlock()
	if len(lns) == 0 {
		return fmt.Errorf("stream server is not listening; call Listen first")
	}

	// The group context only coordinates the accept loops; handlers get
	// the caller's context so Close drains while cancellation aborts.
	g, gctx := errgroup.WithContext(ctx)
	go func() {
		<-gctx.Done()
		s.closeListeners()
	}()
	for _, ln := range lns {
		ln := ln
		g.Go(func() error { return s.acceptLoop(ctx, ln) })
	}
	err := g.Wait()
	s.handlers.Wait()
	return err
}

// Close stops accepting and waits for active streams to finish.
func (s *Server) Close() error {
	s.closeListeners()
	s.handlers.Wait()
	return nil
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to accept on %s listener: %w", ln.label, err)
		}

		// The closed check keeps the waitgroup honest when a connection
		// slips in between Close and the listener actually closing.
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			continue
		}
		s.handlers.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.handlers.Done()
			s.handle(ctx, conn, ln.label)
		}()
	}
}

// handle runs one connection through authentication and into the
// operation the token authorizes.
func (s *Server) handle(ctx context.Context, conn net.Conn, label string) {
	defer conn.Close()
	metrics.StreamConnections.WithLabelValues(label).Inc()
	defer metrics.StreamConnections.WithLabelValues(label).Dec()

	peer := peerAddr(conn)
	lg := s.logger.With().Str("listener", label).Str("peer", peer).Logger()

	_ = conn.SetReadDeadline(time.Now().Add(s.authTimeout))
	id, err := readTokenID(conn)
	if err != nil {
		lg.Debug().Err(err).Msg("Closed connection before authentication")
		return
	}
	lg = lg.With().Str("token_id", preview(id)).Logger()

	tok, err := s.tokens.Validate(ctx, id, peer)
	if err != nil {
		metrics.StreamAuthFailures.Inc()
		lg.Warn().Err(err).Msg("Token validation failed")
		s.reject(conn, err)
		return
	}
	if err := s.tokens.MarkUsed(ctx, id, peer); err != nil {
		metrics.StreamAuthFailures.Inc()
		lg.Warn().Err(err).Msg("Token redemption failed")
		s.reject(conn, err)
		return
	}

	argv, err := commandFor(tok)
	if err != nil {
		lg.Error().Err(err).Msg("Token does not describe a runnable operation")
		s.reject(conn, err)
		return
	}
	command := strings.Join(argv, " ")

	lg = lg.With().
		Str("operation", string(tok.Operation)).
		Str("dataset", tok.Dataset).
		Logger()
	lg.Info().Str("command", command).Msg("Stream authenticated")

	started := reply{
		Status:    statusStarted,
		Operation: string(tok.Operation),
		Dataset:   tok.Dataset,
		Command:   command,
	}
	if tok.Operation == types.OperationSend {
		started.Snapshot = tok.Snapshot
	}
	if err := writeReply(conn, started); err != nil {
		lg.Debug().Err(err).Msg("Client went away before the started reply")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch tok.Operation {
	case types.OperationSend:
		s.serveSend(ctx, conn, argv, lg)
	case types.OperationReceive:
		s.serveReceive(ctx, conn, argv, lg)
	}
}

// reject answers with a failure frame. A store outage reads exactly
// like a bad token so a probing client cannot tell them apart.
func (s *Server) reject(conn net.Conn, err error) {
	msg := types.ErrUnauthorized.Error()
	if errors.Is(err, types.ErrTokenReused) {
		msg = types.ErrTokenReused.Error()
	}
	_ = writeReply(conn, reply{Status: statusFailed, Error: msg})
}

// serveSend spawns the send pipeline and relays its stdout to the
// client as chunk frames. The pipeline writes into a server-owned pipe
// so a vanished client can be answered by closing the read end, which
// stops the tool instead of wedging it against a full pipe.
func (s *Server) serveSend(ctx context.Context, conn net.Conn, argv []string, lg zerolog.Logger) {
	pr, pw, err := os.Pipe()
	if err != nil {
		lg.Error().Err(err).Msg("Failed to allocate stream pipe")
		s.sendTrailer(conn, err.Error(), lg)
		return
	}
	pipeline := &proc.Pipeline{
		Commands: []proc.Command{{Argv: argv}},
		Stdout:   pw,
	}
	h, err := pipeline.Start()
	pw.Close()
	if err != nil {
		pr.Close()
		lg.Error().Err(err).Msg("Failed to spawn send pipeline")
		s.sendTrailer(conn, err.Error(), lg)
		return
	}

	var (
		sent    int64
		connErr error
		done    = make(chan struct{})
	)
	go func() {
		defer close(done)
		sent, connErr = copyFrames(conn, pr)
		if connErr != nil {
			// Unblock the tool so Wait can reap it.
			pr.Close()
		}
	}()

	werr := h.Wait(ctx)
	<-done
	pr.Close()

	if connErr != nil {
		lg.Warn().Err(connErr).Int64("bytes_sent", sent).Msg("Client connection lost mid-stream")
		return
	}
	if werr != nil {
		var perr *proc.PipelineError
		if errors.As(werr, &perr) && perr.Cancelled() {
			lg.Info().Int64("bytes_sent", sent).Msg("Send stream cancelled")
			s.sendTrailer(conn, "transfer cancelled", lg)
			return
		}
		lg.Error().Err(werr).Int64("bytes_sent", sent).Msg("Send pipeline failed")
		s.sendTrailer(conn, werr.Error(), lg)
		return
	}
	if err := writeChunk(conn, nil); err != nil {
		lg.Debug().Err(err).Msg("Client went away before the terminator")
		return
	}
	metrics.BytesTransferred.Add(float64(sent))
	lg.Info().Int64("bytes_sent", sent).Msg("Send stream completed")
}

// sendTrailer terminates the chunk stream and attaches an error frame.
func (s *Server) sendTrailer(conn net.Conn, msg string, lg zerolog.Logger) {
	if err := writeChunk(conn, nil); err != nil {
		lg.Debug().Err(err).Msg("Client went away before the terminator")
		return
	}
	if err := writeChunk(conn, []byte(msg)); err != nil {
		lg.Debug().Err(err).Msg("Client went away before the error frame")
	}
}

// serveReceive spawns the receive pipeline and splices socket bytes
// into its stdin through a server-owned pipe. The client's write
// half-close is the end-of-stream signal; failures after "started"
// surface out of band, the client only observes the close.
func (s *Server) serveReceive(ctx context.Context, conn net.Conn, argv []string, lg zerolog.Logger) {
	pr, pw, err := os.Pipe()
	if err != nil {
		lg.Error().Err(err).Msg("Failed to allocate stream pipe")
		return
	}
	pipeline := &proc.Pipeline{
		Commands: []proc.Command{{Argv: argv}},
		Stdin:    pr,
	}
	h, err := pipeline.Start()
	pr.Close()
	if err != nil {
		pw.Close()
		lg.Error().Err(err).Msg("Failed to spawn receive pipeline")
		return
	}

	var (
		received int64
		connErr  error
		done     = make(chan struct{})
	)
	go func() {
		defer close(done)
		received, connErr = io.Copy(pw, conn)
		// EOF from the client half-close lands here as a nil error;
		// closing the write end tells the tool the stream is complete.
		pw.Close()
	}()

	werr := h.Wait(ctx)
	// Unblock the splice when the pipeline exited first; an idle client
	// would otherwise pin the connection open forever.
	_ = conn.SetReadDeadline(time.Now())
	<-done

	if werr != nil {
		var perr *proc.PipelineError
		if errors.As(werr, &perr) && perr.Cancelled() {
			lg.Info().Int64("bytes_received", received).Msg("Receive stream cancelled")
			return
		}
		lg.Error().Err(werr).Int64("bytes_received", received).Msg("Receive pipeline failed")
		return
	}
	if connErr != nil {
		lg.Warn().Err(connErr).Int64("bytes_received", received).Msg("Client connection lost mid-receive")
		return
	}
	metrics.BytesTransferred.Add(float64(received))
	lg.Info().Int64("bytes_received", received).Msg("Receive stream completed")
}

// preview truncates token ids for logging.
func preview(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
