package net

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"ratatoskr/internal/common"
)

const (
	defaultNWorkers    = 10
	defaultConnTimeout = time.Second
)

var ErrListenerNotStarted = errors.New("command listener not started")

// CommandListener accepts command connections and hands each one to a
// worker pool.
type CommandListener struct {
	address  string
	handler  *CommandHandler
	pool     *WorkerPool[net.Conn]
	listener net.Listener
	t        *tomb.Tomb
}

// NewCommandListener serves exchange on address. Zero workers or timeout
// fall back to the defaults.
func NewCommandListener(address string, exchange common.StockExchange, workers uint, timeout time.Duration) *CommandListener {
	if workers == 0 {
		workers = defaultNWorkers
	}
	if timeout == 0 {
		timeout = defaultConnTimeout
	}
	return &CommandListener{
		address: address,
		handler: NewCommandHandler(exchange, timeout),
		pool:    NewWorkerPool[net.Conn](workers),
	}
}

// Start binds the listening socket and starts accepting in the background.
// It returns once the socket is bound, so Addr is usable straight after.
func (s *CommandListener) Start(ctx context.Context) error {
	// Commands already taken by a worker outlive the tomb; each is bounded by
	// the handler timeout instead.
	commands := context.WithoutCancel(ctx)
	t, ctx := tomb.WithContext(ctx)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.address)
	if err != nil {
		return err
	}
	s.listener = listener
	s.t = t

	s.pool.Setup(t, func(t *tomb.Tomb, conn net.Conn) error {
		s.handler.Handle(commands, conn)
		return nil
	})

	// Closing the socket is what unblocks Accept.
	t.Go(func() error {
		<-t.Dying()
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Error().Err(err).Msg("unable to close listener")
		}
		return nil
	})

	t.Go(func() error {
		return s.accept(t)
	})

	log.Info().Str("address", listener.Addr().String()).Msg("command listener running")
	return nil
}

func (s *CommandListener) accept(t *tomb.Tomb) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !t.Alive() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("error accepting client")
			continue
		}

		log.Debug().Str("address", conn.RemoteAddr().String()).Msg("new command connection")
		if !s.pool.AddTask(t, conn) {
			_ = conn.Close()
			return nil
		}
	}
}

// Run starts the listener and blocks until ctx is done.
func (s *CommandListener) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Shutdown()
}

// Addr is the bound address, or nil before Start.
func (s *CommandListener) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting, lets in-flight commands finish and closes the
// socket. Connections still queued for a worker are closed unanswered.
func (s *CommandListener) Shutdown() error {
	if s.t == nil {
		return ErrListenerNotStarted
	}
	log.Info().Msg("command listener shutting down")
	s.t.Kill(nil)
	err := s.t.Wait()

	for _, conn := range s.pool.Drain() {
		_ = conn.Close()
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
