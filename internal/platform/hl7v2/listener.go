package hl7v2

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPollInterval is how long one Accept call may block before the
// accept loop checks whether it has been stopped.
const DefaultPollInterval = time.Second

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	Addr           string
	PollInterval   time.Duration
	IdleTimeout    time.Duration // 0 keeps idle connections open
	MaxMessageSize int
}

// Listener owns the MLLP accept loop. Start, Stop and Status only signal;
// the loop runs in its own goroutine and each accepted connection is
// served by another one.
type Listener struct {
	cfg    ListenerConfig
	conns  *connServer
	logger zerolog.Logger

	mu        sync.Mutex
	running   bool
	gen       uint64
	done      chan struct{} // closed when the loop of generation gen exits
	boundAddr string
}

// NewListener creates a stopped listener.
func NewListener(cfg ListenerConfig, handler MessageHandler, logger zerolog.Logger) *Listener {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	logger = logger.With().Str("component", "mllp").Logger()
	return &Listener{
		cfg:    cfg,
		logger: logger,
		conns: &connServer{
			handler:        handler,
			logger:         logger,
			maxMessageSize: cfg.MaxMessageSize,
			idleTimeout:    cfg.IdleTimeout,
		},
	}
}

// Start launches the accept loop in the background and returns true, or
// returns false when the listener is already running. If a previous loop
// is still shutting down, the new one binds once it has released the port.
func (l *Listener) Start() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return false
	}
	l.running = true
	l.gen++
	prev := l.done
	done := make(chan struct{})
	l.done = done

	go l.run(l.gen, prev, done)
	return true
}

// Stop asks the accept loop to exit. The socket is closed by the loop itself
// on its next poll tick.
func (l *Listener) Stop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = false
	return true
}

// Status reports whether the listener is running.
func (l *Listener) Status() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Addr returns the bound address, or "" while no socket is open. It is
// mostly useful when the listener was configured with port 0.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.boundAddr
}

// Shutdown stops the listener and waits for the loop and its connections
// to finish, or for ctx to expire.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.Stop()

	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) active(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running && l.gen == gen
}

func (l *Listener) setBound(addr string) {
	l.mu.Lock()
	l.boundAddr = addr
	l.mu.Unlock()
}

func (l *Listener) bindFailed(gen uint64) {
	l.mu.Lock()
	if l.gen == gen {
		l.running = false
	}
	l.mu.Unlock()
}

type deadlineListener interface {
	net.Listener
	SetDeadline(t time.Time) error
}

// minAcceptBackoff is the first wait after a failed Accept.
const minAcceptBackoff = 5 * time.Millisecond

// acceptBackoff doubles the previous wait after a failed Accept, starting
// at minAcceptBackoff and capped at max.
func acceptBackoff(prev, max time.Duration) time.Duration {
	next := prev * 2
	if next < minAcceptBackoff {
		next = minAcceptBackoff
	}
	if next > max {
		next = max
	}
	return next
}

// run is the accept loop of one generation.
func (l *Listener) run(gen uint64, prev <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	if prev != nil {
		<-prev
	}
	if !l.active(gen) {
		return
	}

	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		l.logger.Error().Err(err).Str("addr", l.cfg.Addr).Msg("mllp: failed to listen")
		l.bindFailed(gen)
		return
	}
	dl, ok := ln.(deadlineListener)
	if !ok {
		l.logger.Error().Str("addr", l.cfg.Addr).Msg("mllp: listener does not support deadlines")
		ln.Close()
		l.bindFailed(gen)
		return
	}

	l.setBound(ln.Addr().String())
	l.logger.Info().Str("addr", ln.Addr().String()).Msg("mllp: listening")

	ctx, cancel := context.WithCancel(context.Background())
	var (
		wg      sync.WaitGroup
		connsMu sync.Mutex
		conns   = make(map[net.Conn]struct{})
	)

	var delay time.Duration
	for l.active(gen) {
		dl.SetDeadline(time.Now().Add(l.cfg.PollInterval))
		conn, err := dl.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			delay = acceptBackoff(delay, l.cfg.PollInterval)
			l.logger.Warn().Err(err).Dur("retry_in", delay).Msg("mllp: accept error")
			time.Sleep(delay)
			continue
		}
		delay = 0

		connsMu.Lock()
		conns[conn] = struct{}{}
		connsMu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				connsMu.Lock()
				delete(conns, conn)
				connsMu.Unlock()
			}()
			l.conns.serve(ctx, conn)
		}()
	}

	ln.Close()
	l.setBound("")

	connsMu.Lock()
	for conn := range conns {
		conn.Close()
	}
	connsMu.Unlock()

	wg.Wait()
	cancel()
	l.logger.Info().Str("addr", l.cfg.Addr).Msg("mllp: stopped")
}
