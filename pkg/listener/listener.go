// Package listener receives fire-and-forget text commands on a UDP socket
// and hands each "process" request to its own worker goroutine.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"fitsproc/internal/models"
)

const maxDatagram = 64 * 1024

// Processor handles one file. pipeline.Worker implements it.
type Processor interface {
	Process(ctx context.Context, path string) models.ProcessingOutcome
}

// Options tune worker dispatch.
type Options struct {
	// MaxConcurrent bounds running workers; 0 is unbounded
	MaxConcurrent int
	// DrainOnStop makes Serve wait for in-flight workers before returning
	DrainOnStop  bool
	DrainTimeout time.Duration
}

// Listener owns the command socket.
type Listener struct {
	conn   net.PacketConn
	proc   Processor
	opts   Options
	sem    chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger
}

// Listen binds addr ("host:port") and returns a Listener on it.
func Listen(addr string, proc Processor, opts Options, logger *slog.Logger) (*Listener, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	return New(conn, proc, opts, logger), nil
}

// New wraps an already bound connection.
func New(conn net.PacketConn, proc Processor, opts Options, logger *slog.Logger) *Listener {
	l := &Listener{
		conn:   conn,
		proc:   proc,
		opts:   opts,
		logger: logger.With("component", "listener"),
	}
	if opts.MaxConcurrent > 0 {
		l.sem = make(chan struct{}, opts.MaxConcurrent)
	}
	return l
}

// Addr is the bound local address.
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Close releases the socket.
func (l *Listener) Close() error {
	return l.conn.Close()
}

// Wait blocks until every dispatched worker has returned.
func (l *Listener) Wait() {
	l.wg.Wait()
}

// Serve receives commands until a stop command arrives or ctx is done.
// Both end the loop with a nil error. Receiving never waits on workers.
func (l *Listener) Serve(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// unblock ReadFrom
			l.conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	l.logger.Info("listening for commands", "addr", l.Addr().String())
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info("shutting down", "reason", ctx.Err())
				l.finish()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("socket closed: %w", err)
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("failed to receive: %w", err)
		}

		cmd := ParseCommand(buf[:n])
		switch cmd.Verb {
		case VerbProcess:
			if cmd.Arg == "" {
				l.logger.Warn("process command without a path", "from", from.String())
				continue
			}
			l.logger.Debug("process command received", "path", cmd.Arg, "from", from.String())
			l.dispatch(ctx, cmd.Arg)
		case VerbStop:
			l.logger.Info("stop command received", "from", from.String())
			l.finish()
			return nil
		default:
			if cmd.Name != "" {
				l.logger.Error("unknown command", "verb", cmd.Name, "from", from.String())
			}
		}
	}
}

// dispatch starts a worker for path. A configured bound is enforced inside
// the goroutine so the receive loop returns at once.
func (l *Listener) dispatch(ctx context.Context, path string) {
	wctx := context.WithoutCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if l.sem != nil {
			l.sem <- struct{}{}
			defer func() { <-l.sem }()
		}
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("worker panicked", "path", path, "panic", r)
			}
		}()
		l.proc.Process(wctx, path)
	}()
}

func (l *Listener) finish() {
	if !l.opts.DrainOnStop {
		return
	}
	drained := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(drained)
	}()

	timeout := l.opts.DrainTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-drained:
		l.logger.Info("in-flight workers drained")
	case <-timer.C:
		l.logger.Warn("drain timed out, exiting with workers in flight", "timeout", timeout)
	}
}
