package worker

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
)

// Built-in entry point names.
const (
	EntryEcho    = "echo"
	EntryTCPEcho = "tcp-echo"
)

func init() {
	Register(EntryEcho, func() EntryPoint { return &echoEntry{} })
	Register(EntryTCPEcho, func() EntryPoint { return &tcpEchoEntry{} })
}

// echoEntry is a JOB entry point that returns every payload unchanged.
type echoEntry struct{}

func (e *echoEntry) Initialize(*Worker) error { return nil }

func (e *echoEntry) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (e *echoEntry) HandleJob(_ context.Context, data []byte) ([]byte, error) {
	return data, nil
}

// tcpEchoEntry is a REACTOR entry point that echoes bytes on every address
// its group listens on.
type tcpEchoEntry struct {
	w         *Worker
	listeners []net.Listener
}

func (e *tcpEchoEntry) Initialize(w *Worker) error {
	e.w = w
	ctx, cancel := context.WithTimeout(w.Context(), 10*time.Second)
	defer cancel()
	for _, addr := range w.Group().Listen {
		ln, err := w.Listen(ctx, addr)
		if err != nil {
			return err
		}
		e.listeners = append(e.listeners, ln)
	}
	return nil
}

func (e *tcpEchoEntry) Run(ctx context.Context) error {
	var wg conc.WaitGroup
	for _, ln := range e.listeners {
		wg.Go(func() { e.serve(ctx, ln) })
	}
	<-ctx.Done()
	for _, ln := range e.listeners {
		ln.Close()
	}
	wg.Wait()
	return nil
}

func (e *tcpEchoEntry) serve(ctx context.Context, ln net.Listener) {
	var (
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
		wg    conc.WaitGroup
	)
	defer func() {
		mu.Lock()
		for c := range conns {
			c.Close()
		}
		mu.Unlock()
		wg.Wait()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				e.w.Logger().Warn("accept failed", "address", ln.Addr().String(), "error", err)
			}
			return
		}
		mu.Lock()
		conns[conn] = struct{}{}
		mu.Unlock()
		wg.Go(func() {
			defer func() {
				mu.Lock()
				delete(conns, conn)
				mu.Unlock()
				conn.Close()
			}()
			_, _ = io.Copy(conn, conn)
		})
	}
}
