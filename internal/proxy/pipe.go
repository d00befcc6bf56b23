package proxy

import (
	"context"
	"errors"
	"io"
	"net"

	"golang.org/x/sync/errgroup"
)

type closeWriter interface {
	CloseWrite() error
}

// pipe copies bytes both ways between client and backend. When one side
// finishes sending, the write half of the other side is closed so the peer
// sees EOF while the opposite direction keeps flowing. pipe returns after
// both directions end, or as soon as either fails, and leaves both
// connections closed.
func pipe(ctx context.Context, client, backend net.Conn) (toBackend, toClient int64, err error) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n, err := io.Copy(backend, client)
		toBackend = n
		if err != nil {
			return err
		}
		return closeWrite(backend)
	})
	g.Go(func() error {
		n, err := io.Copy(client, backend)
		toClient = n
		if err != nil {
			return err
		}
		return closeWrite(client)
	})

	stop := make(chan struct{})
	go func() {
		select {
		case <-gctx.Done():
		case <-stop:
		}
		client.Close()
		backend.Close()
	}()

	err = g.Wait()
	close(stop)
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return toBackend, toClient, err
}

func closeWrite(conn net.Conn) error {
	if cw, ok := conn.(closeWriter); ok {
		if err := cw.CloseWrite(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	}
	return conn.Close()
}
