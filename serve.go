package keybridge

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ListenAndServe accepts remote host connections on addr and forwards their
// calls to d. An empty addr falls back to WithAddr and then ":9100".
func ListenAndServe(ctx context.Context, addr string, d *Dispatcher, opts ...ServeOption) error {
	listener, err := net.Listen("tcp", normalizeAddr(addr, opts))
	if err != nil {
		return err
	}
	return ServeWithContext(ctx, listener, d, opts...)
}

// Serve handles accepted connections from an existing listener until it is closed.
func Serve(listener net.Listener, d *Dispatcher, opts ...ServeOption) error {
	return ServeWithContext(context.Background(), listener, d, opts...)
}

// ServeWithContext is Serve that stops when ctx is done. It closes the
// listener, waits for open connections to finish and returns nil.
func ServeWithContext(ctx context.Context, listener net.Listener, d *Dispatcher, opts ...ServeOption) error {
	if d == nil {
		return errors.New("keybridge: nil dispatcher")
	}
	o := applyServeOptions(opts)
	log := o.logger.With(zap.String("addr", listener.Addr().String()))

	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			backoff = nextAcceptBackoff(backoff)
			log.Warn("accept error", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			defer c.Close()
			unblock := context.AfterFunc(ctx, func() { _ = c.SetReadDeadline(time.Now()) })
			defer unblock()
			if err := handleConn(ctx, c, d, o.idleTimeout, o.writeTimeout); err != nil {
				log.Warn("conn error", zap.String("remote", c.RemoteAddr().String()), zap.Error(err))
			}
		}(conn)
	}
}

func nextAcceptBackoff(cur time.Duration) time.Duration {
	if cur <= 0 {
		return 5 * time.Millisecond
	}
	cur *= 2
	if cur > time.Second {
		return time.Second
	}
	return cur
}
