package keybridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gogogo1024/keybridge/protocol"
)

var (
	ErrBufferQuota = errors.New("keybridge: connection buffer quota exceeded")
	ErrRateLimited = errors.New("keybridge: call rate limit exceeded")
)

// HandleConn serves framed dispatch calls from one remote host connection
// with the default timeouts.
func HandleConn(ctx context.Context, conn net.Conn, d *Dispatcher) error {
	o := defaultServeOptions()
	return handleConn(ctx, conn, d, o.idleTimeout, o.writeTimeout)
}

func handleConn(ctx context.Context, conn net.Conn, d *Dispatcher, idleTimeout, writeTimeout time.Duration) error {
	if d == nil {
		return errors.New("keybridge: nil dispatcher")
	}

	state := &connHandlerState{
		cc:  NewConnContext(),
		buf: make([]byte, 0, 8*1024),
		tmp: make([]byte, 4*1024),
	}
	defer func() { state.cc.Release(len(state.buf)) }()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := readIntoBuffer(ctx, conn, state, idleTimeout); err != nil {
			if errors.Is(err, io.EOF) || isTimeout(err) {
				return nil
			}
			return err
		}
		if err := processBufferedFrames(conn, state, d, writeTimeout); err != nil {
			return err
		}
	}
}

type connHandlerState struct {
	cc  *ConnContext
	buf []byte
	tmp []byte
}

func readIntoBuffer(ctx context.Context, conn net.Conn, state *connHandlerState, idleTimeout time.Duration) error {
	var deadline time.Time
	if idleTimeout > 0 {
		deadline = time.Now().Add(idleTimeout)
	}
	_ = conn.SetReadDeadline(deadline)
	// Shutdown may have moved the deadline just before it was reset above.
	if ctx.Err() != nil {
		return io.EOF
	}

	n, err := conn.Read(state.tmp)
	if n > 0 {
		if !state.cc.Reserve(n) {
			state.cc.Release(n)
			return ErrBufferQuota
		}
		state.buf = append(state.buf, state.tmp[:n]...)
	}
	return err
}

func processBufferedFrames(conn net.Conn, state *connHandlerState, d *Dispatcher, writeTimeout time.Duration) error {
	consumed := 0

	for {
		frame, frameLen, err := protocol.Decode(state.buf[consumed:])
		if err != nil {
			return err
		}
		if frame == nil {
			break
		}
		if err := handleFrame(conn, state, d, frame, writeTimeout); err != nil {
			return err
		}
		consumed += frameLen
	}

	if consumed > 0 {
		state.cc.Release(consumed)
		copy(state.buf, state.buf[consumed:])
		state.buf = state.buf[:len(state.buf)-consumed]
	}
	return nil
}

func handleFrame(conn net.Conn, state *connHandlerState, d *Dispatcher, frame *protocol.Frame, writeTimeout time.Duration) error {
	if !state.cc.Allow() {
		return ErrRateLimited
	}

	body, err := protocol.DecodeFrameBody(frame)
	if err != nil {
		return err
	}
	call, err := protocol.DecodeCall(body)
	if err != nil {
		return fmt.Errorf("decode call: %w", err)
	}

	status := d.CallName(call.Name, call.Payload)
	if frame.Flags&protocol.FlagOneWay != 0 {
		return nil
	}

	reply := protocol.EncodeReply(&protocol.Reply{RequestID: call.RequestID, Status: status})
	flags, replyBody, err := protocol.EncodeFrameBody(frame.Flags&protocol.FlagCompressed, reply)
	if err != nil {
		return err
	}
	out, err := protocol.Encode(&protocol.Frame{Flags: flags, Body: replyBody})
	if err != nil {
		return err
	}
	return writeAll(conn, out, writeTimeout)
}

// writeAll writes data under an optional deadline and always clears the
// deadline afterwards.
func writeAll(conn net.Conn, data []byte, timeout time.Duration) error {
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()

	for len(data) > 0 {
		n, err := conn.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
