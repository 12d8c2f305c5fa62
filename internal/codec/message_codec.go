// Package codec carries bridge calls over kitex transports.
//
// Requests become Call frames whose command is resolved from the RPC method
// through protocol.MapMethodToCommand. Replies carry the host status.
package codec

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/cloudwego/kitex/pkg/remote"

	"github.com/gogogo1024/keybridge/protocol"
)

// Tag keys set on decoded messages.
const (
	TagCommand   = "keybridge.command"
	TagRequestID = "keybridge.request_id"
	TagFlags     = "keybridge.flags"
	TagStatus    = "keybridge.status"
)

var (
	ErrEmptyInput      = errors.New("empty input")
	ErrIncompleteFrame = errors.New("incomplete frame")
)

type MessageCodec struct{}

var _ remote.Codec = (*MessageCodec)(nil)

// NewMessageCodec returns a codec with the host method bindings installed.
func NewMessageCodec() *MessageCodec {
	protocol.RegisterHostMethods()
	return &MessageCodec{}
}

func (c *MessageCodec) Name() string { return "keybridge" }

func (c *MessageCodec) Encode(
	ctx context.Context,
	msg remote.Message,
	out remote.ByteBuffer,
) error {
	inv := msg.RPCInfo().Invocation()

	flags := uint8(0)
	if tags := msg.Tags(); tags != nil {
		flags = parseFlags(tags[TagFlags])
	}

	var body []byte
	if msg.MessageType() == remote.Reply {
		status, err := replyStatus(msg.Data())
		if err != nil {
			return err
		}
		body = protocol.EncodeReply(&protocol.Reply{RequestID: uint64(inv.SeqID()), Status: status})
	} else {
		fullMethod := fmt.Sprintf("%s.%s", inv.ServiceName(), inv.MethodName())
		cmd, err := protocol.MapMethodToCommand(fullMethod)
		if err != nil {
			return err
		}
		payload, err := callPayload(msg.Data())
		if err != nil {
			return err
		}
		body, err = protocol.EncodeCall(&protocol.Call{
			RequestID: uint64(inv.SeqID()),
			Name:      cmd,
			Payload:   payload,
		})
		if err != nil {
			return err
		}
		if msg.MessageType() == remote.Oneway {
			flags |= protocol.FlagOneWay
		}
	}

	frameFlags, frameBody, err := protocol.EncodeFrameBody(flags, body)
	if err != nil {
		return err
	}
	frameBytes, err := protocol.Encode(&protocol.Frame{Flags: frameFlags, Body: frameBody})
	if err != nil {
		return err
	}
	_, err = out.WriteBinary(frameBytes)
	return err
}

func (c *MessageCodec) Decode(
	ctx context.Context,
	msg remote.Message,
	in remote.ByteBuffer,
) error {
	readable := in.ReadableLen()
	if readable <= 0 {
		return ErrEmptyInput
	}
	buf := make([]byte, readable)
	n, err := in.ReadBinary(buf)
	if err != nil {
		return err
	}
	buf = buf[:n]

	frame, _, err := protocol.Decode(buf)
	if err != nil {
		return err
	}
	if frame == nil {
		return ErrIncompleteFrame
	}
	body, err := protocol.DecodeFrameBody(frame)
	if err != nil {
		return err
	}

	tags := msg.Tags()
	if tags != nil {
		tags[TagFlags] = frame.Flags
	}

	if msg.MessageType() == remote.Reply {
		reply, err := protocol.DecodeReply(body)
		if err != nil {
			return err
		}
		switch d := msg.Data().(type) {
		case *int32:
			if d != nil {
				*d = reply.Status
			}
		case *any:
			if d != nil {
				*d = reply.Status
			}
		}
		if tags != nil {
			tags[TagRequestID] = reply.RequestID
			tags[TagStatus] = reply.Status
		}
		return nil
	}

	call, err := protocol.DecodeCall(body)
	if err != nil {
		return err
	}
	switch d := msg.Data().(type) {
	case *[]byte:
		if d != nil {
			*d = call.Payload
		}
	case *any:
		if d != nil {
			*d = call.Payload
		}
	}
	msg.SetPayloadLen(len(call.Payload))
	if tags != nil {
		tags[TagCommand] = call.Name
		tags[TagRequestID] = call.RequestID
	}
	return nil
}

func callPayload(data any) ([]byte, error) {
	switch v := data.(type) {
	case []byte:
		return v, nil
	case *[]byte:
		if v != nil {
			return *v, nil
		}
		return nil, nil
	case string:
		return []byte(v), nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported kitex message data type: %T", v)
	}
}

func replyStatus(data any) (int32, error) {
	switch v := data.(type) {
	case int32:
		return v, nil
	case *int32:
		if v != nil {
			return *v, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unsupported kitex reply data type: %T", v)
	}
}

func parseFlags(v any) uint8 {
	switch x := v.(type) {
	case uint8:
		return x
	case uint16:
		return uint8(x)
	case uint32:
		return uint8(x)
	case uint64:
		return uint8(x)
	case int:
		return uint8(x)
	case int32:
		return uint8(x)
	case int64:
		return uint8(x)
	case string:
		// Accept "0x.." or decimal.
		if u, err := strconv.ParseUint(x, 0, 8); err == nil {
			return uint8(u)
		}
		return 0
	default:
		return 0
	}
}
