package codec

import (
	"context"
	"errors"

	"github.com/cloudwego/kitex/pkg/remote"

	keybridge "github.com/gogogo1024/keybridge"
	"github.com/gogogo1024/keybridge/protocol"
)

var ErrNoCommand = errors.New("decoded message carries no command")

// Dispatch runs the Call that Decode stored in msg through d and returns
// the host status.
func Dispatch(d *keybridge.Dispatcher, msg remote.Message) (int32, error) {
	tags := msg.Tags()
	name, _ := tags[TagCommand].(string)
	if name == "" {
		return 0, ErrNoCommand
	}
	data := msg.Data()
	if p, ok := data.(*any); ok && p != nil {
		data = *p
	}
	payload, err := callPayload(data)
	if err != nil {
		return 0, err
	}
	return d.CallName(name, payload), nil
}

// WriteReply writes the Reply frame for a dispatched call to out. The reply
// is compressed when the call was; one-way calls write nothing.
func WriteReply(msg remote.Message, status int32, out remote.ByteBuffer) error {
	tags := msg.Tags()
	flags := parseFlags(tags[TagFlags])
	if flags&protocol.FlagOneWay != 0 {
		return nil
	}
	id, _ := tags[TagRequestID].(uint64)
	reply := protocol.EncodeReply(&protocol.Reply{RequestID: id, Status: status})
	flags, body, err := protocol.EncodeFrameBody(flags&protocol.FlagCompressed, reply)
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(&protocol.Frame{Flags: flags, Body: body})
	if err != nil {
		return err
	}
	_, err = out.WriteBinary(frame)
	return err
}

// ServeCall decodes one Call from in into msg, dispatches it through d and
// writes the Reply to out.
func (c *MessageCodec) ServeCall(ctx context.Context, d *keybridge.Dispatcher, msg remote.Message, in, out remote.ByteBuffer) (int32, error) {
	if err := c.Decode(ctx, msg, in); err != nil {
		return 0, err
	}
	status, err := Dispatch(d, msg)
	if err != nil {
		return 0, err
	}
	return status, WriteReply(msg, status, out)
}
