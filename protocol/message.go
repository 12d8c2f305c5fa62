package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// CallHeaderLen is RequestID(uint64) + NameLen(uint16).
const CallHeaderLen = 8 + 2

// ReplyLen is RequestID(uint64) + Status(int32).
const ReplyLen = 8 + 4

// Call is one host command dispatch carried over the link.
type Call struct {
	RequestID uint64
	Name      string
	Payload   []byte
}

// Reply carries the status the dispatcher returned for a Call.
type Reply struct {
	RequestID uint64
	Status    int32
}

func EncodeCall(c *Call) ([]byte, error) {
	if c.Name == "" {
		return nil, errors.New("call name is empty")
	}
	if len(c.Name) > math.MaxUint16 {
		return nil, fmt.Errorf("call name too long: %d bytes", len(c.Name))
	}
	buf := make([]byte, CallHeaderLen+len(c.Name)+len(c.Payload))
	binary.BigEndian.PutUint64(buf[0:8], c.RequestID)
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(c.Name)))
	n := copy(buf[CallHeaderLen:], c.Name)
	copy(buf[CallHeaderLen+n:], c.Payload)
	return buf, nil
}

// DecodeCall parses a call body. Payload aliases data.
func DecodeCall(data []byte) (*Call, error) {
	if len(data) < CallHeaderLen {
		return nil, errors.New("call too short")
	}
	nameLen := int(binary.BigEndian.Uint16(data[8:10]))
	if len(data) < CallHeaderLen+nameLen {
		return nil, errors.New("call name truncated")
	}
	return &Call{
		RequestID: binary.BigEndian.Uint64(data[0:8]),
		Name:      string(data[CallHeaderLen : CallHeaderLen+nameLen]),
		Payload:   data[CallHeaderLen+nameLen:],
	}, nil
}

func EncodeReply(r *Reply) []byte {
	buf := make([]byte, ReplyLen)
	binary.BigEndian.PutUint64(buf[0:8], r.RequestID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(r.Status))
	return buf
}

func DecodeReply(data []byte) (*Reply, error) {
	if len(data) != ReplyLen {
		return nil, fmt.Errorf("reply must be %d bytes, got %d", ReplyLen, len(data))
	}
	return &Reply{
		RequestID: binary.BigEndian.Uint64(data[0:8]),
		Status:    int32(binary.BigEndian.Uint32(data[8:12])),
	}, nil
}
