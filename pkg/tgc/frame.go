package tgc

import (
	"encoding/binary"
	"io"
)

// MessageType tags every frame exchanged with a server.
type MessageType byte

// Server frame types.
const (
	MessageRequest     MessageType = 1
	MessageReply       MessageType = 2
	MessagePing        MessageType = 3
	MessagePingReply   MessageType = 4
	MessageCredentials MessageType = 5
	MessageAuthFailure MessageType = 6
	MessageException   MessageType = 7
)

// MaxFrameSize bounds the type byte plus payload of a server frame.
const MaxFrameSize = 64 << 20

const frameHeaderSize = 5

func (mt MessageType) String() string {
	switch mt {
	case MessageRequest:
		return "request"
	case MessageReply:
		return "reply"
	case MessagePing:
		return "ping"
	case MessagePingReply:
		return "ping-reply"
	case MessageCredentials:
		return "credentials"
	case MessageAuthFailure:
		return "auth-failure"
	case MessageException:
		return "exception"
	default:
		return "unknown"
	}
}

// EncodeFrame writes [uint32 length][type][payload] to w in a single write.
func EncodeFrame(w io.Writer, msgType MessageType, payload []byte) error {

	frame, err := appendFrame(nil, msgType, payload)
	if err != nil {
		return err
	}

	_, err = w.Write(frame)
	return err
}

// DecodeFrame reads one frame from r. A length outside (0, MaxFrameSize] or an unknown type is ErrProtocol.
func DecodeFrame(r io.Reader) (MessageType, []byte, error) {

	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(header[:4])
	if length == 0 || length > MaxFrameSize {
		return 0, nil, protocolError("DecodeFrame", "frame length %d out of range", length)
	}

	msgType := MessageType(header[4])
	if msgType < MessageRequest || msgType > MessageException {
		return 0, nil, protocolError("DecodeFrame", "unknown message type %d", header[4])
	}

	payload := make([]byte, length-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}

	return msgType, payload, nil
}

func appendFrame(dst []byte, msgType MessageType, payload []byte) ([]byte, error) {

	if len(payload)+1 > MaxFrameSize {
		return nil, illegalArgument("EncodeFrame", "payload of %d bytes exceeds max frame size", len(payload))
	}

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(payload)+1))
	header[4] = byte(msgType)

	dst = append(dst, header[:]...)
	return append(dst, payload...), nil
}
