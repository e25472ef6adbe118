package tgc

import (
	"encoding/binary"
	"io"

	jsoniter "github.com/json-iterator/go"
)

// LocatorProtocolVersion prefixes every locator request.
const LocatorProtocolVersion int32 = 1001

// ReplySSLEnabled is the first reply byte of a locator that only accepts SSL clients.
const ReplySSLEnabled byte = 21

// MaxLocatorReplySize bounds a locator reply.
const MaxLocatorReplySize = 64 * 1024

const locatorObjectHeaderSize = 5

// LocatorObjectType is the one byte type id in front of every locator request and response.
// 21 is reserved for ReplySSLEnabled.
type LocatorObjectType byte

// Locator object type ids.
const (
	TypeGetAllServersRequest     LocatorObjectType = 1
	TypeGetAllServersResponse    LocatorObjectType = 2
	TypeQueueConnectionRequest   LocatorObjectType = 3
	TypeQueueConnectionResponse  LocatorObjectType = 4
	TypeClientConnectionRequest  LocatorObjectType = 5
	TypeClientReplacementRequest LocatorObjectType = 6
	TypeClientConnectionResponse LocatorObjectType = 7
	TypeLocatorListRequest       LocatorObjectType = 8
	TypeLocatorListResponse      LocatorObjectType = 9
)

// LocatorObject is a request or response exchanged with a locator.
type LocatorObject interface {
	ObjectType() LocatorObjectType
}

// GetAllServersRequest asks for every server of a group.
type GetAllServersRequest struct {
	ServerGroup string `json:"ServerGroup"`
}

// GetAllServersResponse lists servers.
type GetAllServersResponse struct {
	Servers []ServerLocation `json:"Servers"`
}

// QueueConnectionRequest asks for subscription endpoints.
type QueueConnectionRequest struct {
	MembershipID    string           `json:"MembershipID"`
	ExcludedServers []ServerLocation `json:"ExcludedServers"`
	Redundancy      int              `json:"Redundancy"`
	FindDurable     bool             `json:"FindDurable"`
	ServerGroup     string           `json:"ServerGroup"`
}

// QueueConnectionResponse lists subscription endpoints.
type QueueConnectionResponse struct {
	DurableQueueFound bool             `json:"DurableQueueFound"`
	Servers           []ServerLocation `json:"Servers"`
}

// ClientConnectionRequest asks for the least loaded server.
type ClientConnectionRequest struct {
	ExcludedServers []ServerLocation `json:"ExcludedServers"`
	ServerGroup     string           `json:"ServerGroup"`
}

// ClientReplacementRequest asks whether CurrentServer should be swapped for a less loaded one.
type ClientReplacementRequest struct {
	CurrentServer   ServerLocation   `json:"CurrentServer"`
	ExcludedServers []ServerLocation `json:"ExcludedServers"`
	ServerGroup     string           `json:"ServerGroup"`
}

// ClientConnectionResponse carries the chosen server, if any.
type ClientConnectionResponse struct {
	ServerFound bool           `json:"ServerFound"`
	Server      ServerLocation `json:"Server"`
}

// LocatorListRequest asks for the current locators.
type LocatorListRequest struct {
	ServerGroup string `json:"ServerGroup"`
}

// LocatorListResponse lists locators.
type LocatorListResponse struct {
	Locators   []ServerLocation `json:"Locators"`
	IsBalanced bool             `json:"IsBalanced"`
}

func (*GetAllServersRequest) ObjectType() LocatorObjectType     { return TypeGetAllServersRequest }
func (*GetAllServersResponse) ObjectType() LocatorObjectType    { return TypeGetAllServersResponse }
func (*QueueConnectionRequest) ObjectType() LocatorObjectType   { return TypeQueueConnectionRequest }
func (*QueueConnectionResponse) ObjectType() LocatorObjectType  { return TypeQueueConnectionResponse }
func (*ClientConnectionRequest) ObjectType() LocatorObjectType  { return TypeClientConnectionRequest }
func (*ClientReplacementRequest) ObjectType() LocatorObjectType { return TypeClientReplacementRequest }
func (*ClientConnectionResponse) ObjectType() LocatorObjectType { return TypeClientConnectionResponse }
func (*LocatorListRequest) ObjectType() LocatorObjectType       { return TypeLocatorListRequest }
func (*LocatorListResponse) ObjectType() LocatorObjectType      { return TypeLocatorListResponse }

func newLocatorObject(objType LocatorObjectType) LocatorObject {
	switch objType {
	case TypeGetAllServersRequest:
		return &GetAllServersRequest{}
	case TypeGetAllServersResponse:
		return &GetAllServersResponse{}
	case TypeQueueConnectionRequest:
		return &QueueConnectionRequest{}
	case TypeQueueConnectionResponse:
		return &QueueConnectionResponse{}
	case TypeClientConnectionRequest:
		return &ClientConnectionRequest{}
	case TypeClientReplacementRequest:
		return &ClientReplacementRequest{}
	case TypeClientConnectionResponse:
		return &ClientConnectionResponse{}
	case TypeLocatorListRequest:
		return &LocatorListRequest{}
	case TypeLocatorListResponse:
		return &LocatorListResponse{}
	default:
		return nil
	}
}

// MarshalLocatorObject encodes obj as [type][uint32 length][json body].
func MarshalLocatorObject(obj LocatorObject) ([]byte, error) {

	var json = jsoniter.ConfigFastest
	body, err := json.Marshal(obj)
	if err != nil {
		return nil, newError(KindProtocol, "MarshalLocatorObject", ErrMalformedMessage, err, "encoding type %d", obj.ObjectType())
	}

	buf := make([]byte, locatorObjectHeaderSize+len(body))
	buf[0] = byte(obj.ObjectType())
	binary.BigEndian.PutUint32(buf[1:locatorObjectHeaderSize], uint32(len(body)))
	copy(buf[locatorObjectHeaderSize:], body)

	return buf, nil
}

// UnmarshalLocatorObject decodes a buffer produced by MarshalLocatorObject.
// An unknown type id or a truncated buffer is ErrProtocol; an undecodable body is ErrMalformedMessage.
func UnmarshalLocatorObject(buf []byte) (LocatorObject, error) {

	if len(buf) < locatorObjectHeaderSize {
		return nil, protocolError("UnmarshalLocatorObject", "short locator object of %d bytes", len(buf))
	}

	obj := newLocatorObject(LocatorObjectType(buf[0]))
	if obj == nil {
		return nil, protocolError("UnmarshalLocatorObject", "unknown locator object type %d", buf[0])
	}

	length := binary.BigEndian.Uint32(buf[1:locatorObjectHeaderSize])
	if uint64(length) > uint64(len(buf)-locatorObjectHeaderSize) {
		return nil, protocolError("UnmarshalLocatorObject", "locator object length %d exceeds buffer", length)
	}

	var json = jsoniter.ConfigFastest
	body := buf[locatorObjectHeaderSize : locatorObjectHeaderSize+int(length)]
	if err := json.Unmarshal(body, obj); err != nil {
		return nil, newError(KindProtocol, "UnmarshalLocatorObject", ErrMalformedMessage, err, "decoding type %d", buf[0])
	}

	return obj, nil
}

// WriteLocatorRequest writes the protocol version followed by req.
func WriteLocatorRequest(w io.Writer, req LocatorObject) error {

	frame, err := locatorRequestFrame(req)
	if err != nil {
		return err
	}

	_, err = w.Write(frame)
	return err
}

// ReadLocatorRequest reads a request written by WriteLocatorRequest. Used by locator implementations.
func ReadLocatorRequest(r io.Reader) (LocatorObject, error) {

	var version int32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, err
	}

	if version != LocatorProtocolVersion {
		return nil, protocolError("ReadLocatorRequest", "unsupported locator protocol version %d", version)
	}

	return ReadLocatorObject(r)
}

// ReadLocatorObject reads one [type][length][body] object from r.
func ReadLocatorObject(r io.Reader) (LocatorObject, error) {

	header := make([]byte, locatorObjectHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[1:])
	if length > MaxLocatorReplySize {
		return nil, protocolError("ReadLocatorObject", "locator object length %d too large", length)
	}

	buf := make([]byte, locatorObjectHeaderSize+int(length))
	copy(buf, header)
	if _, err := io.ReadFull(r, buf[locatorObjectHeaderSize:]); err != nil {
		return nil, err
	}

	return UnmarshalLocatorObject(buf)
}

func locatorRequestFrame(req LocatorObject) ([]byte, error) {

	obj, err := MarshalLocatorObject(req)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, 4, 4+len(obj))
	binary.BigEndian.PutUint32(frame, uint32(LocatorProtocolVersion))

	return append(frame, obj...), nil
}
