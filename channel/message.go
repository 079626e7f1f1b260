package channel

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/nexusreplay/core"
	"github.com/google/uuid"
)

// encodeBuffers stages variable-length payload encoding. Encoded bytes are
// copied out before the buffer goes back to the pool.
var encodeBuffers = core.NewGenericPool(func() *bytes.Buffer { return new(bytes.Buffer) })

func finishEncode(buf *bytes.Buffer) []byte {
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	buf.Reset()
	encodeBuffers.Put(buf)
	return out
}

// MessageType identifies a channel message.
type MessageType uint16

const (
	// MsgIntroduction is the first message on every channel, in either
	// direction, identifying the peer.
	MsgIntroduction MessageType = iota + 1

	// Supervisor to child.
	MsgPing
	MsgTerminate
	MsgCrash
	MsgCreateCheckpoint
	MsgRecordingData
	MsgSharedKeyResponse
	MsgExternalCallResponse

	// Child to supervisor.
	MsgPingResponse
	MsgRecordingDataRequest
	MsgFatalError
	MsgCriticalError
	MsgUnhandledDivergence
	MsgLogText
	MsgSharedKeyRequest
	MsgSharedKeySet
	MsgExternalCallRequest
)

func (t MessageType) String() string {
	switch t {
	case MsgIntroduction:
		return "Introduction"
	case MsgPing:
		return "Ping"
	case MsgTerminate:
		return "Terminate"
	case MsgCrash:
		return "Crash"
	case MsgCreateCheckpoint:
		return "CreateCheckpoint"
	case MsgRecordingData:
		return "RecordingData"
	case MsgSharedKeyResponse:
		return "SharedKeyResponse"
	case MsgExternalCallResponse:
		return "ExternalCallResponse"
	case MsgPingResponse:
		return "PingResponse"
	case MsgRecordingDataRequest:
		return "RecordingDataRequest"
	case MsgFatalError:
		return "FatalError"
	case MsgCriticalError:
		return "CriticalError"
	case MsgUnhandledDivergence:
		return "UnhandledDivergence"
	case MsgLogText:
		return "LogText"
	case MsgSharedKeyRequest:
		return "SharedKeyRequest"
	case MsgSharedKeySet:
		return "SharedKeySet"
	case MsgExternalCallRequest:
		return "ExternalCallRequest"
	default:
		return fmt.Sprintf("MessageType(%d)", uint16(t))
	}
}

// FlagBulk marks a message whose payload is snappy-compressed on the wire.
const FlagBulk uint16 = 1 << 0

// Message is a framed channel message. ForkID identifies which forked
// process the message concerns; intermediate processes route on it.
type Message struct {
	Type    MessageType
	Flags   uint16
	ForkID  uint32
	Payload []byte
}

// IPayload is implemented by typed message payloads.
type IPayload interface {
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

// IntroductionPayload identifies a channel peer. Recordings are only
// replayable on a matching build, so the build ID is checked on receipt.
type IntroductionPayload struct {
	SessionID uuid.UUID
	BuildID   string
	ForkID    uint32
	PID       int32
}

func (p *IntroductionPayload) MarshalBinary() ([]byte, error) {
	buf := encodeBuffers.Get()
	buf.Write(p.SessionID[:])
	lenBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(lenBytes, uint16(len(p.BuildID)))
	buf.Write(lenBytes)
	buf.WriteString(p.BuildID)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], p.ForkID)
	buf.Write(tmp[:])
	binary.LittleEndian.PutUint32(tmp[:], uint32(p.PID))
	buf.Write(tmp[:])
	return finishEncode(buf), nil
}

func (p *IntroductionPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 16+2 {
		return fmt.Errorf("introduction payload too short: got %d bytes", len(data))
	}
	copy(p.SessionID[:], data[:16])
	offset := 16
	buildLen := int(binary.LittleEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if len(data) < offset+buildLen+8 {
		return fmt.Errorf("introduction payload too short for build id: got %d bytes", len(data))
	}
	p.BuildID = string(data[offset : offset+buildLen])
	offset += buildLen
	p.ForkID = binary.LittleEndian.Uint32(data[offset : offset+4])
	offset += 4
	p.PID = int32(binary.LittleEndian.Uint32(data[offset : offset+4]))
	return nil
}

// PingPayload carries a ping probe ID, echoed back in the response.
type PingPayload struct {
	ID uint32
}

func (p *PingPayload) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, p.ID)
	return buf, nil
}

func (p *PingPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("ping payload too short: got %d bytes", len(data))
	}
	p.ID = binary.LittleEndian.Uint32(data)
	return nil
}

// PingResponsePayload reports a process's liveness measure: execution
// progress plus total thread events, with resource usage attached for
// diagnostics.
type PingResponsePayload struct {
	ID         uint32
	Progress   uint64
	RSSBytes   uint64
	CPUPercent float64
}

func (p *PingResponsePayload) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4+8+8+8)
	binary.LittleEndian.PutUint32(buf[0:4], p.ID)
	binary.LittleEndian.PutUint64(buf[4:12], p.Progress)
	binary.LittleEndian.PutUint64(buf[12:20], p.RSSBytes)
	binary.LittleEndian.PutUint64(buf[20:28], uint64(p.CPUPercent*100))
	return buf, nil
}

func (p *PingResponsePayload) UnmarshalBinary(data []byte) error {
	if len(data) < 28 {
		return fmt.Errorf("ping response payload too short: got %d bytes", len(data))
	}
	p.ID = binary.LittleEndian.Uint32(data[0:4])
	p.Progress = binary.LittleEndian.Uint64(data[4:12])
	p.RSSBytes = binary.LittleEndian.Uint64(data[12:20])
	p.CPUPercent = float64(binary.LittleEndian.Uint64(data[20:28])) / 100
	return nil
}

// RecordingDataPayload carries a byte range of recording contents tagged
// with its absolute start offset. Ranges may be delivered out of order and
// may overlap data the receiver already has.
type RecordingDataPayload struct {
	Offset uint64
	Data   []byte
}

func (p *RecordingDataPayload) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 8+len(p.Data))
	binary.LittleEndian.PutUint64(buf[0:8], p.Offset)
	copy(buf[8:], p.Data)
	return buf, nil
}

func (p *RecordingDataPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("recording data payload too short: got %d bytes", len(data))
	}
	p.Offset = binary.LittleEndian.Uint64(data[0:8])
	p.Data = append([]byte(nil), data[8:]...)
	return nil
}

// RecordingDataRequestPayload asks the peer for recording contents past the
// given length.
type RecordingDataRequestPayload struct {
	Have uint64
}

func (p *RecordingDataRequestPayload) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, p.Have)
	return buf, nil
}

func (p *RecordingDataRequestPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("recording data request payload too short: got %d bytes", len(data))
	}
	p.Have = binary.LittleEndian.Uint64(data)
	return nil
}

// TextPayload carries a plain string: fatal error descriptions, critical
// error notes and forwarded log text.
type TextPayload struct {
	Text string
}

func (p *TextPayload) MarshalBinary() ([]byte, error) {
	return []byte(p.Text), nil
}

func (p *TextPayload) UnmarshalBinary(data []byte) error {
	p.Text = string(data)
	return nil
}

// CheckpointPayload names a checkpoint index.
type CheckpointPayload struct {
	Index uint64
}

func (p *CheckpointPayload) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, p.Index)
	return buf, nil
}

func (p *CheckpointPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("checkpoint payload too short: got %d bytes", len(data))
	}
	p.Index = binary.LittleEndian.Uint64(data)
	return nil
}

// SharedKeyPayload is a key/value pair in the store shared between a root
// replaying process and its forks.
type SharedKeyPayload struct {
	Key   string
	Value []byte
	Found bool
}

func (p *SharedKeyPayload) MarshalBinary() ([]byte, error) {
	buf := encodeBuffers.Get()
	if p.Found {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	lenBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(lenBytes, uint16(len(p.Key)))
	buf.Write(lenBytes)
	buf.WriteString(p.Key)
	var vlen [4]byte
	binary.LittleEndian.PutUint32(vlen[:], uint32(len(p.Value)))
	buf.Write(vlen[:])
	buf.Write(p.Value)
	return finishEncode(buf), nil
}

func (p *SharedKeyPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 3 {
		return fmt.Errorf("shared key payload too short: got %d bytes", len(data))
	}
	p.Found = data[0] == 1
	offset := 1
	keyLen := int(binary.LittleEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if len(data) < offset+keyLen+4 {
		return fmt.Errorf("shared key payload too short for key: got %d bytes", len(data))
	}
	p.Key = string(data[offset : offset+keyLen])
	offset += keyLen
	valLen := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if len(data) < offset+valLen {
		return fmt.Errorf("shared key payload too short for value: got %d bytes", len(data))
	}
	p.Value = append([]byte(nil), data[offset:offset+valLen]...)
	return nil
}

// ExternalCallPayload carries an encoded external call or its result,
// correlated by ID. Calls are routed to the root recording process so
// diverged threads can still interact with the outside world.
type ExternalCallPayload struct {
	ID   uint64
	Data []byte
}

func (p *ExternalCallPayload) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 8+len(p.Data))
	binary.LittleEndian.PutUint64(buf[0:8], p.ID)
	copy(buf[8:], p.Data)
	return buf, nil
}

func (p *ExternalCallPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("external call payload too short: got %d bytes", len(data))
	}
	p.ID = binary.LittleEndian.Uint64(data[0:8])
	p.Data = append([]byte(nil), data[8:]...)
	return nil
}

// NewMessage builds a message from a typed payload.
func NewMessage(t MessageType, forkID uint32, payload IPayload) (*Message, error) {
	msg := &Message{Type: t, ForkID: forkID}
	if payload != nil {
		data, err := payload.MarshalBinary()
		if err != nil {
			return nil, err
		}
		msg.Payload = data
	}
	return msg, nil
}

// Decode unmarshals the message payload into a typed payload.
func (m *Message) Decode(payload IPayload) error {
	return payload.UnmarshalBinary(m.Payload)
}
