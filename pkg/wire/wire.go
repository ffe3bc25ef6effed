// Package wire defines the frame format the stream transports (TCP,
// WebSocket) exchange: a magic-number + version header followed by one of
// three frame bodies. Hello and Verdict frames carry the connection
// handshake; Payload frames carry one multiplexed channel envelope.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/wiremux/wiremux/pkg/channel"
	"github.com/wiremux/wiremux/pkg/errors"
)

const (
	DefaultMagicNumber uint32 = 0x574d5558 // "WMUX"
	DefaultVersion     uint8  = 1

	KeyBytes = 32
)

// Key converts a string to a fixed-size pre-shared key, truncating or
// zero-padding as needed.
func Key(s string) []byte {
	key := make([]byte, KeyBytes)
	copy(key, s)
	return key
}

type FrameType uint8

const (
	FrameType_Hello FrameType = iota
	FrameType_Verdict
	FrameType_Payload

	FrameType_NONE
)

func headerIdToFrameType(headerId uint8) FrameType {
	switch headerId {
	case 0x0:
		return FrameType_Hello
	case 0x1:
		return FrameType_Verdict
	case 0x2:
		return FrameType_Payload
	}

	return FrameType_NONE
}

// Hello is the first frame a connecting client sends: its protocol id and
// optional pre-shared key, validated by the server before admission.
type Hello struct {
	ProtocolId uint64
	AuthKey    []byte
}

// Verdict is the server's accept/reject answer to a Hello. On acceptance it
// carries the client id the server assigned to this connection.
type Verdict struct {
	Accepted bool
	ClientId uint64
	Reason   string
}

// Payload is one channel envelope. Sender is zero for server-originated
// frames and the server-assigned client id otherwise.
type Payload struct {
	Channel channel.Id
	Sender  uint64
	Data    []byte
}

type Frame struct {
	MagicNumber uint32
	Version     uint8
	FrameType   FrameType
	Hello       *Hello
	Verdict     *Verdict
	Payload     *Payload
}

type Serializer struct {
	MagicNumber uint32
	Version     uint8
}

func DefaultSerializer() Serializer {
	return Serializer{MagicNumber: DefaultMagicNumber, Version: DefaultVersion}
}

const headerSize = 5

func (s Serializer) header(frameType FrameType) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], s.MagicNumber)
	buf[4] = (s.Version&0xF)<<4 | uint8(frameType)&0xF
	return buf
}

func (s Serializer) SerializeHello(hello *Hello) ([]byte, error) {
	if len(hello.AuthKey) > 0xFFFF {
		return nil, fmt.Errorf("hello auth key too long: %d bytes", len(hello.AuthKey))
	}

	buf := s.header(FrameType_Hello)
	buf = binary.LittleEndian.AppendUint64(buf, hello.ProtocolId)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(hello.AuthKey)))
	buf = append(buf, hello.AuthKey...)
	return buf, nil
}

func (s Serializer) SerializeVerdict(verdict *Verdict) ([]byte, error) {
	if len(verdict.Reason) > 0xFFFF {
		return nil, fmt.Errorf("verdict reason too long: %d bytes", len(verdict.Reason))
	}

	buf := s.header(FrameType_Verdict)
	accepted := uint8(0)
	if verdict.Accepted {
		accepted = 1
	}
	buf = append(buf, accepted)
	buf = binary.LittleEndian.AppendUint64(buf, verdict.ClientId)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(verdict.Reason)))
	buf = append(buf, verdict.Reason...)
	return buf, nil
}

func (s Serializer) SerializePayload(payload *Payload) ([]byte, error) {
	buf := s.header(FrameType_Payload)
	buf = append(buf, uint8(payload.Channel))
	buf = binary.LittleEndian.AppendUint64(buf, payload.Sender)
	buf = append(buf, payload.Data...)
	return buf, nil
}

func (s Serializer) parseHello(msg []byte, readPtr int) (*Hello, error) {
	if len(msg) < readPtr+10 {
		return nil, &errors.Underflow{
			MessageName: "Hello",
			MsgSize:     len(msg),
			MinimumSize: readPtr + 10,
		}
	}

	protocolId := binary.LittleEndian.Uint64(msg[readPtr : readPtr+8])
	keyLength := binary.LittleEndian.Uint16(msg[readPtr+8 : readPtr+10])
	ptr := readPtr + 10

	if len(msg) < ptr+int(keyLength) {
		return nil, &errors.Underflow{
			MessageName: "Hello::AuthKey",
			MsgSize:     len(msg) - ptr,
			MinimumSize: int(keyLength),
		}
	}

	return &Hello{
		ProtocolId: protocolId,
		AuthKey:    msg[ptr : ptr+int(keyLength)],
	}, nil
}

func (s Serializer) parseVerdict(msg []byte, readPtr int) (*Verdict, error) {
	if len(msg) < readPtr+11 {
		return nil, &errors.Underflow{
			MessageName: "Verdict",
			MsgSize:     len(msg),
			MinimumSize: readPtr + 11,
		}
	}

	accepted := msg[readPtr] != 0
	clientId := binary.LittleEndian.Uint64(msg[readPtr+1 : readPtr+9])
	reasonLength := binary.LittleEndian.Uint16(msg[readPtr+9 : readPtr+11])
	ptr := readPtr + 11

	if len(msg) < ptr+int(reasonLength) {
		return nil, &errors.Underflow{
			MessageName: "Verdict::Reason",
			MsgSize:     len(msg) - ptr,
			MinimumSize: int(reasonLength),
		}
	}

	return &Verdict{
		Accepted: accepted,
		ClientId: clientId,
		Reason:   string(msg[ptr : ptr+int(reasonLength)]),
	}, nil
}

func (s Serializer) parsePayload(msg []byte, readPtr int) (*Payload, error) {
	if len(msg) < readPtr+9 {
		return nil, &errors.Underflow{
			MessageName: "Payload",
			MsgSize:     len(msg),
			MinimumSize: readPtr + 9,
		}
	}

	return &Payload{
		Channel: channel.Id(msg[readPtr]),
		Sender:  binary.LittleEndian.Uint64(msg[readPtr+1 : readPtr+9]),
		Data:    msg[readPtr+9:],
	}, nil
}

func (s Serializer) Parse(msg []byte) (*Frame, error) {
	if len(msg) < headerSize {
		return nil, &errors.Underflow{
			MessageName: "Frame",
			MsgSize:     len(msg),
			MinimumSize: headerSize,
		}
	}

	magicNumber := binary.LittleEndian.Uint32(msg[0:4])
	versionTypeByte := msg[4]
	version := versionTypeByte & 0xF0 >> 4
	frameTypeNum := versionTypeByte & 0xF
	frameType := headerIdToFrameType(frameTypeNum)

	if magicNumber != s.MagicNumber || version != s.Version {
		return nil, &errors.InvalidHeaderVersion{
			ExpectedMagicNumber: s.MagicNumber,
			ExpectedVersion:     s.Version,
			ActualMagicNumber:   magicNumber,
			ActualVersion:       version,
		}
	}

	frame := &Frame{
		MagicNumber: magicNumber,
		Version:     version,
		FrameType:   frameType,
	}

	var parseErr error
	switch frameType {
	case FrameType_Hello:
		frame.Hello, parseErr = s.parseHello(msg, headerSize)
	case FrameType_Verdict:
		frame.Verdict, parseErr = s.parseVerdict(msg, headerSize)
	case FrameType_Payload:
		frame.Payload, parseErr = s.parsePayload(msg, headerSize)
	case FrameType_NONE:
		fallthrough
	default:
		return nil, &errors.InvalidEnumValue{
			EnumName: "FrameType",
			IntValue: frameTypeNum,
		}
	}

	if parseErr != nil {
		return nil, parseErr
	}
	return frame, nil
}
