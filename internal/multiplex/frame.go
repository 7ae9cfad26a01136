package multiplex

import (
	"fmt"

	"github.com/cbeuw/chanmux/internal/buffer"
)

// MessageType is the first byte of every frame on the underlying channel.
type MessageType uint8

const (
	Open    MessageType = 1
	Close   MessageType = 2
	AckOpen MessageType = 3
	Data    MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case Open:
		return "Open"
	case Close:
		return "Close"
	case AckOpen:
		return "AckOpen"
	case Data:
		return "Data"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// frameHeader is the tag in front of every frame: message type then channel id.
type frameHeader struct {
	Type      MessageType
	ChannelID string
}

func writeHeader(wb buffer.WriteBuffer, t MessageType, id string) buffer.WriteBuffer {
	return wb.WriteUint8(uint8(t)).WriteString(id)
}

func readHeader(rb buffer.ReadBuffer) (frameHeader, error) {
	var h frameHeader
	t, err := rb.ReadUint8()
	if err != nil {
		return h, fmt.Errorf("reading message type: %w", err)
	}
	id, err := rb.ReadString()
	if err != nil {
		return h, fmt.Errorf("reading channel id: %w", err)
	}
	h.Type = MessageType(t)
	h.ChannelID = id
	return h, nil
}
