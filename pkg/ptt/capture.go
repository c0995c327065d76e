package ptt

import (
	"time"

	"github.com/dbehnke/issi-ptt/pkg/protocol"
)

// CapturedPacket is the audit record of one PTT packet sent or received by a session
type CapturedPacket struct {
	Number       uint64
	Time         time.Time
	Sender       bool
	SessionID    string
	Role         Role
	LinkType     LinkType
	LocalAddr    string
	RemoteAddr   string
	RemoteDomain string
	Sequence     uint16
	Timestamp    uint32
	PacketType   protocol.PacketType
	TSN          uint8
	Mute         bool
	LosingAudio  bool
	UnitID       uint32
	SystemID     uint16
	BlockCount   int
	Raw          []byte
}

// Capturer receives every captured packet
type Capturer interface {
	CapturePacket(pkt *CapturedPacket)
}

// CaptureFunc adapts a function to Capturer
type CaptureFunc func(pkt *CapturedPacket)

// CapturePacket calls f(pkt)
func (f CaptureFunc) CapturePacket(pkt *CapturedPacket) {
	f(pkt)
}

// NopCapturer discards captured packets
type NopCapturer struct{}

// CapturePacket does nothing
func (NopCapturer) CapturePacket(*CapturedPacket) {}

func newCapturedPacket(frame *protocol.Frame, raw []byte, sender bool) *CapturedPacket {
	pt := frame.Payload.PacketType
	pkt := &CapturedPacket{
		Time:        time.Now(),
		Sender:      sender,
		Sequence:    frame.Header.SequenceNumber,
		Timestamp:   frame.Header.Timestamp,
		PacketType:  pt.Type,
		TSN:         pt.TSN,
		Mute:        pt.Mute,
		LosingAudio: pt.LosingAudio,
		BlockCount:  len(frame.Payload.Voice),
		Raw:         append([]byte(nil), raw...),
	}
	if cw := frame.Payload.ControlWord; cw != nil {
		pkt.UnitID = cw.UnitID
		pkt.SystemID = cw.SystemID
	}
	return pkt
}
