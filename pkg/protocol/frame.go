package protocol

import (
	"fmt"

	"github.com/pion/rtp"
)

// Frame is a PTT payload carried in an RTP packet
type Frame struct {
	Header  rtp.Header
	Payload *Payload
}

// NewFrame builds a frame with the RTP header fields used on ISSI links
func NewFrame(seq uint16, timestamp, ssrc uint32, payload *Payload) *Frame {
	return &Frame{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    RTPPayloadType,
			SequenceNumber: seq,
			Timestamp:      timestamp,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
}

// Marshal encodes the RTP header followed by the PTT payload
func (f *Frame) Marshal() ([]byte, error) {
	if f.Payload == nil {
		return nil, fmt.Errorf("frame has no payload")
	}
	raw, err := f.Payload.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	pkt := rtp.Packet{Header: f.Header, Payload: raw}
	return pkt.Marshal()
}

// ParseFrame decodes an RTP packet and its PTT payload
func ParseFrame(data []byte) (*Frame, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to parse RTP packet: %w", err)
	}
	if pkt.Version != 2 {
		return nil, fmt.Errorf("unsupported RTP version: %d", pkt.Version)
	}
	payload, err := ParsePayload(pkt.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PTT payload: %w", err)
	}
	return &Frame{Header: pkt.Header, Payload: payload}, nil
}
