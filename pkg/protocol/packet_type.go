package protocol

import (
	"encoding/binary"
	"fmt"
)

// PacketType identifies an ISSI PTT packet
type PacketType uint8

const (
	PacketRequest                     PacketType = 0
	PacketGrant                       PacketType = 1
	PacketProgress                    PacketType = 2
	PacketEnd                         PacketType = 3
	PacketStart                       PacketType = 4
	PacketMute                        PacketType = 5
	PacketUnmute                      PacketType = 6
	PacketWait                        PacketType = 7
	PacketDeny                        PacketType = 8
	PacketHeartbeat                   PacketType = 9
	PacketHeartbeatQuery              PacketType = 10
	PacketHeartbeatConnection         PacketType = 11
	PacketHeartbeatMuteTransmission   PacketType = 12
	PacketHeartbeatUnmuteTransmission PacketType = 13
)

var packetTypeNames = [...]string{
	"PTT_TRANSMIT_REQUEST",
	"PTT_TRANSMIT_GRANT",
	"PTT_TRANSMIT_PROGRESS",
	"PTT_TRANSMIT_END",
	"PTT_TRANSMIT_START",
	"PTT_TRANSMIT_MUTE",
	"PTT_TRANSMIT_UNMUTE",
	"PTT_TRANSMIT_WAIT",
	"PTT_TRANSMIT_DENY",
	"HEARTBEAT",
	"HEARTBEAT_QUERY",
	"HEARTBEAT_CONNECTION",
	"HEARTBEAT_MUTE_TRANSMISSION",
	"HEARTBEAT_UNMUTE_TRANSMISSION",
}

// String returns the packet type name
func (p PacketType) String() string {
	if int(p) < len(packetTypeNames) {
		return packetTypeNames[p]
	}
	return fmt.Sprintf("PacketType(%d)", uint8(p))
}

// Valid reports whether p is a defined packet type
func (p PacketType) Valid() bool {
	return int(p) < len(packetTypeNames)
}

// RequiresControlWord reports whether the PTT control word block is mandatory
func (p PacketType) RequiresControlWord() bool {
	return p == PacketRequest || p == PacketStart || p == PacketProgress
}

// CarriesVoice reports whether voice and ISSI header blocks may be attached
func (p PacketType) CarriesVoice() bool {
	return p == PacketRequest || p == PacketProgress
}

// IsHeartbeat reports whether p is a heartbeat or heartbeat query
func (p PacketType) IsHeartbeat() bool {
	return p == PacketHeartbeat || p == PacketHeartbeatQuery
}

func (p PacketType) signalBit() bool {
	switch p {
	case PacketStart, PacketProgress, PacketGrant, PacketMute, PacketUnmute:
		return true
	}
	return false
}

// ParsePacketTypeName returns the packet type for a name produced by String
func ParsePacketTypeName(name string) (PacketType, error) {
	for i, n := range packetTypeNames {
		if n == name {
			return PacketType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown packet type %q", name)
}

// ServiceOptions is the 8-bit service options field of the packet type word
type ServiceOptions struct {
	Emergency     bool
	Protected     bool
	Duplex        bool
	Mode          bool
	PriorityLevel uint8 // 3 bits
}

// DefaultServiceOptions returns options with the default priority level
func DefaultServiceOptions() ServiceOptions {
	return ServiceOptions{PriorityLevel: 4}
}

// Encode packs the service options into one byte
func (so ServiceOptions) Encode() byte {
	var b byte
	if so.Emergency {
		b |= 1 << 7
	}
	if so.Protected {
		b |= 1 << 6
	}
	if so.Duplex {
		b |= 1 << 5
	}
	if so.Mode {
		b |= 1 << 4
	}
	return b | (so.PriorityLevel & 0x07)
}

// DecodeServiceOptions unpacks a service options byte; bit 3 is reserved
func DecodeServiceOptions(b byte) (ServiceOptions, error) {
	if b&(1<<3) != 0 {
		return ServiceOptions{}, fmt.Errorf("reserved service option bit set: 0x%02X", b)
	}
	return ServiceOptions{
		Emergency:     b&(1<<7) != 0,
		Protected:     b&(1<<6) != 0,
		Duplex:        b&(1<<5) != 0,
		Mode:          b&(1<<4) != 0,
		PriorityLevel: b & 0x07,
	}, nil
}

// PacketTypeWord is the mandatory first block of every PTT payload.
//
// Layout: M(1) PT(7) SO(8) TSN(7) L(1) Interval(8)
type PacketTypeWord struct {
	Mute        bool
	Type        PacketType
	Options     ServiceOptions
	TSN         uint8
	LosingAudio bool
	Interval    uint8 // heartbeat interval in seconds
}

// Encode writes the word into a 4 byte slice
func (w *PacketTypeWord) Encode() ([]byte, error) {
	if w.Type > 0x7F {
		return nil, fmt.Errorf("packet type out of range: %d", w.Type)
	}
	if w.TSN > MaxTSN {
		return nil, fmt.Errorf("TSN out of range: %d", w.TSN)
	}

	var v uint32
	if w.Mute {
		v |= 1 << 31
	}
	v |= uint32(w.Type&0x7F) << 24
	v |= uint32(w.Options.Encode()) << 16
	v |= uint32(w.TSN&0x7F) << 9
	if w.LosingAudio {
		v |= 1 << 8
	}
	v |= uint32(w.Interval)

	data := make([]byte, PacketTypeWordSize)
	binary.BigEndian.PutUint32(data, v)
	return data, nil
}

// Decode reads the word from a 4 byte slice
func (w *PacketTypeWord) Decode(data []byte) error {
	if len(data) < PacketTypeWordSize {
		return fmt.Errorf("packet type word too short: %d", len(data))
	}
	v := binary.BigEndian.Uint32(data)

	so, err := DecodeServiceOptions(byte(v >> 16))
	if err != nil {
		return err
	}

	w.Mute = v>>31 == 1
	w.Type = PacketType((v >> 24) & 0x7F)
	w.Options = so
	w.TSN = uint8((v >> 9) & 0x7F)
	w.LosingAudio = (v>>8)&0x01 == 1
	w.Interval = uint8(v)

	if !w.Type.Valid() {
		return fmt.Errorf("unknown packet type: %d", w.Type)
	}
	return nil
}
