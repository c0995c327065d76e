package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortPayload is returned when a payload ends before its declared blocks
var ErrShortPayload = errors.New("payload truncated")

// VoiceBlock is one opaque IMBE voice frame
type VoiceBlock []byte

// BlockHeader describes one block in the payload.
//
// Layout: E(1) BT(7) TSO(14) BL(10)
type BlockHeader struct {
	ProfileSpecific bool
	Type            uint8
	TimestampOffset uint16
	Length          uint16
}

// Encode writes the block header into a 4 byte slice
func (b BlockHeader) Encode() []byte {
	var v uint32
	if b.ProfileSpecific {
		v |= 1 << 31
	}
	v |= uint32(b.Type&0x7F) << 24
	v |= uint32(b.TimestampOffset&maxTSO) << 10
	v |= uint32(b.Length & maxBlockLen)

	data := make([]byte, BlockHeaderSize)
	binary.BigEndian.PutUint32(data, v)
	return data
}

// decodeBlockHeader reads a block header and rejects unsupported block types
func decodeBlockHeader(data []byte) (BlockHeader, error) {
	v := binary.BigEndian.Uint32(data)
	b := BlockHeader{
		ProfileSpecific: v>>31 == 1,
		Type:            uint8((v >> 24) & 0x7F),
		TimestampOffset: uint16((v >> 10) & maxTSO),
		Length:          uint16(v & maxBlockLen),
	}
	switch {
	case b.Type == BlockTypeIMBEVoice, b.Type == BlockTypePacketType,
		b.Type == BlockTypeISSIHeader, b.Type == BlockTypePTTControlWord:
	case b.Type >= BlockTypeMfgSpecificMin:
	default:
		return b, fmt.Errorf("unsupported block type: %d", b.Type)
	}
	return b, nil
}

// Payload is a decoded ISSI PTT payload
type Payload struct {
	PacketType  PacketTypeWord
	ControlWord *ControlWord
	HeaderWord  *HeaderWord
	Voice       []VoiceBlock
}

// Validate checks block combinations against the packet type
func (p *Payload) Validate() error {
	pt := p.PacketType.Type
	if pt.RequiresControlWord() && p.ControlWord == nil {
		return fmt.Errorf("%s requires a PTT control word", pt)
	}
	if p.HeaderWord != nil && !pt.CarriesVoice() {
		return fmt.Errorf("ISSI header word not allowed in %s", pt)
	}
	if len(p.Voice) > 0 {
		if !pt.CarriesVoice() {
			return fmt.Errorf("voice blocks not allowed in %s", pt)
		}
		if len(p.Voice) < MinVoiceBlocksPerPacket || len(p.Voice) > MaxVoiceBlocksPerPacket {
			return fmt.Errorf("invalid voice block count: %d", len(p.Voice))
		}
		for i, vb := range p.Voice {
			if len(vb) > maxBlockLen {
				return fmt.Errorf("voice block %d too large: %d", i, len(vb))
			}
		}
	}
	return nil
}

// Marshal encodes the payload: control octet, block headers, then blocks in header order
func (p *Payload) Marshal() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	ptw, err := p.PacketType.Encode()
	if err != nil {
		return nil, err
	}

	headers := []BlockHeader{{ProfileSpecific: true, Type: BlockTypePacketType, Length: PacketTypeWordSize}}
	blocks := [][]byte{ptw}

	if p.ControlWord != nil {
		cw, err := p.ControlWord.Encode()
		if err != nil {
			return nil, err
		}
		headers = append(headers, BlockHeader{ProfileSpecific: true, Type: BlockTypePTTControlWord, Length: ControlWordSize})
		blocks = append(blocks, cw)
	}

	if p.HeaderWord != nil {
		hw := *p.HeaderWord
		if len(p.Voice) > 0 {
			hw.VoiceBlocks = uint8(len(p.Voice))
		}
		headers = append(headers, BlockHeader{ProfileSpecific: true, Type: BlockTypeISSIHeader, Length: HeaderWordSize})
		blocks = append(blocks, hw.Encode())
	}

	for i, vb := range p.Voice {
		headers = append(headers, BlockHeader{
			ProfileSpecific: true,
			Type:            BlockTypeIMBEVoice,
			TimestampOffset: uint16(i * IMBETimeOffset),
			Length:          uint16(len(vb)),
		})
		blocks = append(blocks, vb)
	}

	size := ControlOctetSize + len(headers)*BlockHeaderSize
	for _, b := range blocks {
		size += len(b)
	}

	data := make([]byte, 0, size)

	var control byte
	if p.PacketType.Type.signalBit() {
		control |= ControlSignalMask
	}
	control |= byte(len(headers)) & ControlBHCMask
	data = append(data, control)

	for _, h := range headers {
		data = append(data, h.Encode()...)
	}
	for _, b := range blocks {
		data = append(data, b...)
	}
	return data, nil
}

// ParsePayload decodes a payload from raw bytes
func ParsePayload(data []byte) (*Payload, error) {
	if len(data) < ControlOctetSize {
		return nil, ErrShortPayload
	}

	count := int(data[0] & ControlBHCMask)
	if count == 0 {
		return nil, fmt.Errorf("payload has no block headers")
	}
	offset := ControlOctetSize
	if len(data) < offset+count*BlockHeaderSize {
		return nil, fmt.Errorf("%w: %d block headers declared", ErrShortPayload, count)
	}

	headers := make([]BlockHeader, 0, count)
	for i := 0; i < count; i++ {
		h, err := decodeBlockHeader(data[offset : offset+BlockHeaderSize])
		if err != nil {
			return nil, err
		}
		headers = append(headers, h)
		offset += BlockHeaderSize
	}

	p := &Payload{}
	havePacketType := false
	for _, h := range headers {
		size := int(h.Length)
		switch h.Type {
		case BlockTypePacketType:
			size = PacketTypeWordSize
		case BlockTypePTTControlWord:
			size = ControlWordSize
		case BlockTypeISSIHeader:
			size = HeaderWordSize
		}
		if len(data) < offset+size {
			return nil, fmt.Errorf("%w: block type %d", ErrShortPayload, h.Type)
		}
		block := data[offset : offset+size]
		offset += size

		switch h.Type {
		case BlockTypePacketType:
			if err := p.PacketType.Decode(block); err != nil {
				return nil, err
			}
			havePacketType = true
		case BlockTypePTTControlWord:
			cw := &ControlWord{}
			if err := cw.Decode(block); err != nil {
				return nil, err
			}
			p.ControlWord = cw
		case BlockTypeISSIHeader:
			hw := &HeaderWord{}
			if err := hw.Decode(block); err != nil {
				return nil, err
			}
			p.HeaderWord = hw
		case BlockTypeIMBEVoice:
			vb := make(VoiceBlock, size)
			copy(vb, block)
			p.Voice = append(p.Voice, vb)
		}
	}

	if !havePacketType {
		return nil, fmt.Errorf("payload has no packet type block")
	}
	return p, nil
}
