package protocol

// Block types carried in block headers
const (
	BlockTypeIMBEVoice      = 0
	BlockTypePacketType     = 1
	BlockTypeISSIHeader     = 5
	BlockTypePTTControlWord = 11
	BlockTypeMfgSpecificMin = 63
	BlockTypeMfgSpecificMax = 127
)

// Fixed block sizes (in bytes)
const (
	ControlOctetSize   = 1
	BlockHeaderSize    = 4
	PacketTypeWordSize = 4
	ControlWordSize    = 8
	HeaderWordSize     = 18
	IMBEBlockSize      = 14 // typical full-rate IMBE frame
)

// Voice block limits per PROGRESS or REQUEST packet
const (
	MinVoiceBlocksPerPacket = 1
	MaxVoiceBlocksPerPacket = 3
)

// IMBETimeOffset is the RTP timestamp advance per IMBE block (20ms at 8kHz)
const IMBETimeOffset = 160

// RTPPayloadType is the dynamic RTP payload type used for ISSI PTT
const RTPPayloadType = 100

// Payload type (E bit) values for block headers
const (
	PayloadTypeIANA            = 0
	PayloadTypeProfileSpecific = 1
)

// Control octet bit masks
const (
	ControlSignalMask  = 0x80 // Bit 7: S (signal bit)
	ControlCompactMask = 0x40 // Bit 6: C (compact)
	ControlBHCMask     = 0x3F // Bits 0-5: block header count
)

// ISSI header defaults for unencrypted traffic
const (
	AlgIDUnencrypted = 0x80
	MFIDDefault      = 0x90
	NIDDefault       = 0xF7F0 // 12-bit NAC 0xF7F, DUID 0
)

// Field limits
const (
	MaxTSN      = 63
	MaxWACN     = 0xFFFFF
	MaxSystemID = 0xFFF
	MaxUnitID   = 0xFFFFFF
	maxBlockLen = 0x3FF
	maxTSO      = 0x3FFF
)
