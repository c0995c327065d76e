package protocol

import (
	"encoding/binary"
	"fmt"
)

// PriorityType is the transmit priority class carried in the control word
type PriorityType uint8

const (
	PriorityNormal     PriorityType = 0
	PriorityElevated   PriorityType = 1
	PriorityPreemptive PriorityType = 2
)

// String returns the priority type name
func (p PriorityType) String() string {
	switch p {
	case PriorityNormal:
		return "NORMAL"
	case PriorityElevated:
		return "PRIORITY"
	case PriorityPreemptive:
		return "PREEMPTIVE_PRIORITY"
	default:
		return fmt.Sprintf("PriorityType(%d)", uint8(p))
	}
}

// ParsePriorityType accepts the names produced by String
func ParsePriorityType(name string) (PriorityType, error) {
	switch name {
	case "NORMAL", "normal", "":
		return PriorityNormal, nil
	case "PRIORITY", "priority":
		return PriorityElevated, nil
	case "PREEMPTIVE_PRIORITY", "preemptive", "preemptive_priority":
		return PriorityPreemptive, nil
	}
	return 0, fmt.Errorf("unknown priority type %q", name)
}

// Priority orders transmitters for preemption. Type dominates, then level.
type Priority struct {
	Type  PriorityType
	Level uint8 // 0-15 on the wire
}

// Compare returns -1, 0 or 1 as p is lower than, equal to or higher than o
func (p Priority) Compare(o Priority) int {
	switch {
	case p.Type < o.Type:
		return -1
	case p.Type > o.Type:
		return 1
	case p.Level < o.Level:
		return -1
	case p.Level > o.Level:
		return 1
	}
	return 0
}

// Preempts reports whether p is strictly higher than o. Equal priority never preempts.
func (p Priority) Preempts(o Priority) bool {
	return p.Compare(o) > 0
}

// Encode packs type and level into the TP octet
func (p Priority) Encode() byte {
	return byte(p.Type&0x0F)<<4 | p.Level&0x0F
}

// DecodePriority unpacks a TP octet
func DecodePriority(b byte) Priority {
	return Priority{Type: PriorityType(b >> 4), Level: b & 0x0F}
}

// String renders the priority as TYPE/level
func (p Priority) String() string {
	return fmt.Sprintf("%s/%d", p.Type, p.Level)
}

// ControlWord is the PTT control word block.
//
// Layout: WACN(20) System(12) Unit(24) TP(8)
type ControlWord struct {
	WACN     uint32
	SystemID uint16
	UnitID   uint32
	Priority Priority
}

// Encode writes the control word into an 8 byte slice
func (c *ControlWord) Encode() ([]byte, error) {
	if c.WACN > MaxWACN {
		return nil, fmt.Errorf("WACN out of range: 0x%X", c.WACN)
	}
	if c.SystemID > MaxSystemID {
		return nil, fmt.Errorf("system ID out of range: 0x%X", c.SystemID)
	}
	if c.UnitID > MaxUnitID {
		return nil, fmt.Errorf("unit ID out of range: 0x%X", c.UnitID)
	}
	if c.Priority.Type > PriorityPreemptive {
		return nil, fmt.Errorf("priority type out of range: %d", c.Priority.Type)
	}

	var v uint64
	v |= uint64(c.WACN) << 44
	v |= uint64(c.SystemID) << 32
	v |= uint64(c.UnitID) << 8
	v |= uint64(c.Priority.Encode())

	data := make([]byte, ControlWordSize)
	binary.BigEndian.PutUint64(data, v)
	return data, nil
}

// Decode reads the control word from an 8 byte slice
func (c *ControlWord) Decode(data []byte) error {
	if len(data) < ControlWordSize {
		return fmt.Errorf("control word too short: %d", len(data))
	}
	v := binary.BigEndian.Uint64(data)
	c.WACN = uint32(v>>44) & MaxWACN
	c.SystemID = uint16(v>>32) & MaxSystemID
	c.UnitID = uint32(v>>8) & MaxUnitID
	c.Priority = DecodePriority(byte(v))
	return nil
}

// HeaderWord is the ISSI header information block sent once per talk spurt
type HeaderWord struct {
	MessageIndicator [9]byte
	AlgID            uint8
	KeyID            uint16
	MFID             uint8
	GroupID          uint16
	NID              uint16
	SuperFrame       uint8 // 2 bits
	VoiceBlocks      uint8 // 2 bits
	Reserved         uint8 // 4 bits
}

// NewHeaderWord returns a header word for unencrypted traffic to a group
func NewHeaderWord(groupID uint16) *HeaderWord {
	return &HeaderWord{
		AlgID:   AlgIDUnencrypted,
		MFID:    MFIDDefault,
		GroupID: groupID,
		NID:     NIDDefault,
	}
}

// Encode writes the header word into an 18 byte slice
func (h *HeaderWord) Encode() []byte {
	data := make([]byte, HeaderWordSize)
	copy(data[0:9], h.MessageIndicator[:])
	data[9] = h.AlgID
	binary.BigEndian.PutUint16(data[10:12], h.KeyID)
	data[12] = h.MFID
	binary.BigEndian.PutUint16(data[13:15], h.GroupID)
	binary.BigEndian.PutUint16(data[15:17], h.NID)
	data[17] = (h.SuperFrame&0x03)<<6 | (h.VoiceBlocks&0x03)<<4 | h.Reserved&0x0F
	return data
}

// Decode reads the header word from an 18 byte slice
func (h *HeaderWord) Decode(data []byte) error {
	if len(data) < HeaderWordSize {
		return fmt.Errorf("ISSI header word too short: %d", len(data))
	}
	copy(h.MessageIndicator[:], data[0:9])
	h.AlgID = data[9]
	h.KeyID = binary.BigEndian.Uint16(data[10:12])
	h.MFID = data[12]
	h.GroupID = binary.BigEndian.Uint16(data[13:15])
	h.NID = binary.BigEndian.Uint16(data[15:17])
	h.SuperFrame = data[17] >> 6
	h.VoiceBlocks = (data[17] >> 4) & 0x03
	h.Reserved = data[17] & 0x0F
	return nil
}
