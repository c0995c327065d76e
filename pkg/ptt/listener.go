package ptt

import "github.com/dbehnke/issi-ptt/pkg/protocol"

// PacketEvent carries an inbound packet to a listener
type PacketEvent struct {
	Session *Session
	Payload *protocol.Payload
}

// Type returns the packet type
func (e PacketEvent) Type() protocol.PacketType {
	return e.Payload.PacketType.Type
}

// TSN returns the transmission sequence number of the packet
func (e PacketEvent) TSN() uint8 {
	return e.Payload.PacketType.TSN
}

// UnitID returns the unit in the control word, or 0 when absent
func (e PacketEvent) UnitID() uint32 {
	if e.Payload.ControlWord == nil {
		return 0
	}
	return e.Payload.ControlWord.UnitID
}

// HeartbeatListener is notified of connection maintenance heartbeats
type HeartbeatListener interface {
	ReceivedHeartbeat(tsn uint8)
	ReceivedHeartbeatQuery(info SessionInfo, tsn uint8)
	HeartbeatTimeout(info SessionInfo)
}

// MuteListener is notified when the peer mutes or unmutes this side
type MuteListener interface {
	ReceivedMute(ev PacketEvent)
	ReceivedUnmute(ev PacketEvent)
}

// MuteHeartbeatListener is notified of mute-transmission heartbeats
type MuteHeartbeatListener interface {
	ReceivedMuteHeartbeat(tsn uint8, mute bool)
}

// SMFTxListener is notified of arbitration results for an SMF spurt
type SMFTxListener interface {
	ReceivedGrant(ev PacketEvent)
	ReceivedDeny(ev PacketEvent)
	ReceivedWait(ev PacketEvent)
	RequestTimeout()
	WaitTimeout()
}

// SMFRxListener is notified of spurts received by an SMF
type SMFRxListener interface {
	ReceivedStart(ev PacketEvent)
	ReceivedProgress(ev PacketEvent)
	ReceivedEnd(ev PacketEvent)
}

// MMFRxListener is notified of spurts received by an MMF. A listener that
// handles requests decides them by calling MMFReceiver.Arbitrate.
type MMFRxListener interface {
	ReceivedRequest(ev PacketEvent)
	ReceivedRequestWithVoice(ev PacketEvent)
	ReceivedProgress(ev PacketEvent)
	ReceivedEnd(ev PacketEvent)
	AudioTimeout(tsn uint8)
}

// Observer receives protocol events for metrics
type Observer interface {
	PacketRejected(reason string)
	IllegalTransition(machine string)
	HeartbeatTimeout()
	MuteCorrection(packetType string)
	SessionOpened(role string)
	SessionClosed(role string)
}

type nopObserver struct{}

func (nopObserver) PacketRejected(string)    {}
func (nopObserver) IllegalTransition(string) {}
func (nopObserver) HeartbeatTimeout()        {}
func (nopObserver) MuteCorrection(string)    {}
func (nopObserver) SessionOpened(string)     {}
func (nopObserver) SessionClosed(string)     {}
