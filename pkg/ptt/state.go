package ptt

import "fmt"

// SmfTxState is the state of the SMF transmitter
type SmfTxState uint8

const (
	SmfTxBegin SmfTxState = iota
	SmfTxRequesting
	SmfTxLocalPolicy
	SmfTxTransmitting
	SmfTxWaiting
	SmfTxTerminated
)

func (s SmfTxState) String() string {
	return enumName(uint8(s), "SmfTxState", "BEGIN", "REQUESTING", "LOCAL_POLICY", "TRANSMITTING", "WAITING", "TERMINATED")
}

// SmfTxTransition drives the SMF transmitter
type SmfTxTransition uint8

const (
	SmfTxTrigger SmfTxTransition = iota
	SmfTxResponseForInactiveTSN
	SmfTxSelfGrant
	SmfTxWait
	SmfTxEndTrigger
	SmfTxDenied
	SmfTxReceivedGrant
	SmfTxRequestTimeout
	SmfTxFailOnTimeout
	SmfTxWaitTimeout
	SmfTxStartTransmit
	SmfTxSendChangeInLosingState
	SmfTxSendAudio
)

func (t SmfTxTransition) String() string {
	return enumName(uint8(t), "SmfTxTransition",
		"TX_TRIGGER", "RESPONSE_FOR_INACTIVE_TSN", "SELF_GRANT", "WAIT", "END_TRIGGER",
		"DENIED", "RECEIVED_GRANT", "REQUEST_TIMEOUT", "FAIL_ON_TIMEOUT", "WAIT_TIMEOUT",
		"START_TRANSMIT", "SEND_CHANGE_IN_LOSING_STATE", "SEND_AUDIO")
}

// SmfRxState is the state of the SMF receiver
type SmfRxState uint8

const (
	SmfRxBegin SmfRxState = iota
	SmfRxReceiving
	SmfRxDone
)

func (s SmfRxState) String() string {
	return enumName(uint8(s), "SmfRxState", "BEGIN", "RECEIVING", "DONE")
}

// SmfRxTransition drives the SMF receiver
type SmfRxTransition uint8

const (
	SmfRxSpurtStart SmfRxTransition = iota
	SmfRxReceiveAudio
	SmfRxSpurtEnd
	SmfRxAudioTimeout
)

func (t SmfRxTransition) String() string {
	return enumName(uint8(t), "SmfRxTransition", "SPURT_START", "RECEIVE_AUDIO", "SPURT_END", "AUDIO_TIMEOUT")
}

// MmfRxState is the per-TSN state of the MMF receiver
type MmfRxState uint8

const (
	MmfRxBegin MmfRxState = iota
	MmfRxArbitrate
	MmfRxReceiving
	MmfRxWait
	MmfRxDeny
	MmfRxDone
)

func (s MmfRxState) String() string {
	return enumName(uint8(s), "MmfRxState", "BEGIN", "ARBITRATE", "RECEIVING", "WAIT", "DENY", "DONE")
}

// MmfRxTransition drives the MMF receiver
type MmfRxTransition uint8

const (
	MmfRxSpurtRequest MmfRxTransition = iota
	MmfRxReceiveAudio
	MmfRxSpurtEnd
	MmfRxGrantDecision
	MmfRxWaitDecision
	MmfRxDenyDecision
	MmfRxReceiveChangeInLosingAudio
	MmfRxEndLossTimeout
	MmfRxGrantTrigger
	MmfRxStartReceiving
	MmfRxDenyTrigger
)

func (t MmfRxTransition) String() string {
	return enumName(uint8(t), "MmfRxTransition",
		"SPURT_REQUEST", "RECEIVE_AUDIO", "SPURT_END", "GRANT_DECISION", "WAIT_DECISION",
		"DENY_DECISION", "RECEIVE_CHANGE_IN_LOSING_AUDIO", "END_LOSS_TIMEOUT",
		"GRANT_TRIGGER", "START_RECEIVING", "DENY_TRIGGER")
}

// MmfTxState is the per-TSN state of the MMF transmitter
type MmfTxState uint8

const (
	MmfTxBegin MmfTxState = iota
	MmfTxTransmitting
	MmfTxTerminated
)

func (s MmfTxState) String() string {
	return enumName(uint8(s), "MmfTxState", "BEGIN", "TRANSMITTING", "TERMINATED")
}

// MmfTxTransition drives the MMF transmitter
type MmfTxTransition uint8

const (
	MmfTxTrigger MmfTxTransition = iota
	MmfTxSendAudio
	MmfTxSendChangeInLosingState
	MmfTxEndTrigger
)

func (t MmfTxTransition) String() string {
	return enumName(uint8(t), "MmfTxTransition", "TX_TRIGGER", "SEND_AUDIO", "SEND_CHANGE_IN_LOSING_STATE", "END_TRIGGER")
}

func enumName(v uint8, kind string, names ...string) string {
	if int(v) < len(names) {
		return names[v]
	}
	return fmt.Sprintf("%s(%d)", kind, v)
}

// MuteState is the mute flag of one direction
type MuteState bool

const (
	Unmuted MuteState = false
	Muted   MuteState = true
)

func (m MuteState) String() string {
	if m {
		return "MUTED"
	}
	return "UNMUTED"
}

// MarshalText renders the state name in JSON snapshots
func (s SmfTxState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// MarshalText renders the state name in JSON snapshots
func (s SmfRxState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// MarshalText renders the state name in JSON snapshots
func (s MmfRxState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// MarshalText renders the state name in JSON snapshots
func (s MmfTxState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
