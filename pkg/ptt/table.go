package ptt

import "fmt"

// enum is satisfied by the state and transition types of every machine
type enum interface {
	comparable
	fmt.Stringer
}

type tableKey[S, T enum] struct {
	from       S
	transition T
}

// Table maps (state, transition) pairs to the next state of one machine kind
type Table[S, T enum] struct {
	name    string
	entries map[tableKey[S, T]]S
}

// NewTable creates an empty table for the named machine
func NewTable[S, T enum](name string) *Table[S, T] {
	return &Table[S, T]{
		name:    name,
		entries: make(map[tableKey[S, T]]S),
	}
}

// Register adds the entry from --transition--> to
func (t *Table[S, T]) Register(from S, transition T, to S) {
	t.entries[tableKey[S, T]{from, transition}] = to
}

// Next returns the state reached by applying transition in state from
func (t *Table[S, T]) Next(from S, transition T) (S, error) {
	to, ok := t.entries[tableKey[S, T]{from, transition}]
	if !ok {
		return from, &IllegalTransitionError{
			Machine:    t.name,
			From:       from.String(),
			Transition: transition.String(),
		}
	}
	return to, nil
}

// Name returns the machine name used in errors
func (t *Table[S, T]) Name() string {
	return t.name
}

// Len returns the number of registered entries
func (t *Table[S, T]) Len() int {
	return len(t.entries)
}

// Tables holds the four transition tables. They are built once and never mutated.
type Tables struct {
	SMFTx *Table[SmfTxState, SmfTxTransition]
	SMFRx *Table[SmfRxState, SmfRxTransition]
	MMFTx *Table[MmfTxState, MmfTxTransition]
	MMFRx *Table[MmfRxState, MmfRxTransition]
}

// BuildTables constructs the SMF and MMF transition tables
func BuildTables() *Tables {
	return &Tables{
		SMFTx: buildSMFTxTable(),
		SMFRx: buildSMFRxTable(),
		MMFTx: buildMMFTxTable(),
		MMFRx: buildMMFRxTable(),
	}
}

func buildSMFTxTable() *Table[SmfTxState, SmfTxTransition] {
	t := NewTable[SmfTxState, SmfTxTransition]("SMF-Tx")

	t.Register(SmfTxBegin, SmfTxTrigger, SmfTxRequesting)
	t.Register(SmfTxBegin, SmfTxResponseForInactiveTSN, SmfTxTerminated)
	t.Register(SmfTxBegin, SmfTxSelfGrant, SmfTxTransmitting)

	t.Register(SmfTxRequesting, SmfTxTrigger, SmfTxRequesting)
	t.Register(SmfTxRequesting, SmfTxSelfGrant, SmfTxTransmitting)
	t.Register(SmfTxRequesting, SmfTxWait, SmfTxWaiting)
	t.Register(SmfTxRequesting, SmfTxEndTrigger, SmfTxTerminated)
	t.Register(SmfTxRequesting, SmfTxDenied, SmfTxTerminated)
	t.Register(SmfTxRequesting, SmfTxReceivedGrant, SmfTxTransmitting)
	t.Register(SmfTxRequesting, SmfTxRequestTimeout, SmfTxLocalPolicy)

	t.Register(SmfTxLocalPolicy, SmfTxSelfGrant, SmfTxTransmitting)
	t.Register(SmfTxLocalPolicy, SmfTxFailOnTimeout, SmfTxTerminated)

	t.Register(SmfTxWaiting, SmfTxWaitTimeout, SmfTxRequesting)
	t.Register(SmfTxWaiting, SmfTxStartTransmit, SmfTxTransmitting)
	t.Register(SmfTxWaiting, SmfTxSendChangeInLosingState, SmfTxWaiting)
	t.Register(SmfTxWaiting, SmfTxDenied, SmfTxTerminated)
	t.Register(SmfTxWaiting, SmfTxEndTrigger, SmfTxTerminated)
	t.Register(SmfTxWaiting, SmfTxSelfGrant, SmfTxTransmitting)
	t.Register(SmfTxWaiting, SmfTxReceivedGrant, SmfTxTransmitting)

	t.Register(SmfTxTransmitting, SmfTxSendAudio, SmfTxTransmitting)
	t.Register(SmfTxTransmitting, SmfTxSendChangeInLosingState, SmfTxTransmitting)
	t.Register(SmfTxTransmitting, SmfTxEndTrigger, SmfTxTerminated)

	return t
}

func buildSMFRxTable() *Table[SmfRxState, SmfRxTransition] {
	t := NewTable[SmfRxState, SmfRxTransition]("SMF-Rx")

	t.Register(SmfRxBegin, SmfRxSpurtStart, SmfRxReceiving)
	t.Register(SmfRxBegin, SmfRxReceiveAudio, SmfRxReceiving)
	t.Register(SmfRxReceiving, SmfRxReceiveAudio, SmfRxReceiving)
	t.Register(SmfRxReceiving, SmfRxSpurtEnd, SmfRxDone)
	t.Register(SmfRxReceiving, SmfRxAudioTimeout, SmfRxDone)

	return t
}

func buildMMFTxTable() *Table[MmfTxState, MmfTxTransition] {
	t := NewTable[MmfTxState, MmfTxTransition]("MMF-Tx")

	t.Register(MmfTxBegin, MmfTxTrigger, MmfTxTransmitting)
	t.Register(MmfTxBegin, MmfTxSendAudio, MmfTxTransmitting)
	t.Register(MmfTxTransmitting, MmfTxSendAudio, MmfTxTransmitting)
	t.Register(MmfTxTransmitting, MmfTxSendChangeInLosingState, MmfTxTransmitting)
	t.Register(MmfTxTransmitting, MmfTxEndTrigger, MmfTxTerminated)

	return t
}

func buildMMFRxTable() *Table[MmfRxState, MmfRxTransition] {
	t := NewTable[MmfRxState, MmfRxTransition]("MMF-Rx")

	t.Register(MmfRxBegin, MmfRxSpurtRequest, MmfRxArbitrate)
	t.Register(MmfRxBegin, MmfRxReceiveAudio, MmfRxReceiving)
	t.Register(MmfRxBegin, MmfRxSpurtEnd, MmfRxDone)

	t.Register(MmfRxArbitrate, MmfRxGrantDecision, MmfRxReceiving)
	t.Register(MmfRxArbitrate, MmfRxWaitDecision, MmfRxWait)
	t.Register(MmfRxArbitrate, MmfRxDenyDecision, MmfRxDeny)
	t.Register(MmfRxArbitrate, MmfRxReceiveAudio, MmfRxReceiving)
	// a requester may give up before a decision is made
	t.Register(MmfRxArbitrate, MmfRxSpurtEnd, MmfRxDone)

	t.Register(MmfRxReceiving, MmfRxReceiveAudio, MmfRxReceiving)
	t.Register(MmfRxReceiving, MmfRxReceiveChangeInLosingAudio, MmfRxReceiving)
	t.Register(MmfRxReceiving, MmfRxSpurtEnd, MmfRxDone)
	t.Register(MmfRxReceiving, MmfRxEndLossTimeout, MmfRxDone)

	t.Register(MmfRxWait, MmfRxGrantTrigger, MmfRxReceiving)
	t.Register(MmfRxWait, MmfRxStartReceiving, MmfRxReceiving)
	t.Register(MmfRxWait, MmfRxSpurtEnd, MmfRxDone)
	t.Register(MmfRxWait, MmfRxDenyTrigger, MmfRxDeny)

	t.Register(MmfRxDeny, MmfRxDenyTrigger, MmfRxDeny)
	t.Register(MmfRxDeny, MmfRxSpurtEnd, MmfRxDone)
	t.Register(MmfRxDeny, MmfRxEndLossTimeout, MmfRxDone)
	t.Register(MmfRxDeny, MmfRxSpurtRequest, MmfRxDeny)
	t.Register(MmfRxDeny, MmfRxReceiveAudio, MmfRxReceiving)

	return t
}
