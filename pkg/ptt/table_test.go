package ptt

import (
	"errors"
	"testing"
)

func TestTables_EntryCounts(t *testing.T) {
	tables := BuildTables()

	tests := []struct {
		name string
		got  int
		want int
	}{
		{"SMF-Tx", tables.SMFTx.Len(), 22},
		{"SMF-Rx", tables.SMFRx.Len(), 5},
		{"MMF-Tx", tables.MMFTx.Len(), 5},
		{"MMF-Rx", tables.MMFRx.Len(), 21},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("Expected %d entries, got %d", tt.want, tt.got)
			}
		})
	}
}

func TestTables_SMFTx(t *testing.T) {
	tbl := BuildTables().SMFTx

	tests := []struct {
		from SmfTxState
		tr   SmfTxTransition
		want SmfTxState
	}{
		{SmfTxBegin, SmfTxTrigger, SmfTxRequesting},
		{SmfTxBegin, SmfTxSelfGrant, SmfTxTransmitting},
		{SmfTxRequesting, SmfTxReceivedGrant, SmfTxTransmitting},
		{SmfTxRequesting, SmfTxRequestTimeout, SmfTxLocalPolicy},
		{SmfTxLocalPolicy, SmfTxFailOnTimeout, SmfTxTerminated},
		{SmfTxWaiting, SmfTxWaitTimeout, SmfTxRequesting},
		{SmfTxWaiting, SmfTxSendChangeInLosingState, SmfTxWaiting},
		{SmfTxTransmitting, SmfTxSendAudio, SmfTxTransmitting},
		{SmfTxTransmitting, SmfTxEndTrigger, SmfTxTerminated},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.tr.String(), func(t *testing.T) {
			got, err := tbl.Next(tt.from, tt.tr)
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestTables_MMFRx(t *testing.T) {
	tbl := BuildTables().MMFRx

	tests := []struct {
		from MmfRxState
		tr   MmfRxTransition
		want MmfRxState
	}{
		{MmfRxBegin, MmfRxSpurtRequest, MmfRxArbitrate},
		{MmfRxBegin, MmfRxReceiveAudio, MmfRxReceiving},
		{MmfRxArbitrate, MmfRxGrantDecision, MmfRxReceiving},
		{MmfRxArbitrate, MmfRxWaitDecision, MmfRxWait},
		{MmfRxArbitrate, MmfRxDenyDecision, MmfRxDeny},
		{MmfRxArbitrate, MmfRxReceiveAudio, MmfRxReceiving},
		{MmfRxArbitrate, MmfRxSpurtEnd, MmfRxDone},
		{MmfRxWait, MmfRxGrantTrigger, MmfRxReceiving},
		{MmfRxWait, MmfRxDenyTrigger, MmfRxDeny},
		{MmfRxDeny, MmfRxSpurtRequest, MmfRxDeny},
		{MmfRxDeny, MmfRxReceiveAudio, MmfRxReceiving},
		{MmfRxReceiving, MmfRxEndLossTimeout, MmfRxDone},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.tr.String(), func(t *testing.T) {
			got, err := tbl.Next(tt.from, tt.tr)
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestTables_IllegalTransition(t *testing.T) {
	tables := BuildTables()

	tests := []struct {
		name string
		err  func() error
	}{
		{"SMF-Tx terminated audio", func() error {
			_, err := tables.SMFTx.Next(SmfTxTerminated, SmfTxSendAudio)
			return err
		}},
		{"SMF-Rx done audio", func() error {
			_, err := tables.SMFRx.Next(SmfRxDone, SmfRxReceiveAudio)
			return err
		}},
		{"MMF-Tx begin end", func() error {
			_, err := tables.MMFTx.Next(MmfTxBegin, MmfTxEndTrigger)
			return err
		}},
		{"MMF-Rx done request", func() error {
			_, err := tables.MMFRx.Next(MmfRxDone, MmfRxSpurtRequest)
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.err()
			if !errors.Is(err, ErrIllegalTransition) {
				t.Fatalf("Expected ErrIllegalTransition, got %v", err)
			}
			var ite *IllegalTransitionError
			if !errors.As(err, &ite) {
				t.Fatalf("Expected *IllegalTransitionError, got %T", err)
			}
			if ite.Machine == "" || ite.From == "" || ite.Transition == "" {
				t.Errorf("Error fields not populated: %+v", ite)
			}
		})
	}
}

func TestTable_NextKeepsStateOnError(t *testing.T) {
	tbl := BuildTables().SMFRx
	got, err := tbl.Next(SmfRxBegin, SmfRxSpurtEnd)
	if err == nil {
		t.Fatal("Expected error for SPURT_END in BEGIN")
	}
	if got != SmfRxBegin {
		t.Errorf("Expected state to stay BEGIN, got %s", got)
	}
}

func TestState_MarshalText(t *testing.T) {
	b, err := MmfRxArbitrate.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "ARBITRATE" {
		t.Errorf("Expected ARBITRATE, got %s", b)
	}
	if got := SmfTxState(99).String(); got == "" {
		t.Error("Expected a name for an unknown state")
	}
}
