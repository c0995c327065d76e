package ptt

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dbehnke/issi-ptt/internal/testhelpers"
	"github.com/dbehnke/issi-ptt/pkg/protocol"
)

const (
	smfAddr = "127.0.0.1:30000"
	mmfAddr = "127.0.0.1:30001"

	testSystemID uint16 = 0x123
	testUnitID   uint32 = 0x1001
)

// fastTimers shortens every protocol timer so scenarios finish quickly
func fastTimers() Timers {
	return Timers{
		Heartbeat:      time.Second,
		MuteProgress:   20 * time.Millisecond,
		Request:        30 * time.Millisecond,
		Unmute:         10 * time.Millisecond,
		MuteEndLoss:    300 * time.Millisecond,
		EndLoss:        150 * time.Millisecond,
		FirstPacket:    300 * time.Millisecond,
		WaitTimeout:    150 * time.Millisecond,
		RequestRetries: 2,
	}
}

func testVoice(n int) []protocol.VoiceBlock {
	out := make([]protocol.VoiceBlock, n)
	for i := range out {
		block := make(protocol.VoiceBlock, protocol.IMBEBlockSize)
		block[0] = byte(i)
		out[i] = block
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	if !testhelpers.WaitFor(cond, 2*time.Second) {
		t.Fatalf("timed out waiting for %s", what)
	}
}

// recorder implements every listener and observer interface and records
// what it saw by name
type recorder struct {
	mu     sync.Mutex
	events []string
	tsns   []uint8

	onRequest func(ev PacketEvent)
}

func (r *recorder) add(name string, tsn uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
	r.tsns = append(r.tsns, tsn)
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == name {
			n++
		}
	}
	return n
}

func (r *recorder) has(name string) bool {
	return r.count(name) > 0
}

func (r *recorder) ReceivedGrant(ev PacketEvent)    { r.add("grant", ev.TSN()) }
func (r *recorder) ReceivedDeny(ev PacketEvent)     { r.add("deny", ev.TSN()) }
func (r *recorder) ReceivedWait(ev PacketEvent)     { r.add("wait", ev.TSN()) }
func (r *recorder) RequestTimeout()                 { r.add("request_timeout", 0) }
func (r *recorder) WaitTimeout()                    { r.add("wait_timeout", 0) }
func (r *recorder) ReceivedStart(ev PacketEvent)    { r.add("start", ev.TSN()) }
func (r *recorder) ReceivedProgress(ev PacketEvent) { r.add("progress", ev.TSN()) }
func (r *recorder) ReceivedEnd(ev PacketEvent)      { r.add("end", ev.TSN()) }
func (r *recorder) AudioTimeout(tsn uint8)          { r.add("audio_timeout", tsn) }
func (r *recorder) ReceivedMute(ev PacketEvent)     { r.add("mute", ev.TSN()) }
func (r *recorder) ReceivedUnmute(ev PacketEvent)   { r.add("unmute", ev.TSN()) }
func (r *recorder) ReceivedHeartbeat(tsn uint8)     { r.add("heartbeat", tsn) }
func (r *recorder) HeartbeatTimeout(SessionInfo)    { r.add("heartbeat_timeout", 0) }

func (r *recorder) ReceivedHeartbeatQuery(_ SessionInfo, tsn uint8) {
	r.add("heartbeat_query", tsn)
}

func (r *recorder) ReceivedMuteHeartbeat(tsn uint8, mute bool) {
	r.add(fmt.Sprintf("mute_heartbeat_%v", mute), tsn)
}

func (r *recorder) ReceivedRequest(ev PacketEvent) {
	r.add("request", ev.TSN())
	if r.onRequest != nil {
		r.onRequest(ev)
	}
}

func (r *recorder) ReceivedRequestWithVoice(ev PacketEvent) {
	r.add("request_voice", ev.TSN())
	if r.onRequest != nil {
		r.onRequest(ev)
	}
}

// observer counts Observer callbacks
type observer struct {
	mu     sync.Mutex
	counts map[string]int
}

func newObserver() *observer {
	return &observer{counts: make(map[string]int)}
}

func (o *observer) inc(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts[key]++
}

func (o *observer) get(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[key]
}

func (o *observer) PacketRejected(reason string)     { o.inc("rejected:" + reason) }
func (o *observer) IllegalTransition(machine string) { o.inc("illegal:" + machine) }
func (o *observer) HeartbeatTimeout()                { o.inc("heartbeat_timeout") }
func (o *observer) MuteCorrection(pt string)         { o.inc("mute_correction:" + pt) }
func (o *observer) SessionOpened(role string)        { o.inc("opened:" + role) }
func (o *observer) SessionClosed(role string)        { o.inc("closed:" + role) }

// callPair is an SMF on GROUP_SERVING wired to an MMF on GROUP_HOME
type callPair struct {
	mgr *Manager
	net *testhelpers.MockNetwork
	obs *observer
	smf *Session
	mmf *Session

	smfTx *SMFTransmitter
	smfRx *SMFReceiver
	mmfRx *MMFReceiver
	mmfTx *MMFTransmitter

	captured []*CapturedPacket
	capMu    sync.Mutex
}

func newCallPair(t *testing.T) *callPair {
	t.Helper()
	p := &callPair{
		net: testhelpers.NewMockNetwork(),
		obs: newObserver(),
	}
	p.mgr = NewManager(ManagerConfig{
		WACN:     0xBEE00,
		SystemID: testSystemID,
		Timers:   fastTimers(),
		Observer: p.obs,
		Capturer: CaptureFunc(func(pkt *CapturedPacket) {
			p.capMu.Lock()
			p.captured = append(p.captured, pkt)
			p.capMu.Unlock()
		}),
	})

	a, b, err := p.net.Pair(smfAddr, mmfAddr)
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if p.smf, err = p.mgr.CreateTestSMF(a, LinkGroupServing); err != nil {
		t.Fatalf("CreateTestSMF: %v", err)
	}
	if p.mmf, err = p.mgr.CreateTestMMF(b, LinkGroupHome, nil); err != nil {
		t.Fatalf("CreateTestMMF: %v", err)
	}
	p.smfTx, _ = p.smf.SMFTransmitter()
	p.smfRx, _ = p.smf.SMFReceiver()
	p.mmfRx, _ = p.mmf.MMFReceiver()
	p.mmfTx, _ = p.mmf.MMFTransmitter()

	t.Cleanup(func() {
		p.mgr.Shutdown()
		p.net.Close()
	})
	return p
}

func (p *callPair) capturedPackets() []*CapturedPacket {
	p.capMu.Lock()
	defer p.capMu.Unlock()
	return append([]*CapturedPacket(nil), p.captured...)
}

// payload builds an inbound packet for admission tests
func payload(pt protocol.PacketType, tsn uint8) *protocol.Payload {
	p := &protocol.Payload{
		PacketType: protocol.PacketTypeWord{
			Type:    pt,
			Options: protocol.DefaultServiceOptions(),
			TSN:     tsn,
		},
	}
	if pt.RequiresControlWord() {
		p.ControlWord = &protocol.ControlWord{SystemID: testSystemID, UnitID: testUnitID}
	}
	return p
}
