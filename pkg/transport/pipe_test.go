package transport

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPipe_Bidirectional(t *testing.T) {
	p := NewPipe()
	defer func() { _ = p.Close() }()

	a, b := p.Endpoints(context.Background(), nil)
	defer func() { _ = a.Close() }()
	defer func() { _ = b.Close() }()

	toA := make(chan string, 1)
	toB := make(chan string, 1)
	a.SetReceiver(func(d []byte) { toA <- string(d) })
	b.SetReceiver(func(d []byte) { toB <- string(d) })

	if err := a.Send([]byte("ping")); err != nil {
		t.Fatalf("a.Send: %v", err)
	}
	if err := b.Send([]byte("pong")); err != nil {
		t.Fatalf("b.Send: %v", err)
	}

	for _, tc := range []struct {
		name string
		ch   chan string
		want string
	}{
		{"a to b", toB, "ping"},
		{"b to a", toA, "pong"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			select {
			case got := <-tc.ch:
				if got != tc.want {
					t.Errorf("Expected %q, got %q", tc.want, got)
				}
			case <-time.After(time.Second):
				t.Fatal("timed out")
			}
		})
	}
}

func TestPipe_ManualProcess(t *testing.T) {
	p := NewPipeWithConfig(PipeConfig{AutoProcess: false})
	defer func() { _ = p.Close() }()

	a, b := p.Endpoints(context.Background(), nil)
	defer func() { _ = a.Close() }()
	defer func() { _ = b.Close() }()

	var mu sync.Mutex
	var got []string
	b.SetReceiver(func(d []byte) {
		mu.Lock()
		got = append(got, string(d))
		mu.Unlock()
	})

	for _, s := range []string{"1", "2", "3"} {
		if err := a.Send([]byte(s)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if n := p.Process(); n != 3 {
		t.Errorf("Expected 3 datagrams processed, got %d", n)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0] != "1" || got[2] != "3" {
		t.Errorf("Expected ordered delivery of 1,2,3, got %v", got)
	}
}

func TestPipe_DropAll(t *testing.T) {
	p := NewPipe()
	defer func() { _ = p.Close() }()
	p.SetDropRate(1)

	a, b := p.Endpoints(context.Background(), nil)
	defer func() { _ = a.Close() }()
	defer func() { _ = b.Close() }()

	got := make(chan struct{}, 1)
	b.SetReceiver(func([]byte) { got <- struct{}{} })

	if err := a.Send([]byte("lost")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case <-got:
		t.Error("datagram delivered with drop rate 1")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPipeAddr(t *testing.T) {
	p := NewPipe()
	defer func() { _ = p.Close() }()

	if got := p.Conn(0).LocalAddr().String(); got != "pipe:0" {
		t.Errorf("Expected pipe:0, got %s", got)
	}
	if got := p.Conn(1).LocalAddr().Network(); got != "pipe" {
		t.Errorf("Expected network pipe, got %s", got)
	}
}
