package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
)

type chanStream struct {
	id string
	ch chan *rtp.Packet
}

func (s *chanStream) ID() string   { return s.id }
func (s *chanStream) Kind() string { return "video" }
func (s *chanStream) ReadRTP() (*rtp.Packet, error) {
	p, ok := <-s.ch
	if !ok {
		return nil, io.EOF
	}
	return p, nil
}

type recordSurface struct {
	mu     sync.Mutex
	seqs   []uint16
	closed int
	fail   bool
}

func (s *recordSurface) WriteRTP(p *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed > 0 {
		return errors.New("write after close")
	}
	if s.fail {
		return errors.New("disk full")
	}
	s.seqs = append(s.seqs, p.SequenceNumber)
	return nil
}

func (s *recordSurface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *recordSurface) snapshot() ([]uint16, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint16(nil), s.seqs...), s.closed
}

func waitDone(t *testing.T, r *Relay) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("relay loop did not exit")
	}
}

func TestRelayForwardsInOrder(t *testing.T) {
	src := &chanStream{id: "s1", ch: make(chan *rtp.Packet, 3)}
	surf := &recordSurface{}
	m := NewManager()
	r := m.Start(context.Background(), src, surf)

	for i := uint16(1); i <= 3; i++ {
		src.ch <- &rtp.Packet{Header: rtp.Header{SequenceNumber: i}}
	}
	close(src.ch)
	waitDone(t, r)

	seqs, _ := surf.snapshot()
	if len(seqs) != 3 || seqs[0] != 1 || seqs[2] != 3 {
		t.Fatalf("surface got %v", seqs)
	}
	if r.Packets() != 3 {
		t.Errorf("Packets() = %d", r.Packets())
	}
}

func TestStopClosesSurfaceOnce(t *testing.T) {
	src := &chanStream{id: "s1", ch: make(chan *rtp.Packet)}
	surf := &recordSurface{}
	m := NewManager()
	r := m.Start(context.Background(), src, surf)

	if err := m.Stop("s1"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := m.Stop("s1"); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if m.Has("s1") {
		t.Fatal("relay still registered")
	}

	// A packet read after stop must not reach the closed surface.
	src.ch <- &rtp.Packet{}
	close(src.ch)
	waitDone(t, r)

	seqs, closed := surf.snapshot()
	if closed != 1 || len(seqs) != 0 {
		t.Fatalf("closed = %d, seqs = %v", closed, seqs)
	}
}

func TestReplaceAndStopAll(t *testing.T) {
	m := NewManager()
	first := &recordSurface{}
	second := &recordSurface{}
	other := &recordSurface{}
	m.Start(context.Background(), &chanStream{id: "s1", ch: make(chan *rtp.Packet)}, first)
	m.Start(context.Background(), &chanStream{id: "s1", ch: make(chan *rtp.Packet)}, second)
	m.Start(context.Background(), &chanStream{id: "s2", ch: make(chan *rtp.Packet)}, other)

	if _, closed := first.snapshot(); closed != 1 {
		t.Fatalf("replaced surface closed %d times", closed)
	}
	if err := m.StopAll(); err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}
	for name, s := range map[string]*recordSurface{"second": second, "other": other} {
		if _, closed := s.snapshot(); closed != 1 {
			t.Errorf("%s closed %d times", name, closed)
		}
	}
}

func TestMutedDropsPackets(t *testing.T) {
	src := &chanStream{id: "s1", ch: make(chan *rtp.Packet)}
	surf := &recordSurface{}
	m := NewManager()
	r := m.Start(context.Background(), src, surf)

	if !m.SetMuted("s1", true) {
		t.Fatal("SetMuted returned false")
	}
	src.ch <- &rtp.Packet{Header: rtp.Header{SequenceNumber: 7}}
	// Once 8 is taken the pump has finished with 7.
	src.ch <- &rtp.Packet{Header: rtp.Header{SequenceNumber: 8}}
	m.SetMuted("s1", false)
	src.ch <- &rtp.Packet{Header: rtp.Header{SequenceNumber: 9}}
	close(src.ch)
	waitDone(t, r)

	seqs, _ := surf.snapshot()
	for _, s := range seqs {
		if s == 7 {
			t.Fatalf("muted packet delivered: %v", seqs)
		}
	}
	if len(seqs) == 0 || seqs[len(seqs)-1] != 9 {
		t.Fatalf("surface got %v, want it to end with 9", seqs)
	}
}
