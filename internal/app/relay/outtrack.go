package relay

import "sync/atomic"

type SinkState int32

const (
	SinkStateOk SinkState = iota
	SinkStateMuted
	SinkStateDelete
)

// sinkState is the atomically accessed delivery state of a relay's surface.
type sinkState struct {
	v atomic.Int32 // Zero by default (SinkStateOk)
}

func (s *sinkState) Get() SinkState { return SinkState(s.v.Load()) }

func (s *sinkState) MarkOk()     { s.v.Store(int32(SinkStateOk)) }
func (s *sinkState) MarkMuted()  { s.v.Store(int32(SinkStateMuted)) }
func (s *sinkState) MarkDelete() { s.v.Store(int32(SinkStateDelete)) }
