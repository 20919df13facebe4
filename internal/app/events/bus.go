// Package events fans session state out to presentation-layer observers.
package events

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/ptzlink/internal/core"
	"github.com/dkeye/ptzlink/internal/domain"
)

type Type string

const (
	TypeState       Type = "state"
	TypeError       Type = "error"
	TypeIndicator   Type = "indicator"
	TypeNegotiation Type = "negotiation"
	TypeHold        Type = "hold"
)

// Event is one observable change. Only the fields relevant to Type are set.
type Event struct {
	Type Type `json:"type"`

	State     domain.ConnectionState `json:"-"`
	StateName string                 `json:"state,omitempty"`

	Kind     core.ErrorKind `json:"kind,omitempty"`
	Message  string         `json:"message,omitempty"`
	Advisory bool           `json:"advisory,omitempty"`

	Publishing bool `json:"publishing,omitempty"`
	Subscribed int  `json:"subscribed,omitempty"`

	Negotiation string `json:"negotiation,omitempty"`

	Command domain.Command `json:"command,omitempty"`
	Holding bool           `json:"holding,omitempty"`
}

func StateChanged(s domain.ConnectionState) Event {
	return Event{Type: TypeState, State: s, StateName: s.String()}
}

// Failure builds an error event; advisory errors do not change session state.
func Failure(err error, advisory bool) Event {
	kind, _ := core.KindOf(err)
	return Event{Type: TypeError, Kind: kind, Message: err.Error(), Advisory: advisory}
}

func Indicator(publishing bool, subscribed int) Event {
	return Event{Type: TypeIndicator, Publishing: publishing, Subscribed: subscribed}
}

func Negotiation(state string) Event {
	return Event{Type: TypeNegotiation, Negotiation: state}
}

func Hold(cmd domain.Command, holding bool) Event {
	return Event{Type: TypeHold, Command: cmd, Holding: holding}
}

// Bus is a non-blocking fan-out. A subscriber that falls behind loses events.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	buffer int
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("module", "events").Int("subscriber", id).Str("type", string(ev.Type)).Msg("subscriber slow, event dropped")
		}
	}
}
