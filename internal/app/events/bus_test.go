package events

import (
	"errors"
	"testing"

	"github.com/dkeye/ptzlink/internal/core"
	"github.com/dkeye/ptzlink/internal/domain"
)

func TestBusFanOut(t *testing.T) {
	b := NewBus(4)
	a, cancelA := b.Subscribe()
	c, cancelC := b.Subscribe()
	defer cancelC()

	b.Publish(StateChanged(domain.StateConnecting))

	for name, ch := range map[string]<-chan Event{"a": a, "c": c} {
		ev := <-ch
		if ev.Type != TypeState || ev.State != domain.StateConnecting {
			t.Errorf("%s got %+v", name, ev)
		}
	}

	cancelA()
	cancelA()
	if _, ok := <-a; ok {
		t.Error("channel not closed after cancel")
	}
	b.Publish(StateChanged(domain.StateConnected))
	if ev := <-c; ev.State != domain.StateConnected {
		t.Errorf("remaining subscriber got %+v", ev)
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	b := NewBus(1)
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(StateChanged(domain.StateProvisioning))
	b.Publish(StateChanged(domain.StateConnecting))

	if ev := <-ch; ev.State != domain.StateProvisioning {
		t.Fatalf("first event = %+v", ev)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected buffered event %+v", ev)
	default:
	}
}

func TestFailureCarriesKind(t *testing.T) {
	ev := Failure(core.NewError(core.KindDeviceUnreachable, "up_start", errors.New("timeout")), true)
	if ev.Kind != core.KindDeviceUnreachable || !ev.Advisory || ev.Message == "" {
		t.Errorf("Failure() = %+v", ev)
	}
}
