package types

import (
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("keeper_types")

// Pubsub is a typed fanout channel, one instance per event category.
// Publishing never blocks; a subscriber that falls behind loses events and
// a warning is logged instead.
type Pubsub[T any] struct {
	lk   sync.Mutex
	subs map[uint64]chan T
	next uint64
	buf  int
}

func NewPubsub[T any](buf int) *Pubsub[T] {
	return &Pubsub[T]{
		subs: make(map[uint64]chan T),
		buf:  buf,
	}
}

// Subscribe returns a receive channel and an unsubscribe func. The channel
// is closed on unsubscribe.
func (p *Pubsub[T]) Subscribe() (<-chan T, func()) {
	p.lk.Lock()
	defer p.lk.Unlock()

	id := p.next
	p.next++
	ch := make(chan T, p.buf)
	p.subs[id] = ch
	return ch, func() {
		p.lk.Lock()
		defer p.lk.Unlock()
		if sub, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(sub)
		}
	}
}

func (p *Pubsub[T]) Publish(ev T) {
	p.lk.Lock()
	defer p.lk.Unlock()

	for _, sub := range p.subs {
		select {
		case sub <- ev:
		default:
			log.Warnf("pubsub subscriber full, dropping event %+v", ev)
		}
	}
}

// WindowEventKind enumerates notification-window lifecycle transitions the
// OS can report.
type WindowEventKind string

const (
	WindowFocusLost WindowEventKind = "focus-lost"
	WindowRemoved   WindowEventKind = "removed"
)

// WindowEvent is published whenever the notification window loses focus or
// is closed outside HandleApproval.
type WindowEvent struct {
	Kind     WindowEventKind
	WindowID uuid.UUID
}
