package approval

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ipfs-force-community/sophon-keeper/types"
)

// WindowAction is a command sent to the UI surface over its listen channel.
type WindowAction string

const (
	WindowActionOpen  WindowAction = "open"
	WindowActionClose WindowAction = "close"
)

type WindowCommand struct {
	Action   WindowAction `json:"action"`
	WindowID uuid.UUID    `json:"windowId"`
}

// WindowOpener abstracts the exclusive notification window. Only the
// orchestrator calls it.
type WindowOpener interface {
	OpenWindow(ctx context.Context) (uuid.UUID, error)
	CloseWindow(id uuid.UUID) error
}

// UIConnManager tracks the single registered modal UI surface and owns the
// one OS-level window id. The UI registers a listen channel and receives
// open/close commands; while a window is tracked non-zero, opening a second
// one is a hard error.
type UIConnManager struct {
	lk         sync.Mutex
	out        chan *WindowCommand
	openWindow uuid.UUID
	events     *types.Pubsub[types.WindowEvent]
	queueSize  int
}

var _ WindowOpener = (*UIConnManager)(nil)

func NewUIConnManager(events *types.Pubsub[types.WindowEvent], cfg *types.RequestConfig) *UIConnManager {
	return &UIConnManager{
		events:    events,
		queueSize: cfg.RequestQueueSize,
	}
}

// RegisterUI attaches the modal surface. A reconnect replaces the previous
// registration; the stale channel is closed so the old surface unwinds.
func (m *UIConnManager) RegisterUI(ctx context.Context) (<-chan *WindowCommand, error) {
	m.lk.Lock()
	if m.out != nil {
		close(m.out)
	}
	out := make(chan *WindowCommand, m.queueSize)
	m.out = out
	m.lk.Unlock()

	log.Info("ui surface registered")
	go func() {
		<-ctx.Done()
		m.unregister(out)
	}()
	return out, nil
}

func (m *UIConnManager) unregister(out chan *WindowCommand) {
	m.lk.Lock()
	if m.out != out {
		m.lk.Unlock()
		return
	}
	m.out = nil
	open := m.openWindow
	m.openWindow = uuid.Nil
	m.lk.Unlock()

	close(out)
	log.Info("ui surface unregistered")
	// a vanished surface takes any displayed window with it
	if open != uuid.Nil {
		m.events.Publish(types.WindowEvent{Kind: types.WindowRemoved, WindowID: open})
	}
}

func (m *UIConnManager) OpenWindow(ctx context.Context) (uuid.UUID, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	if m.out == nil {
		return uuid.Nil, errors.New("no ui surface connected")
	}
	if m.openWindow != uuid.Nil {
		return uuid.Nil, errors.Errorf("window %s already open", m.openWindow)
	}

	id := uuid.New()
	select {
	case m.out <- &WindowCommand{Action: WindowActionOpen, WindowID: id}:
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	default:
		return uuid.Nil, errors.New("ui surface command queue full")
	}
	m.openWindow = id
	return id, nil
}

func (m *UIConnManager) CloseWindow(id uuid.UUID) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	if m.openWindow != id {
		return nil
	}
	m.openWindow = uuid.Nil
	if m.out != nil {
		select {
		case m.out <- &WindowCommand{Action: WindowActionClose, WindowID: id}:
		default:
			log.Warnf("ui surface not draining, close command for %s dropped", id)
		}
	}
	return nil
}

// ReportEvent ingests a window lifecycle report from the UI surface and
// fans it out. Reports for a window that is not the tracked one are
// discarded as stale.
func (m *UIConnManager) ReportEvent(kind types.WindowEventKind, windowID uuid.UUID) error {
	m.lk.Lock()
	if m.openWindow == uuid.Nil || m.openWindow != windowID {
		m.lk.Unlock()
		return errors.Errorf("window %s is not being displayed", windowID)
	}
	if kind == types.WindowRemoved {
		m.openWindow = uuid.Nil
	}
	m.lk.Unlock()

	m.events.Publish(types.WindowEvent{Kind: kind, WindowID: windowID})
	return nil
}

// OpenWindowID reports the tracked window id, zero when nothing displayed.
func (m *UIConnManager) OpenWindowID() uuid.UUID {
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.openWindow
}
