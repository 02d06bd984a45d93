package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/ipfs-force-community/sophon-keeper/types"
)

var log = logging.Logger("keeper_session")

// PushFunc delivers a background-to-page event on the session's channel.
type PushFunc func(event string, data json.RawMessage)

// Session is the per-tab runtime record of a connected page. Never
// persisted; tab close destroys it and a reconnect recreates it.
type Session struct {
	ID          uuid.UUID
	TabID       uint64
	Origin      string
	DisplayName string
	IconURL     string
	CreateTime  time.Time

	push PushFunc
}

// Push delivers one event to this session's page context.
func (s *Session) Push(event string, data json.RawMessage) {
	if s.push != nil {
		s.push(event, data)
	}
}

type EventKind string

const (
	SessionCreated   EventKind = "created"
	SessionDestroyed EventKind = "destroyed"
)

type Event struct {
	Kind    EventKind
	TabID   uint64
	Origin  string
	Session uuid.UUID
}

// Registry tracks one session per tab for the lifetime of the process.
type Registry struct {
	lk       sync.Mutex
	sessions map[uint64]*Session
	events   *types.Pubsub[Event]
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uint64]*Session),
		events:   types.NewPubsub[Event](16),
	}
}

// Events exposes tab lifecycle notifications, consumed by metrics and
// teardown hooks.
func (r *Registry) Events() *types.Pubsub[Event] {
	return r.events
}

// CreateSession registers the session for tabID, replacing any stale one.
func (r *Registry) CreateSession(tabID uint64, origin, displayName, iconURL string, push PushFunc) *Session {
	r.lk.Lock()
	sess := &Session{
		ID:          uuid.New(),
		TabID:       tabID,
		Origin:      origin,
		DisplayName: displayName,
		IconURL:     iconURL,
		CreateTime:  time.Now(),
		push:        push,
	}
	r.sessions[tabID] = sess
	count := len(r.sessions)
	r.lk.Unlock()

	log.Infow("session created", "tab", tabID, "origin", origin, "active", count)
	r.events.Publish(Event{Kind: SessionCreated, TabID: tabID, Origin: origin, Session: sess.ID})
	return sess
}

func (r *Registry) GetSession(tabID uint64) (*Session, bool) {
	r.lk.Lock()
	defer r.lk.Unlock()

	sess, ok := r.sessions[tabID]
	return sess, ok
}

func (r *Registry) DeleteSession(tabID uint64) {
	r.lk.Lock()
	sess, ok := r.sessions[tabID]
	if ok {
		delete(r.sessions, tabID)
	}
	r.lk.Unlock()

	if !ok {
		return
	}
	log.Infow("session destroyed", "tab", tabID, "origin", sess.Origin)
	r.events.Publish(Event{Kind: SessionDestroyed, TabID: tabID, Origin: sess.Origin, Session: sess.ID})
}

// Broadcast pushes an event to every live session, optionally filtered to
// one origin so page notifications only reach same-origin connections.
func (r *Registry) Broadcast(event string, data json.RawMessage, originFilter string) {
	r.lk.Lock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if originFilter != "" && sess.Origin != originFilter {
			continue
		}
		targets = append(targets, sess)
	}
	r.lk.Unlock()

	for _, sess := range targets {
		sess.Push(event, data)
	}
}

// Count reports live sessions.
func (r *Registry) Count() int {
	r.lk.Lock()
	defer r.lk.Unlock()
	return len(r.sessions)
}
