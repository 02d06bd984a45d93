package approval

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"

	"github.com/ipfs-force-community/sophon-keeper/metrics"
	"github.com/ipfs-force-community/sophon-keeper/types"
)

var log = logging.Logger("keeper_approval")

// Kind names the user decision an approval asks for.
type Kind string

const (
	KindConnect         Kind = "connect"
	KindSignMessage     Kind = "signMessage"
	KindSignTransaction Kind = "signTransaction"
	KindSignTypedData   Kind = "signTypedData"
	KindAddChain        Kind = "addChain"
)

type outcome struct {
	res json.RawMessage
	err error
}

// Request is one queued authorization. It settles exactly once; a second
// settle attempt is ignored behind the orchestrator lock.
type Request struct {
	ID         uuid.UUID
	Origin     string
	Kind       Kind
	Payload    json.RawMessage
	CreateTime time.Time

	result  chan outcome
	settled bool
}

// Pending is the UI-visible snapshot of the active request.
type Pending struct {
	ID         uuid.UUID       `json:"id"`
	Origin     string          `json:"origin"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreateTime time.Time       `json:"createTime"`
	WindowID   uuid.UUID       `json:"windowId"`
}

// Orchestrator serializes every user-facing authorization through one
// exclusive notification window: a bounded FIFO of pending requests, one
// active request displayed at a time. Focus loss or removal of the window
// rejects everything in flight.
type Orchestrator struct {
	lk     sync.Mutex
	cfg    *types.RequestConfig
	opener WindowOpener

	windowID uuid.UUID // non-zero iff a request is displayed
	active   *Request
	queue    []*Request
}

func NewOrchestrator(ctx context.Context, cfg *types.RequestConfig, opener WindowOpener, winEvents *types.Pubsub[types.WindowEvent]) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg,
		opener: opener,
	}
	ch, unsub := winEvents.Subscribe()
	go o.watchWindowEvents(ctx, ch, unsub)
	if cfg.RequestTimeout > 0 && cfg.ClearInterval > 0 {
		go o.sweepExpired(ctx)
	}
	return o
}

// RequestApproval enqueues a request and blocks until the user settles it,
// the window dies, or ctx is cancelled. The returned payload is whatever
// the UI passed to HandleApproval.
func (o *Orchestrator) RequestApproval(ctx context.Context, origin string, kind Kind, payload json.RawMessage) (json.RawMessage, error) {
	req := &Request{
		ID:         uuid.New(),
		Origin:     origin,
		Kind:       kind,
		Payload:    payload,
		CreateTime: time.Now(),
		result:     make(chan outcome, 1),
	}

	o.lk.Lock()
	switch {
	case o.active == nil:
		o.active = req
		winID, err := o.opener.OpenWindow(ctx)
		if err != nil {
			o.active = nil
			o.lk.Unlock()
			log.Errorf("open notification window: %v", err)
			return nil, errors.Wrapf(types.ErrWindowCreateFailed, "open notification window: %v", err)
		}
		o.windowID = winID
		log.Infow("approval displayed", "id", req.ID, "origin", origin, "kind", kind, "window", winID)
	case len(o.queue) >= o.cfg.ApprovalQueueDepth:
		active := o.pendingLocked()
		o.lk.Unlock()
		return nil, types.ErrApprovalAlreadyPending.WithData(active)
	default:
		o.queue = append(o.queue, req)
		log.Infow("approval queued", "id", req.ID, "origin", origin, "kind", kind, "depth", len(o.queue))
	}
	o.lk.Unlock()

	_ = stats.RecordWithTags(ctx, []tag.Mutator{
		tag.Upsert(metrics.OriginKey, origin),
		tag.Upsert(metrics.ApprovalKindKey, string(kind)),
	}, metrics.ApprovalRequested.M(1))

	select {
	case out := <-req.result:
		return out.res, out.err
	case <-ctx.Done():
		o.cancel(req)
		// the settle may have raced the cancellation; prefer its outcome
		select {
		case out := <-req.result:
			return out.res, out.err
		default:
			return nil, types.ErrUserCancelled
		}
	}
}

// GetApproval returns the active request snapshot, nil when idle.
func (o *Orchestrator) GetApproval() *Pending {
	o.lk.Lock()
	defer o.lk.Unlock()
	return o.pendingLocked()
}

// HandleApproval settles the active request. id may be zero to mean "the
// active one"; a non-matching id is a stale report and fails without
// touching state, which is how late device responses get discarded.
func (o *Orchestrator) HandleApproval(id uuid.UUID, res json.RawMessage, herr *types.Error) error {
	o.lk.Lock()
	defer o.lk.Unlock()

	if o.active == nil {
		return errors.New("no approval in flight")
	}
	if id != uuid.Nil && id != o.active.ID {
		return errors.Errorf("approval %s is not active", id)
	}

	var err error
	if herr != nil {
		err = herr
	}
	o.settleLocked(o.active, outcome{res: res, err: err})
	o.advanceLocked()
	return nil
}

// WindowID reports the tracked notification window, zero when idle.
func (o *Orchestrator) WindowID() uuid.UUID {
	o.lk.Lock()
	defer o.lk.Unlock()
	return o.windowID
}

// QueueLen reports requests waiting behind the active one.
func (o *Orchestrator) QueueLen() int {
	o.lk.Lock()
	defer o.lk.Unlock()
	return len(o.queue)
}

func (o *Orchestrator) watchWindowEvents(ctx context.Context, ch <-chan types.WindowEvent, unsub func()) {
	defer unsub()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			o.onWindowEvent(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) sweepExpired(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ClearInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.rejectExpired()
		case <-ctx.Done():
			return
		}
	}
}

// rejectExpired drops requests that sat unattended past RequestTimeout, so
// an abandoned prompt cannot be confirmed much later.
func (o *Orchestrator) rejectExpired() {
	o.lk.Lock()
	defer o.lk.Unlock()

	cutoff := time.Now().Add(-o.cfg.RequestTimeout)

	kept := o.queue[:0]
	for _, req := range o.queue {
		if req.CreateTime.Before(cutoff) {
			log.Warnw("approval expired", "id", req.ID, "kind", req.Kind, "age", time.Since(req.CreateTime))
			o.settleLocked(req, outcome{err: errors.Wrap(types.ErrUserRejected, "approval expired unattended")})
			continue
		}
		kept = append(kept, req)
	}
	o.queue = kept

	if o.active != nil && o.active.CreateTime.Before(cutoff) {
		log.Warnw("approval expired", "id", o.active.ID, "kind", o.active.Kind, "age", time.Since(o.active.CreateTime))
		o.settleLocked(o.active, outcome{err: errors.Wrap(types.ErrUserRejected, "approval expired unattended")})
		o.advanceLocked()
	}
}

// onWindowEvent applies the focus-loss rule: a window that lost focus or
// was closed outside HandleApproval rejects the active request and drains
// the queue, so no hidden prompt can be confirmed later.
func (o *Orchestrator) onWindowEvent(ev types.WindowEvent) {
	o.lk.Lock()
	defer o.lk.Unlock()

	if o.windowID == uuid.Nil || ev.WindowID != o.windowID {
		return
	}
	log.Warnw("notification window lost", "window", ev.WindowID, "kind", ev.Kind)

	if o.active != nil {
		o.settleLocked(o.active, outcome{err: types.ErrUserRejected})
		o.active = nil
	}
	for _, req := range o.queue {
		o.settleLocked(req, outcome{err: types.ErrUserRejected})
	}
	o.queue = nil

	if ev.Kind == types.WindowFocusLost {
		if err := o.opener.CloseWindow(o.windowID); err != nil {
			log.Errorf("close window %s: %v", o.windowID, err)
		}
	}
	o.windowID = uuid.Nil
}

// cancel settles req with a cancellation if it has not settled yet and
// removes it from the queue or active slot.
func (o *Orchestrator) cancel(req *Request) {
	o.lk.Lock()
	defer o.lk.Unlock()

	if req.settled {
		return
	}
	o.settleLocked(req, outcome{err: types.ErrUserCancelled})

	if o.active == req {
		o.advanceLocked()
		return
	}
	for i, queued := range o.queue {
		if queued == req {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			return
		}
	}
}

// settleLocked delivers the outcome exactly once; a second attempt on the
// same request is a no-op. Assumes lk held.
func (o *Orchestrator) settleLocked(req *Request, out outcome) {
	if req.settled {
		log.Errorf("approval %s settled twice, dropping second outcome", req.ID)
		return
	}
	req.settled = true
	req.result <- out

	result := "resolved"
	if out.err != nil {
		result = "rejected"
	}
	_ = stats.RecordWithTags(context.Background(), []tag.Mutator{
		tag.Upsert(metrics.ApprovalKindKey, string(req.Kind)),
		tag.Upsert(metrics.OutcomeKey, result),
	}, metrics.ApprovalSettled.M(1), metrics.ApprovalDuration.M(metrics.SinceInMilliseconds(req.CreateTime)))
	log.Infow("approval settled", "id", req.ID, "kind", req.Kind, "outcome", result)
}

// advanceLocked promotes the next queued request into the same window, or
// closes the window when the queue is empty. Assumes lk held.
func (o *Orchestrator) advanceLocked() {
	if len(o.queue) > 0 {
		o.active = o.queue[0]
		o.queue = o.queue[1:]
		log.Infow("approval redisplayed", "id", o.active.ID, "window", o.windowID)
		return
	}
	o.active = nil
	if o.windowID != uuid.Nil {
		if err := o.opener.CloseWindow(o.windowID); err != nil {
			log.Errorf("close window %s: %v", o.windowID, err)
		}
		o.windowID = uuid.Nil
	}
}

func (o *Orchestrator) pendingLocked() *Pending {
	if o.active == nil {
		return nil
	}
	return &Pending{
		ID:         o.active.ID,
		Origin:     o.active.Origin,
		Kind:       o.active.Kind,
		Payload:    o.active.Payload,
		CreateTime: o.active.CreateTime,
		WindowID:   o.windowID,
	}
}
