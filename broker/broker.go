package broker

import (
	"context"
	"encoding/json"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/modern-go/reflect2"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"

	"github.com/ipfs-force-community/sophon-keeper/metrics"
	"github.com/ipfs-force-community/sophon-keeper/session"
	"github.com/ipfs-force-community/sophon-keeper/types"
)

var log = logging.Logger("keeper_broker")

// Handler is one controller method bound to an RPC method name.
type Handler func(ctx context.Context, sess *session.Session, req *types.RPCRequest) (interface{}, error)

// Broker routes inbound page requests to controller methods. Transport
// level failures (pending limit, dedupe collision) are shaped here and
// never reach a controller.
type Broker struct {
	cfg    *types.RequestConfig
	routes map[string]Handler
	dedupe *DedupeGuard
}

func NewBroker(cfg *types.RequestConfig, dedupeBlacklist []string) *Broker {
	return &Broker{
		cfg:    cfg,
		routes: make(map[string]Handler),
		dedupe: NewDedupeGuard(dedupeBlacklist),
	}
}

func (b *Broker) HandleFunc(method string, h Handler) {
	b.routes[method] = h
}

// dispatch runs the controller for req and shapes the outcome as a wire
// response. Never panics outward and never returns nil.
func (b *Broker) dispatch(ctx context.Context, sess *session.Session, req *types.RPCRequest) *types.RPCResponse {
	_ = stats.RecordWithTags(ctx, []tag.Mutator{
		tag.Upsert(metrics.MethodKey, req.Method),
	}, metrics.RPCRequest.M(1))

	release, err := b.dedupe.Enter(req.Method)
	if err != nil {
		return &types.RPCResponse{Error: types.AsRPCError(err)}
	}
	defer release()

	h, ok := b.routes[req.Method]
	if !ok {
		log.Warnf("origin %s called unknown method %s", sess.Origin, req.Method)
		return &types.RPCResponse{Error: types.ErrMethodNotFound}
	}

	result, err := h(ctx, sess, req)
	if err != nil {
		return &types.RPCResponse{Error: types.AsRPCError(err)}
	}
	// a typed nil from a controller is an absent result, not "null"
	if reflect2.IsNil(result) {
		return &types.RPCResponse{}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		log.Errorf("encode result of %s: %v", req.Method, err)
		return &types.RPCResponse{Error: types.AsRPCError(err)}
	}
	return &types.RPCResponse{Result: raw}
}

// Connection is the request path of one page channel. Responses correlate
// by strict one-at-a-time ordering, so at most one request may be
// outstanding: a second concurrent Request fails immediately with the
// pending request's data attached for diagnostics.
type Connection struct {
	lk      sync.Mutex
	broker  *Broker
	sess    *session.Session
	pending *types.RPCRequest

	ctx    context.Context
	cancel context.CancelFunc
}

func (b *Broker) NewConnection(ctx context.Context, sess *session.Session) *Connection {
	cctx, cancel := context.WithCancel(ctx)
	return &Connection{
		broker: b,
		sess:   sess,
		ctx:    cctx,
		cancel: cancel,
	}
}

// Request serializes one call on this connection. The request id is echoed
// on every outcome, rejections included.
func (c *Connection) Request(req *types.RPCRequest) *types.RPCResponse {
	c.lk.Lock()
	if c.ctx.Err() != nil {
		c.lk.Unlock()
		return &types.RPCResponse{ID: req.ID, Error: types.ErrUserCancelled}
	}
	if c.pending != nil {
		pending := c.pending
		c.lk.Unlock()
		log.Warnw("request rejected, one already pending", "origin", c.sess.Origin, "method", req.Method, "pending", pending.Method)
		return &types.RPCResponse{ID: req.ID, Error: types.ErrPendingRequestLimit.WithData(pending)}
	}
	c.pending = req
	c.lk.Unlock()

	resp := c.broker.dispatch(c.ctx, c.sess, req)
	resp.ID = req.ID

	c.lk.Lock()
	c.pending = nil
	c.lk.Unlock()

	// channel torn down while the handler ran; the caller must still see
	// a rejection rather than hang on a vanished response
	if c.ctx.Err() != nil && resp.Error == nil {
		return &types.RPCResponse{ID: req.ID, Error: types.ErrUserCancelled}
	}
	return resp
}

// Close tears the channel down and unblocks any in-flight handler.
func (c *Connection) Close() {
	c.lk.Lock()
	pending := c.pending
	c.lk.Unlock()

	if pending != nil {
		log.Warnw("connection closed with request pending", "origin", c.sess.Origin, "method", pending.Method)
	}
	c.cancel()
}

// Pending reports the in-flight request, nil when idle.
func (c *Connection) Pending() *types.RPCRequest {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.pending
}
