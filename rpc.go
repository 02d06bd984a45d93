package main

import (
	"context"
	"net/http"

	"github.com/etherlabsio/healthcheck/v2"
	"github.com/filecoin-project/go-jsonrpc"
	"github.com/gorilla/mux"
	"go.opencensus.io/stats"

	kapi "github.com/ipfs-force-community/sophon-keeper/api"
	"github.com/ipfs-force-community/sophon-keeper/broker"
	"github.com/ipfs-force-community/sophon-keeper/metrics"
	"github.com/ipfs-force-community/sophon-keeper/session"
)

// NewKeeperHandler mounts the two transport surfaces: the trusted UI
// namespace on /rpc/v0 and the page channel websocket on /page.
func NewKeeperHandler(keeperAPI *kapi.KeeperAPI, b *broker.Broker, registry *session.Registry) http.Handler {
	m := mux.NewRouter()

	rpcServer := jsonrpc.NewServer()
	rpcServer.Register("Keeper", keeperAPI)
	m.Handle("/rpc/v0", rpcServer)

	m.Handle("/page", broker.NewWSServer(b, registry))

	m.Handle("/healthcheck", healthcheck.Handler(
		healthcheck.WithChecker("store", healthcheck.CheckerFunc(func(ctx context.Context) error {
			return nil
		})),
	))

	return m
}

// sessionMetricsLoop keeps the live session gauge current from registry
// lifecycle events.
func sessionMetricsLoop(ctx context.Context, registry *session.Registry) {
	ch, unsub := registry.Events().Subscribe()
	defer unsub()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Kind {
			case session.SessionCreated:
				stats.Record(ctx, metrics.SessionCreated.M(1))
			case session.SessionDestroyed:
				stats.Record(ctx, metrics.SessionDestroyed.M(1))
			}
			stats.Record(ctx, metrics.SessionsActive.M(int64(registry.Count())))
		case <-ctx.Done():
			return
		}
	}
}
