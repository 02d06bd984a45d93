package metrics

import (
	"time"

	rpcMetrics "github.com/filecoin-project/go-jsonrpc/metrics"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// Global Tags
var (
	OriginKey, _       = tag.NewKey("origin")
	ApprovalKindKey, _ = tag.NewKey("approval_kind")
	KeyringTypeKey, _  = tag.NewKey("keyring_type")
	MethodKey, _       = tag.NewKey("method")
	OutcomeKey, _      = tag.NewKey("outcome")
)

var defaultMillisecondsDistribution = view.Distribution(0.01, 0.05, 0.1, 0.3, 0.6, 0.8, 1, 2, 3, 4, 5, 6, 8, 10, 13, 16, 20, 25, 30, 40, 50, 65, 80, 100, 130, 160, 200, 250, 300, 400, 500, 650, 800, 1000, 2000, 3000, 4000, 5000, 7500, 10000, 20000, 50000, 100000)

var (
	// session
	SessionCreated   = stats.Int64("session/created", "Page session created", stats.UnitDimensionless)
	SessionDestroyed = stats.Int64("session/destroyed", "Page session destroyed", stats.UnitDimensionless)
	SessionsActive   = stats.Int64("session/active", "Live page sessions", stats.UnitDimensionless)

	// approval
	ApprovalRequested = stats.Int64("approval/requested", "Approval enqueued", stats.UnitDimensionless)
	ApprovalSettled   = stats.Int64("approval/settled", "Approval resolved or rejected", stats.UnitDimensionless)
	ApprovalDuration  = stats.Float64("approval/duration", "Approval display to settle time", stats.UnitMilliseconds)

	// keyring
	SignRequest = stats.Float64("keyring/sign", "Signing dispatch spent time", stats.UnitMilliseconds)

	// broker
	RPCRequest = stats.Int64("broker/rpc_request", "Inbound page RPC", stats.UnitDimensionless)
)

var (
	sessionCreatedView = &view.View{
		Measure:     SessionCreated,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{OriginKey},
	}
	sessionDestroyedView = &view.View{
		Measure:     SessionDestroyed,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{OriginKey},
	}
	sessionsActiveView = &view.View{
		Measure:     SessionsActive,
		Aggregation: view.LastValue(),
	}

	approvalRequestedView = &view.View{
		Measure:     ApprovalRequested,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{OriginKey, ApprovalKindKey},
	}
	approvalSettledView = &view.View{
		Measure:     ApprovalSettled,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{ApprovalKindKey, OutcomeKey},
	}
	approvalDurationView = &view.View{
		Measure:     ApprovalDuration,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{ApprovalKindKey},
	}

	signRequestView = &view.View{
		Measure:     SignRequest,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{KeyringTypeKey},
	}

	rpcRequestView = &view.View{
		Measure:     RPCRequest,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{MethodKey},
	}
)

var views = append([]*view.View{
	sessionCreatedView,
	sessionDestroyedView,
	sessionsActiveView,
	approvalRequestedView,
	approvalSettledView,
	approvalDurationView,
	signRequestView,
	rpcRequestView,
}, rpcMetrics.DefaultViews...)

// SinceInMilliseconds returns the duration of time since the provide time as a float64.
func SinceInMilliseconds(startTime time.Time) float64 {
	return float64(time.Since(startTime).Nanoseconds()) / 1e6
}

func init() {
	// register metrics
	_ = view.Register(views...)
}
