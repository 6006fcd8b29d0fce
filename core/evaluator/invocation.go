package evaluator

import (
	"context"
	"sync"

	"buildgraph.evalgo.org/core/keyvalue"
	"buildgraph.evalgo.org/core/version"
	"github.com/sirupsen/logrus"
)

// invocation is the scratch state shared by every goroutine spawned
// during a single Evaluate call: the keys it has touched (for
// post-hoc cycle detection), the version new values are stamped with,
// and whether a catastrophic or fail-fast error has already fired.
type invocation struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   Options
	equal  func(a, b keyvalue.Value) bool

	graphVersion version.IntVersion

	touchedMu sync.Mutex
	touched   map[keyvalue.Key]struct{}

	abortMu      sync.Mutex
	catastrophic *keyvalue.ErrorInfo
	failFast     *keyvalue.ErrorInfo

	log *logrus.Entry
}

func newInvocation(ctx context.Context, opts Options, graphVersion version.IntVersion, equal func(a, b keyvalue.Value) bool, log *logrus.Entry) *invocation {
	ctx, cancel := context.WithCancel(ctx)
	return &invocation{
		ctx:          ctx,
		cancel:       cancel,
		opts:         opts,
		equal:        equal,
		graphVersion: graphVersion,
		touched:      make(map[keyvalue.Key]struct{}),
		log:          log,
	}
}

func (inv *invocation) markTouched(k keyvalue.Key) {
	inv.touchedMu.Lock()
	inv.touched[k] = struct{}{}
	inv.touchedMu.Unlock()
}

// recordError folds a node-level error into the invocation's abort
// state: a catastrophic error always aborts regardless of KeepGoing;
// an ordinary error aborts only when KeepGoing is false, and only the
// first one observed is kept (matching "fail fast on the first
// error").
func (inv *invocation) recordError(errInfo *keyvalue.ErrorInfo) {
	if errInfo == nil {
		return
	}
	inv.abortMu.Lock()
	defer inv.abortMu.Unlock()

	if errInfo.Kind == keyvalue.ErrCatastrophic {
		if inv.catastrophic == nil {
			inv.catastrophic = errInfo
			inv.cancel()
		}
		return
	}
	if !inv.opts.KeepGoing && inv.failFast == nil {
		inv.failFast = errInfo
		inv.cancel()
	}
}

func (inv *invocation) catastrophicError() *keyvalue.ErrorInfo {
	inv.abortMu.Lock()
	defer inv.abortMu.Unlock()
	return inv.catastrophic
}
