// Package executor holds the node executor registry: one function per node
// type, invoked by the orchestrator as it walks a flow graph. Executors are
// pure with respect to shared state except where the node semantics demand
// otherwise (join slots, token cache, queue producers).
package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/trellisflow/trellis/internal/breaker"
	"github.com/trellisflow/trellis/internal/expr"
	"github.com/trellisflow/trellis/internal/join"
	"github.com/trellisflow/trellis/internal/metrics"
	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/queue"
	"github.com/trellisflow/trellis/internal/storage"
	"github.com/trellisflow/trellis/internal/tokens"
	"github.com/trellisflow/trellis/internal/vault"
)

// ErrPending is returned by the join executor while a slot waits for its
// pairing stream. The orchestrator propagates nothing and lets the run
// branch end there.
var ErrPending = errors.New("join pending")

// RouteKey is the reserved output key a conditional executor sets to name
// the branch taken. The orchestrator pops it before propagation.
const RouteKey = "_route"

// Deps bundles the long-lived service handles executors draw on. One value
// is shared across every run; per-run identity travels in ExecContext.
type Deps struct {
	Store    storage.Gateway
	Vault    *vault.Vault
	Secrets  *vault.Secrets
	Tokens   *tokens.Service
	Queue    queue.Queue
	Joins    *join.Store
	Breakers *breaker.Manager
	Expr     *expr.Engine
	DBs      *DBPool
	HTTP     *http.Client
	Metrics  *metrics.Metrics
	Log      zerolog.Logger
	Now      func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

// ExecContext carries run identity and the inbound edge into one executor
// invocation. Flow is the definition snapshot the run executes against.
type ExecContext struct {
	FlowID      string
	FlowName    string
	RunID       string
	TraceID     string
	Emulation   bool
	SourceNode  string
	SourceLabel string
	Flow        *model.Flow

	Deps *Deps
}

// Executor runs one node. Input and output are opaque JSON-shaped records.
type Executor func(ctx context.Context, node model.Node, input model.Payload, env ExecContext) (model.Payload, error)

// Registry maps node types to executors. Registration happens at startup;
// lookups afterwards are read-only.
type Registry struct {
	mu    sync.RWMutex
	execs map[model.NodeType]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{execs: make(map[model.NodeType]Executor)}
}

// Register binds an executor to a node type. Registering a type twice is a
// programming error and panics at startup.
func (r *Registry) Register(t model.NodeType, fn Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.execs[t]; dup {
		panic(fmt.Sprintf("executor for node type %q registered twice", t))
	}
	r.execs[t] = fn
}

// Lookup returns the executor for a node type.
func (r *Registry) Lookup(t model.NodeType) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.execs[t]
	return fn, ok
}

// Types returns the registered node types, sorted.
func (r *Registry) Types() []model.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.NodeType, 0, len(r.execs))
	for t := range r.execs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Default builds the registry with every engine node type bound.
func Default() *Registry {
	r := NewRegistry()

	// Triggers pass their seed payload through.
	r.Register(model.NodeWebhook, execTrigger)
	r.Register(model.NodeScheduler, execTrigger)
	r.Register(model.NodeManual, execTrigger)
	r.Register(model.NodeSFTPPoller, execTrigger)
	r.Register(model.NodeBlobPoller, execTrigger)
	r.Register(model.NodeInterface, execTrigger)

	// Parse and transform.
	r.Register(model.NodeJSONParser, execJSONParser)
	r.Register(model.NodeCSVParser, execCSVParser)
	r.Register(model.NodeXMLParser, execXMLParser)
	r.Register(model.NodeObjectMapper, execObjectMapper)
	r.Register(model.NodeValidator, execValidator)

	// Control flow.
	r.Register(model.NodeConditional, execConditional)
	r.Register(model.NodeJoin, execJoin)
	r.Register(model.NodeParallel, execParallel)

	// Connectors.
	r.Register(model.NodeHTTPSource, execHTTPSource)
	r.Register(model.NodeHTTPDestination, execHTTPDestination)
	r.Register(model.NodeDBConnector, execDBConnector)
	r.Register(model.NodeSFTPConnector, execSFTPConnector)
	r.Register(model.NodeBlobConnector, execBlobConnector)
	r.Register(model.NodeQueueProducer, execQueueProducer)

	// Emitters.
	r.Register(model.NodeEgress, execEgress)

	return r
}

// execTrigger hands the seed payload downstream unchanged. Trigger nodes do
// their real work outside the run: webhooks in ingress, schedules in the
// cron registry, pollers in their watchers.
func execTrigger(ctx context.Context, node model.Node, input model.Payload, env ExecContext) (model.Payload, error) {
	if input == nil {
		return model.Payload{}, nil
	}
	return input, nil
}

// execParallel fans its input out unchanged; the orchestrator propagates it
// to every outgoing edge.
func execParallel(ctx context.Context, node model.Node, input model.Payload, env ExecContext) (model.Payload, error) {
	return input, nil
}
