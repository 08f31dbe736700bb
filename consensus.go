// Package paxosd is a library embedders use to replicate operations over a
// Multi-Paxos cluster: construct a Consensus with a peer list and an apply
// callback, submit opaque operation bytes with Request, and the same bytes
// are applied in the same order on every node.
package paxosd

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/kvquorum/paxosd/internal/applier"
	"github.com/kvquorum/paxosd/internal/config"
	"github.com/kvquorum/paxosd/internal/connpool"
	"github.com/kvquorum/paxosd/internal/engine"
	"github.com/kvquorum/paxosd/internal/metrics"
	"github.com/kvquorum/paxosd/internal/termpool"
	"github.com/kvquorum/paxosd/internal/xerrors"
)

// Consensus is one node's handle onto a replicated Multi-Paxos cluster.
type Consensus struct {
	engine  *engine.Engine
	applier *applier.Applier
	pool    *connpool.Pool
	term    *termpool.Pool
	log     zerolog.Logger
}

// Option configures a Consensus at construction.
type Option func(*options)

type options struct {
	logger   zerolog.Logger
	registry prometheus.Registerer
	metricNS string
}

// WithLogger overrides the default (disabled) logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithMetricsRegistry enables Prometheus instrumentation against reg, with
// metric names under namespace.
func WithMetricsRegistry(reg prometheus.Registerer, namespace string) Option {
	return func(o *options) { o.registry = reg; o.metricNS = namespace }
}

// New constructs a Consensus for node selfID in cfg's cluster, decoding
// chosen entries with codec and applying them with apply. It validates cfg
// and binds this node's listen address; the election/leader state machine
// and the sequential applier goroutine do not run until Start is called.
func New(selfID int, cfg config.Config, codec OperationCodec, apply ApplierFunc, opts ...Option) (*Consensus, error) {
	cfg.Self = selfID
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Configuration(err.Error())
	}

	o := &options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(o)
	}

	var m *metrics.Registry
	if o.registry != nil {
		m = metrics.New(o.registry, o.metricNS)
	}

	pool := connpool.New(cfg.IdleTimeout, cfg.CullInterval,
		connpool.WithLogger(o.logger),
		connpool.WithMetrics(m),
	)

	combinedApply := func(opBytes []byte) ([]byte, error) {
		op, err := codec.Decode(opBytes)
		if err != nil {
			return nil, xerrors.Protocol("decode chosen entry: " + err.Error())
		}
		return apply(op)
	}

	// The Applier needs the Engine to exist (it is the Applier's LogView)
	// and the Engine needs the Applier's Notify/waiter surface, so neither
	// can be constructed fully first: build the Engine with a placeholder
	// Applier reference, then rebuild the Applier against the real Engine.
	placeholder := applier.New(nil, combinedApply)
	eng := engine.New(selfID, cfg, pool, placeholder, placeholder,
		engine.WithLogger(o.logger),
		engine.WithMetrics(m),
	)
	ap := applier.New(eng, combinedApply, applier.WithLogger(o.logger), applier.WithMetrics(m))
	eng.SetApplier(ap, ap)

	tp, err := termpool.New(cfg.SelfAddr(), cfg.MaxConcurrentConns, cfg.SelectInterval, cfg.IdleTimeout, eng.Demux,
		termpool.WithLogger(o.logger),
		termpool.WithMetrics(m),
	)
	if err != nil {
		pool.Close()
		return nil, err
	}

	c := &Consensus{engine: eng, applier: ap, pool: pool, term: tp, log: o.logger}
	return c, nil
}

// Start launches the applier's scan loop and the election/leader state
// machine. It is separate from New so a caller that needs to learn this
// node's bound address before peers can be told about it (e.g. when every
// node is constructed with an ephemeral "host:0" listen address) has a
// chance to do so first via Addr and RebindPeer-style reconfiguration.
func (c *Consensus) Start() {
	go c.applier.Run()
	c.engine.Start()
}

// Addr returns this node's bound listen address, useful when the
// configured address used an ephemeral port.
func (c *Consensus) Addr() string {
	return c.term.Addr().String()
}

// Request submits opBytes for replication and blocks until it has been
// applied, returning the result the apply callback produced. It may
// forward the request to another node and retry against a new leader
// transparently; callers control the overall deadline via ctx.
func (c *Consensus) Request(ctx context.Context, opBytes []byte) ([]byte, error) {
	return c.engine.Request(ctx, opBytes)
}

// Teardown stops the election/leader state machine, the applier, the
// listener, and the outbound connection pool, aggregating every failure
// encountered rather than stopping at the first.
func (c *Consensus) Teardown() error {
	var result *multierror.Error
	c.engine.Stop()
	c.applier.Close()
	if err := c.term.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.pool.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// LeaderHint returns the address this node currently believes leads, purely
// for operational visibility (logging, a status endpoint).
func (c *Consensus) LeaderHint() (string, bool) {
	return c.engine.LeaderAddrHint()
}

// IsLeading reports whether this node currently believes it leads.
func (c *Consensus) IsLeading() bool {
	return c.engine.IsLeading()
}

// RebindPeer updates one peer's address before Start is called, for
// callers that only learn a peer's real bound address after that peer's
// own listener has started (see Start).
func (c *Consensus) RebindPeer(id int, addr string) {
	c.engine.RebindPeer(id, addr)
}
