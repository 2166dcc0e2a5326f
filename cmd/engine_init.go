package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/analyzer"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/audit"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/config"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/finalize"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/funnel"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/gateway"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/monitoring"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/projection"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/queue"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/store"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/tracing"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/worker"
)

// engineEnv holds the wired components shared by the long-running commands.
type engineEnv struct {
	Store     store.Store
	Queue     queue.Queue
	Consumer  queue.Consumer // nil when jobs run on Temporal
	Temporal  client.Client  // nil unless queue.driver is temporal
	Hub       *audit.Hub
	Machine   *audit.Machine
	Processor *worker.Processor // nil unless built with a gateway
	Checker   *monitoring.Checker
	Collector *monitoring.Collector

	shutdownTracing tracing.Shutdown
}

// Close releases the store, the Temporal client and the tracer provider.
func (e *engineEnv) Close() {
	if e.Temporal != nil {
		e.Temporal.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
	if e.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.shutdownTracing(ctx); err != nil {
			zap.L().Warn("tracing shutdown failed", zap.Error(err))
		}
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "audits.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{MaxConns: int32(cfg.Store.MaxConns)})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// leaseQueue is a queue backed by the store's own database.
type leaseQueue interface {
	queue.Queue
	queue.Consumer
	Migrate(ctx context.Context) error
}

// initQueue returns the configured queue. Lease queues share the store's
// connection and are migrated here; Temporal returns a nil Consumer.
func initQueue(ctx context.Context, st store.Store) (queue.Queue, queue.Consumer, client.Client, error) {
	var q leaseQueue
	switch cfg.Queue.Driver {
	case "postgres":
		ps, ok := st.(*store.PostgresStore)
		if !ok {
			return nil, nil, nil, eris.New("queue driver postgres requires the postgres store")
		}
		q = queue.NewPostgres(ps.Pool(), cfg.Worker.QueueOptions())
	case "sqlite":
		ss, ok := st.(*store.SQLiteStore)
		if !ok {
			return nil, nil, nil, eris.New("queue driver sqlite requires the sqlite store")
		}
		q = queue.NewSQLite(ss.DB(), cfg.Worker.QueueOptions())
	case "temporal":
		c, err := queue.DialTemporal(cfg.Queue.Temporal)
		if err != nil {
			return nil, nil, nil, err
		}
		return queue.NewTemporal(c, cfg.Queue.Temporal.TaskQueue), nil, c, nil
	default:
		return nil, nil, nil, eris.Errorf("unsupported queue driver: %s", cfg.Queue.Driver)
	}
	if err := q.Migrate(ctx); err != nil {
		return nil, nil, nil, eris.Wrap(err, "migrate queue")
	}
	return q, q, nil, nil
}

// initEngine validates the config for mode and wires the engine. The
// processor is only built for modes that run audits.
func initEngine(ctx context.Context, mode string) (*engineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &engineEnv{}
	shutdown, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return nil, err
	}
	env.shutdownTracing = shutdown

	env.Store, err = openStore(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Queue, env.Consumer, env.Temporal, err = initQueue(ctx, env.Store)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Hub = audit.NewHub(32)
	env.Machine = audit.NewMachine(env.Store, audit.MultiSink{audit.LogSink{}, env.Hub})
	env.Collector = monitoring.NewCollector(env.Store)
	env.Checker = monitoring.NewChecker(env.Store, env.Machine, env.Queue,
		projection.New(cfg.Projection.WebhookURL), monitoring.NewAlerter(cfg.Monitor), cfg.Monitor)

	if mode == config.ModeWorker || mode == config.ModeTemporalWorker {
		env.Processor, err = buildProcessor(env.Store, env.Machine, newGateway())
		if err != nil {
			env.Close()
			return nil, err
		}
	}
	return env, nil
}

func newGateway() gateway.Gateway {
	return gateway.NewAnthropic(gateway.AnthropicConfig{
		APIKey:            cfg.Anthropic.Key,
		Model:             cfg.Anthropic.Model,
		MaxTokens:         cfg.Anthropic.MaxTokens,
		Timeout:           time.Duration(cfg.Anthropic.TimeoutSecs) * time.Second,
		RequestsPerSecond: cfg.Anthropic.RequestsPerSecond,
		Retry:             cfg.Retry.Policy(),
		Breaker:           cfg.Circuit.Breaker(),
	})
}

// buildProcessor wires analyzer, funnel and finalizer around gw.
func buildProcessor(st store.Store, m *audit.Machine, gw gateway.Gateway) (*worker.Processor, error) {
	f, err := funnel.New(st, gw, nil, funnel.Config{
		BatchSize:   cfg.Funnel.BatchSize,
		Concurrency: cfg.Funnel.Concurrency,
		TopK:        cfg.Funnel.TopK,
		TopN:        cfg.Funnel.TopN,
	})
	if err != nil {
		return nil, eris.Wrap(err, "init funnel")
	}
	fin := finalize.New(st, m, f, projection.New(cfg.Projection.WebhookURL), cfg.Quality)
	return worker.NewProcessor(worker.Deps{
		Store:     st,
		Machine:   m,
		Analyzer:  analyzer.New(st),
		Funnel:    f,
		Finalizer: fin,
	}), nil
}
