package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/echo-labs/echo-cli/internal/config"
	"github.com/echo-labs/echo-cli/internal/guard"
	"github.com/echo-labs/echo-cli/internal/pipeline"
	"github.com/echo-labs/echo-cli/internal/resilience"
	"github.com/echo-labs/echo-cli/internal/store"
	"github.com/echo-labs/echo-cli/pkg/echoapi"
)

// pipelineEnv holds the initialized gateway, ledger and pipeline needed by
// the generate/batch/serve commands.
type pipelineEnv struct {
	Store    store.Store
	Client   echoapi.Client
	Pipeline *pipeline.Pipeline

	closers []func()
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	for i := len(pe.closers) - 1; i >= 0; i-- {
		pe.closers[i]()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates config for mode, opens and migrates the store, and
// builds the gateway, guard and Pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	policy, err := pipeline.ParseIntermediatePolicy(cfg.Pipeline.IntermediatePolicy)
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env := &pipelineEnv{Store: st, Client: initClient(cfg.Backend)}

	g, closeGuard, err := initGuard(ctx, cfg.Guard)
	if err != nil {
		env.Close()
		return nil, err
	}
	if closeGuard != nil {
		env.closers = append(env.closers, closeGuard)
	}

	env.Pipeline = pipeline.New(env.Client, st, g, pipeline.Config{
		Invoke:             invokeConfig(cfg.Invoke),
		IntermediatePolicy: policy,
		SimulateOnFailure:  cfg.Pipeline.SimulateOnFailure,
	})

	zap.L().Debug("pipeline initialized",
		zap.String("backend", cfg.Backend.BaseURL),
		zap.String("store", cfg.Store.Driver),
		zap.String("guard", cfg.Guard.Driver),
		zap.String("intermediate_policy", string(policy)),
	)
	return env, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "echo.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the ledger for read-only commands.
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

func initClient(bc config.BackendConfig) echoapi.Client {
	opts := []echoapi.Option{echoapi.WithBaseURL(bc.BaseURL)}
	if bc.TimeoutSecs > 0 {
		opts = append(opts, echoapi.WithTimeout(time.Duration(bc.TimeoutSecs)*time.Second))
	}
	if bc.RateLimitRPS > 0 {
		burst := bc.RateBurst
		if burst < 1 {
			burst = 1
		}
		opts = append(opts, echoapi.WithRateLimiter(rate.NewLimiter(rate.Limit(bc.RateLimitRPS), burst)))
	}
	return echoapi.NewClient(opts...)
}

// initGuard builds the per-user guard. The returned closer may be nil.
func initGuard(ctx context.Context, gc config.GuardConfig) (guard.Guard, func(), error) {
	switch gc.Driver {
	case "none":
		zap.L().Warn("per-user run guard disabled, concurrent runs for one user are possible")
		return guard.Noop{}, nil, nil
	case "", "memory":
		return guard.NewMemory(), nil, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: gc.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, eris.Wrapf(err, "guard: ping redis %s", gc.RedisAddr)
		}
		ttl := time.Duration(gc.TTLSecs) * time.Second
		return guard.NewRedis(client, ttl, nil), func() { _ = client.Close() }, nil
	default:
		return nil, nil, eris.Errorf("unsupported guard driver: %s", gc.Driver)
	}
}

func invokeConfig(ic config.InvokeConfig) resilience.InvokeConfig {
	return resilience.FromInvokeConfig(ic.TimeoutSecs, ic.MaxRetries, ic.BackoffBaseSecs, ic.BackoffFactor, ic.MaxBackoffSecs)
}
