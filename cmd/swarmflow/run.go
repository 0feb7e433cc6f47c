package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/swarmflow/agent/affinity"
	"github.com/BaSui01/swarmflow/chain"
	"github.com/BaSui01/swarmflow/config"
	"github.com/BaSui01/swarmflow/engine"
	"github.com/BaSui01/swarmflow/events"
	"github.com/BaSui01/swarmflow/internal/metrics"
	"github.com/BaSui01/swarmflow/internal/server"
	"github.com/BaSui01/swarmflow/internal/telemetry"
	"github.com/BaSui01/swarmflow/store"
	"github.com/BaSui01/swarmflow/types"
)

// =============================================================================
// 🚀 run 命令
// =============================================================================

type runOptions struct {
	// MetricsAddr 非空时启动运维端点，覆盖 server 配置
	MetricsAddr string
}

// report 是 run 命令的输出
type report struct {
	Chain     *types.TaskChain         `json:"chain"`
	Results   map[string]*types.Result `json:"results"`
	Stats     engine.Stats             `json:"stats"`
	Persisted uint64                   `json:"persisted_snapshots"`
}

func runRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	chainPath := fs.String("chain", "", "Chain definition (YAML or JSON)")
	metricsAddr := fs.String("metrics-addr", "", "Serve ops endpoints on this address")
	timeout := fs.Duration("timeout", 5*time.Minute, "Give up after this long")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *chainPath == "" {
		return errors.New("--chain is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	def, err := chain.LoadDefinition(*chainPath)
	if err != nil {
		return err
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()
	logger.Info("starting SwarmFlow",
		zap.String("version", Version),
		zap.String("git_commit", GitCommit),
	)

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	return execute(ctx, cfg, def, runOptions{MetricsAddr: *metricsAddr}, os.Stdout, logger)
}

// execute 注册模拟 Agent、提交任务链并等待其结束，然后输出 JSON 报告
func execute(ctx context.Context, cfg *config.Config, def *chain.Definition, opts runOptions, out io.Writer, logger *zap.Logger) error {
	if len(cfg.Agents) == 0 {
		return types.NewError(types.ErrConfiguration, "no agents configured")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollectorWith(reg, "swarmflow", logger)

	engineOpts := []engine.Option{engine.WithLogger(logger), engine.WithMetrics(collector)}
	if cfg.Affinity.Enabled {
		engineOpts = append(engineOpts, engine.WithAffinityModel(affinity.NewEmbeddingModel(cfg.Affinity.Dimensions)))
	}
	e := engine.New(engine.FromConfig(cfg), engineOpts...)
	defer e.Close()

	st, err := store.New(cfg, collector, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("store close failed", zap.Error(err))
		}
	}()
	persister := store.NewPersister(e, st, cfg.Events.BufferSize, logger)

	for _, spec := range cfg.Agents {
		if _, err := e.RegisterAgent(spec, simulatedAgent(spec)); err != nil {
			return err
		}
	}

	if srv := opsServer(cfg, opts, e, reg, collector, logger); srv != nil {
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	finished := e.Subscribe(16, types.EventChainCompleted, types.EventChainFailed)
	chainID, err := e.SubmitDefinition(def)
	if err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return e.Run(gctx) })
	g.Go(func() error { return persister.Run(context.Background()) })

	waitErr := waitForChain(ctx, finished, chainID)

	cancelRun()
	e.Close()
	if err := g.Wait(); err != nil {
		return err
	}

	snapshot, err := e.Chain(chainID)
	if err != nil {
		return err
	}
	rep := report{
		Chain:     snapshot,
		Results:   make(map[string]*types.Result, len(snapshot.Tasks)),
		Stats:     e.Stats(),
		Persisted: persister.Saved(),
	}
	for _, t := range snapshot.Tasks {
		if t.Result != nil {
			rep.Results[t.ID] = t.Result
		}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return err
	}

	if waitErr != nil {
		return waitErr
	}
	if snapshot.Status == types.ChainFailed {
		return types.NewError(types.ErrChainStructuralFailure, "chain failed: "+string(snapshot.FailureReason))
	}
	return nil
}

// waitForChain 等待目标链的 completed/failed 事件
func waitForChain(ctx context.Context, sub *events.Subscription, chainID string) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("chain %s did not finish: %w", chainID, ctx.Err())
		case ev, ok := <-sub.C():
			if !ok {
				return fmt.Errorf("event stream closed before chain %s finished", chainID)
			}
			if ev.ChainID == chainID {
				return nil
			}
		}
	}
}

func opsServer(cfg *config.Config, opts runOptions, src server.Source, reg *prometheus.Registry, rec server.HTTPRecorder, logger *zap.Logger) *server.Manager {
	var sc server.Config
	switch {
	case opts.MetricsAddr != "":
		sc = server.DefaultConfig()
		sc.Addr = opts.MetricsAddr
	case cfg.Server.Enabled:
		sc = server.ConfigFrom(cfg.Server)
	default:
		return nil
	}
	handler := server.NewHandler(src, server.HandlerOptions{Gatherer: reg, Recorder: rec, Logger: logger})
	return server.NewManager(handler, sc, logger)
}

// =============================================================================
// ✅ validate 命令
// =============================================================================

func runValidate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	chainPath := fs.String("chain", "", "Chain definition (YAML or JSON)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *chainPath == "" {
		return errors.New("--chain is required")
	}
	def, err := chain.LoadDefinition(*chainPath)
	if err != nil {
		return err
	}
	strategy, tasks, err := def.Build(time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "chain %q is valid: %d tasks, strategy %s\n", def.Name, len(tasks), strategy)
	return nil
}
