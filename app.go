package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"photorestore/core"
	"photorestore/db"
	"photorestore/degradation"
	"photorestore/logging"
	"photorestore/modelclient"
	"photorestore/modelruntime"
	"photorestore/restore"
	"photorestore/sampler"
	"photorestore/shutdown"
)

// Shutdown handler priorities, lower runs first
const (
	priorityPartialOutput = 10
	priorityModels        = 20
	priorityModelClient   = 30
	priorityHistory       = 40
	priorityLogger        = 90
)

// app is the wired restoration stack for one CLI invocation.
type app struct {
	cfg      *core.Config
	logger   *logging.Logger
	shutdown *shutdown.Manager
	models   *modelruntime.Manager
	engine   *restore.Engine
	history  *db.Database
	recorder *db.RunRecorder
}

// dialModels connects to the inference host(s) named by cfg. The returned
// close func closes every connection that was opened.
func dialModels(cfg *core.Config, logger *zap.Logger) (modelruntime.Loader, func() error, error) {
	enc, err := modelclient.Dial(cfg.Model.Address, logger.Named("encoder-host"))
	if err != nil {
		return nil, nil, err
	}
	if !cfg.SplitHosts() {
		return enc, enc.Close, nil
	}

	den, err := modelclient.Dial(cfg.DenoiserAddress, logger.Named("denoiser-host"))
	if err != nil {
		enc.Close()
		return nil, nil, err
	}
	closeBoth := func() error {
		errEnc := enc.Close()
		if err := den.Close(); err != nil {
			return err
		}
		return errEnc
	}
	return modelruntime.SplitLoader{Encoder: enc, Denoiser: den}, closeBoth, nil
}

// newApp wires the engine over loader. outPath names the file this run
// writes; its partial file is removed on shutdown. Empty skips that handler.
func newApp(ctx context.Context, cfg *core.Config, logger *logging.Logger, loader modelruntime.Loader, outPath string) *app {
	zl := logger.Zap()

	mgr := shutdown.NewManager(logger.Named("shutdown"), shutdown.WithTimeout(cfg.ShutdownTimeout))

	models := modelruntime.NewManager(loader,
		modelruntime.WithLogger(logger.Named("models")),
		modelruntime.WithLoadTimeout(cfg.Model.LoadTimeout),
		modelruntime.WithMemoryBudget(modelruntime.NewMemoryBudget(cfg.Model.MemoryLimitBytes())),
	)

	samplerOpts := []sampler.Option{
		sampler.WithLogger(logger.Named("sampler")),
		sampler.WithBudget(models),
	}
	if cfg.HasSeed {
		samplerOpts = append(samplerOpts, sampler.WithSeed(cfg.Seed))
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		shutdown: mgr,
		models:   models,
	}

	engineOpts := []restore.Option{
		restore.WithExtractor(degradation.NewExtractor(cfg.Model.EncoderInputSize, cfg.Model.EncoderOutput)),
		restore.WithScheduleParams(restore.ScheduleParams{T: cfg.ScheduleT, MaxSigma: cfg.MaxSigma, Eps: cfg.Eps}),
		restore.WithKeepAlive(mgr),
		restore.WithLogger(logger.Named("restore")),
	}

	if cfg.DBPath != "" {
		history, err := db.Open(ctx, cfg.DBPath)
		if err != nil {
			// history is optional; restoration still runs without it
			zl.Warn("Run history disabled", zap.String("path", cfg.DBPath), zap.Error(err))
		} else {
			a.history = history
			a.recorder = db.NewRunRecorder(db.NewRepository(history), logger.Named("history"))
			engineOpts = append(engineOpts, restore.WithRecorder(a.recorder))
		}
	}

	a.engine = restore.NewEngine(models, sampler.New(samplerOpts...), engineOpts...)

	if outPath != "" {
		mgr.Register("partial-output", priorityPartialOutput, shutdown.RemovePartialOutput(zl, outPath))
	}
	mgr.Register("model-runtime", priorityModels, shutdown.CloseFunc(models))
	if a.history != nil {
		mgr.Register("run-history", priorityHistory, func(ctx context.Context) error {
			if err := a.recorder.Close(ctx); err != nil {
				zl.Warn("Run history flush incomplete", zap.Error(err))
			}
			return a.history.Close()
		})
	}
	mgr.Register("logger", priorityLogger, func(ctx context.Context) error {
		// stderr sync fails on some terminals, ignore
		_ = logger.Sync()
		return nil
	})
	return a
}

// registerCloser adds a transport close handler, if any.
func (a *app) registerCloser(name string, fn func() error) {
	if fn == nil {
		return
	}
	a.shutdown.Register(name, priorityModelClient, func(ctx context.Context) error {
		if err := fn(); err != nil {
			return fmt.Errorf("close %s: %w", name, err)
		}
		return nil
	})
}
