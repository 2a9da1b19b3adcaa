package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/duynguyendang/weeklyanalytics/internal/manager"
	apperrors "github.com/duynguyendang/weeklyanalytics/pkg/common/errors"
	"github.com/duynguyendang/weeklyanalytics/pkg/config"
	"github.com/duynguyendang/weeklyanalytics/pkg/export"
	"github.com/duynguyendang/weeklyanalytics/pkg/ingest"
	"github.com/duynguyendang/weeklyanalytics/pkg/pipeline"
	"github.com/duynguyendang/weeklyanalytics/pkg/prompts"
	"github.com/duynguyendang/weeklyanalytics/pkg/schema"
	"github.com/duynguyendang/weeklyanalytics/pkg/service"
	"github.com/duynguyendang/weeklyanalytics/pkg/service/ai"
	"github.com/duynguyendang/weeklyanalytics/pkg/store"
	"github.com/duynguyendang/weeklyanalytics/pkg/table"
)

// app is the wired stack shared by every command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	manager  *manager.StoreManager
	state    *store.StateStore
	gateway  *store.Gateway
	tables   *table.Materializer
	pipeline *pipeline.Pipeline
	batches  *service.BatchService
	gemini   *ai.GeminiBackend
}

// noBackend stands in for Gemini when no API key is configured.
type noBackend struct{}

func (noBackend) Invoke(context.Context, ai.Request) (ai.Response, error) {
	return ai.Response{}, ai.Fail(ai.ClassRejected, errors.New("GEMINI_API_KEY is not set"))
}

// openApp loads the config and opens the store. requireAI fails early when
// no Gemini key is configured.
func openApp(ctx context.Context, requireAI bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}
	if err := a.open(ctx, requireAI); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context, requireAI bool) error {
	cfg := a.cfg
	profile := manager.MemoryProfile(cfg.Store.Profile)

	a.manager = manager.NewStoreManager(filepath.Join(cfg.Store.DataDir, "batches"), profile, false)
	a.manager.SetLogger(a.logger)

	stateCfg := store.DefaultConfig(filepath.Join(cfg.Store.DataDir, "state"))
	if profile == manager.MemoryProfileLow {
		stateCfg.Profile = store.ProfileLowMem
	}
	stateCfg.Logger = a.logger
	state, err := store.OpenStateStore(stateCfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	a.state = state

	a.gateway = store.NewGateway(a.manager, a.logger)
	a.tables = table.NewMaterializer(a.gateway, schema.Funnel())

	var backend ai.Backend = noBackend{}
	switch {
	case cfg.AI.APIKey != "":
		g, err := ai.NewGeminiBackend(ctx, cfg.Gemini())
		if err != nil {
			return err
		}
		a.gemini = g
		backend = g
	case requireAI:
		return fmt.Errorf("%w: GEMINI_API_KEY is not set", apperrors.ErrInvalidInput)
	default:
		a.logger.Debug("no Gemini key configured, analysis is disabled")
	}

	reg, err := prompts.NewRegistry(cfg.PromptsDir)
	if err != nil {
		return err
	}
	formatters, err := export.Formatters(cfg.Report.Formats)
	if err != nil {
		return err
	}
	extractor := ingest.NewExtractor(ingest.ExtractorConfig{
		Dir:      cfg.Source.Dir,
		Pattern:  cfg.Source.Pattern,
		Sheet:    cfg.Source.Sheet,
		Captions: cfg.Source.Columns,
		Workers:  cfg.Source.Workers,
	}, schema.Funnel(), a.logger)

	a.pipeline, err = pipeline.New(pipeline.Deps{
		Extractor:    extractor,
		Gateway:      a.gateway,
		Materializer: a.tables,
		Analyzer:     ai.NewClient(backend, cfg.AI.Config, a.logger),
		Prompts:      reg,
		State:        a.state,
		Formatters:   formatters,
	}, cfg.PipelineOptions(), a.logger)
	if err != nil {
		return err
	}
	a.batches = service.NewBatchService(a.manager, a.gateway, a.tables, a.pipeline, a.logger)
	return nil
}

// Close waits for background runs and closes the stores.
func (a *app) Close() {
	if a.batches != nil {
		a.batches.Close()
	}
	if a.gemini != nil {
		if err := a.gemini.Close(); err != nil {
			a.logger.Warn("failed to close gemini client", "error", err)
		}
	}
	if a.state != nil {
		if err := a.state.Close(); err != nil {
			a.logger.Warn("failed to close state store", "error", err)
		}
	}
	if a.manager != nil {
		a.manager.CloseAll()
	}
}
