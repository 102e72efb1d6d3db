package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ent0n29/interviewrt/internal/audio"
	"github.com/ent0n29/interviewrt/internal/config"
	"github.com/ent0n29/interviewrt/internal/httpapi"
	"github.com/ent0n29/interviewrt/internal/interview"
	"github.com/ent0n29/interviewrt/internal/logging"
	"github.com/ent0n29/interviewrt/internal/observability"
	"github.com/ent0n29/interviewrt/internal/session"
	"github.com/ent0n29/interviewrt/internal/storage"
	"github.com/ent0n29/interviewrt/internal/transcript"
)

const serviceName = "interviewrt"

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Registry
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release external resources (DB, tracer).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	logger = logging.OrNop(logger)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	shutdownTracing, err := observability.InitTracing(serviceName, cfg.TraceStdout)
	if err != nil {
		return nil, fmt.Errorf("tracing init failed: %w", err)
	}

	var pool *pgxpool.Pool
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pool, err = storage.OpenPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			_ = shutdownTracing(ctx)
			return nil, fmt.Errorf("postgres init failed: %w", err)
		}
	}

	transcripts := transcript.NewStore(pool, cfg.RedactPII)
	directory := interview.NewDirectory(pool, interview.Profile{})

	factory := &brokerFactory{
		cfg:         cfg,
		directory:   directory,
		transcripts: transcripts,
		metrics:     metrics,
		logger:      logger,
	}
	if strings.TrimSpace(cfg.RecordingDir) != "" {
		recorder, err := audio.NewWAVRecorder(cfg.RecordingDir, cfg.SampleRate)
		if err != nil {
			if pool != nil {
				pool.Close()
			}
			_ = shutdownTracing(ctx)
			return nil, fmt.Errorf("recording init failed: %w", err)
		}
		factory.recorder = recorder
	}

	sessions := session.NewRegistry(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(info session.Info) {
		metrics.ObserveSessionEvent("expired")
		logger.Info("session expired after inactivity",
			zap.String("session_id", info.ID),
			zap.Time("last_activity_at", info.LastActivityAt),
		)
	})

	api := httpapi.New(cfg, sessions, factory, metrics, logger)

	cleanup := func() error {
		var errs []error
		if err := transcripts.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transcript store: %w", err))
		}
		if pool != nil {
			pool.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
		return errors.Join(errs...)
	}

	logger.Info("service configured",
		zap.Bool("mock_realtime", cfg.UseMockRealtime()),
		zap.String("turn_detection", cfg.TurnDetection),
		zap.Bool("postgres", pool != nil),
		zap.Bool("recording", factory.recorder != nil),
	)

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}
