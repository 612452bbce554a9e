package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"PerpRisk/internal/config"
	"PerpRisk/internal/core"
	"PerpRisk/internal/liquidation"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/oracle"
	"PerpRisk/internal/persistence"
	"PerpRisk/internal/publisher"
	"PerpRisk/internal/state"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Deps are the collaborators the dispatch layer owns.
type Deps struct {
	Markets *state.MarketSet
	Oracle  oracle.Source
	// Matcher is optional; without it LiquidatePerpWithFill is unavailable.
	Matcher liquidation.Matcher
}

// Service hosts one RiskEngine with its persistence worker, record publisher
// and metrics endpoint. The engine stays single-threaded: the embedding
// dispatcher calls it from one goroutine.
type Service struct {
	cfg     *config.Config
	engine  *core.RiskEngine
	db      *sql.DB
	nc      *nats.Conn
	metrics *observability.Metrics
	reg     *prometheus.Registry
	logger  zerolog.Logger

	persistChan chan core.Output
	publishChan chan core.Output
	persist     *persistence.PersistenceWorker
	publisher   *publisher.OutboundPublisher

	publishCancel context.CancelFunc
	wg            sync.WaitGroup
	errChan       chan error
	closeOnce     sync.Once
}

// New connects storage, resumes the log and builds the engine. It does not
// start any goroutine; call Run.
func New(ctx context.Context, cfg *config.Config, deps Deps, logger zerolog.Logger) (*Service, error) {
	coreCfg, err := cfg.Core()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.Postgres.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger).Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	checker := persistence.NewPostgresIdempotencyChecker(db)
	seq, tip, ok, err := checker.LastCommitted(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load log tip: %w", err)
	}
	if ok {
		coreCfg.StartSequence = seq + 1
		coreCfg.StartHash = &tip
		logger.Info().Int64("sequence", seq).Hex("state_hash", tip[:]).Msg("resuming instruction log")
	} else {
		logger.Info().Msg("empty instruction log, starting at genesis")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s := &Service{
		cfg:         cfg,
		db:          db,
		metrics:     observability.NewMetrics(reg),
		reg:         reg,
		logger:      logger,
		persistChan: make(chan core.Output, cfg.Postgres.Queue),
		errChan:     make(chan error, 3),
	}
	s.persist = persistence.NewPersistenceWorker(db, s.persistChan, cfg.Postgres.BatchSize,
		cfg.Postgres.FlushTimeout, s.metrics, logger.With().Str("worker", "persistence").Logger())

	outputs := core.Outputs{Persist: s.persistChan}
	if cfg.NATS.URL != "" {
		nc, js, err := publisher.Connect(cfg.NATS.URL, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		if err := publisher.EnsureStream(ctx, js, cfg.NATS.RecordStream, logger); err != nil {
			nc.Close()
			db.Close()
			return nil, err
		}
		s.nc = nc
		s.publishChan = make(chan core.Output, cfg.NATS.PublishQueue)
		s.publisher = publisher.NewOutboundPublisher(js, s.publishChan, s.metrics,
			logger.With().Str("worker", "publisher").Logger())
		outputs.Publish = s.publishChan
	}

	engine, err := core.NewRiskEngine(coreCfg, deps.Markets, deps.Oracle, deps.Matcher,
		outputs, checker, s.metrics, logger.With().Str("worker", "core").Logger())
	if err != nil {
		s.closeConnections()
		return nil, err
	}
	s.engine = engine

	keys, err := checker.RecentKeys(ctx, cfg.IdempotencyCapacity)
	if err != nil {
		s.closeConnections()
		return nil, fmt.Errorf("load recent keys: %w", err)
	}
	warmed := 0
	for instruction, ks := range keys {
		engine.WarmIdempotency(instruction, ks)
		warmed += len(ks)
	}
	logger.Info().Int("keys", warmed).Msg("warmed idempotency cache")

	return s, nil
}

// Engine returns the hosted core.
func (s *Service) Engine() *core.RiskEngine {
	return s.engine
}

// Registry exposes the metrics registry served on /metrics.
func (s *Service) Registry() *prometheus.Registry {
	return s.reg
}

// Run starts the workers and the metrics server, then blocks until ctx is
// cancelled or a worker fails. Workers keep draining after Run returns; Close
// stops them.
func (s *Service) Run(ctx context.Context) error {
	var publishCtx context.Context
	publishCtx, s.publishCancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// background ctx: the worker exits once Close closes its channel
		if err := s.persist.Run(context.Background()); err != nil {
			s.errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	if s.publisher != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.publisher.Run(publishCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.errChan <- fmt.Errorf("publisher: %w", err)
			}
		}()
	}

	var metricsServer *http.Server
	if s.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{Registry: s.reg}))
		metricsServer = &http.Server{
			Addr:              s.cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			s.logger.Info().Str("addr", s.cfg.MetricsAddr).Msg("metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.errChan <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	s.logger.Info().
		Int64("sequence", s.engine.Sequence()).
		Bool("publishing", s.publisher != nil).
		Msg("risk service ready")

	var err error
	select {
	case <-ctx.Done():
		s.logger.Info().Msg("shutdown requested")
	case err = <-s.errChan:
		s.logger.Error().Err(err).Msg("worker failed, shutting down")
	}

	if metricsServer != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := metricsServer.Shutdown(shutCtx); serr != nil {
			s.logger.Warn().Err(serr).Msg("metrics server shutdown")
		}
	}
	return err
}

// Close drains both output queues and releases connections. The dispatcher
// must have stopped calling the engine. A ctx that expires before the queues
// drain is reported as an error.
func (s *Service) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.persistChan)
		if s.publishChan != nil {
			close(s.publishChan)
		}

		if s.publishCancel == nil {
			// Run never started the workers
			if ferr := s.persist.Run(ctx); ferr != nil {
				err = fmt.Errorf("flush persist queue: %w", ferr)
			}
		} else {
			done := make(chan struct{})
			go func() {
				s.wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				err = fmt.Errorf("drain workers: %w", ctx.Err())
			}
			s.publishCancel()
		}

		s.logger.Info().Int64("sequence", s.engine.Sequence()).Msg("risk service stopped")
		s.closeConnections()
	})
	return err
}

func (s *Service) closeConnections() {
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("nats drain")
		}
	}
	if err := s.db.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("postgres close")
	}
}
