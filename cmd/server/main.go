package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"oneshot.link/config"
	"oneshot.link/internal/api"
	"oneshot.link/internal/crypto"
	"oneshot.link/internal/lifecycle"
	"oneshot.link/internal/logger"
	"oneshot.link/internal/models"
	"oneshot.link/internal/passphrase"
	"oneshot.link/internal/ratelimit"
	"oneshot.link/internal/receipt"
	"oneshot.link/internal/rpc"
	"oneshot.link/internal/scope"
	"oneshot.link/internal/store"
	"oneshot.link/internal/sweeper"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	log := logger.NewLogger("oneshot-server", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	registry, err := store.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer registry.Close()

	tracker, err := receipt.NewTracker(registry, cfg.Receipts.Retention, cfg.Receipts.CacheTTL, log)
	if err != nil {
		return err
	}
	defer tracker.Close()

	limiters := newLimiters(registry, cfg.Passphrase.Window, log)
	defer limiters.close()

	gate := passphrase.NewGate(limiters.failures, cfg.Passphrase.MaxAttempts, cfg.Passphrase.Argon2, log)

	resolver, err := scope.NewResolver(cfg.Partitions.Domains, models.Scope(cfg.Partitions.Default))
	if err != nil {
		return err
	}

	sealer, err := newSealer(cfg, log)
	if err != nil {
		return err
	}

	svc := lifecycle.New(registry, resolver, gate, tracker, sealer, lifecycle.Options{
		DefaultTTL:       cfg.Secrets.DefaultTTL,
		MinTTL:           cfg.Secrets.MinTTL,
		MaxTTL:           cfg.Secrets.MaxTTL,
		MaxContentSize:   cfg.Secrets.MaxContentSize,
		OperationTimeout: cfg.Secrets.OperationTimeout,
		GeneratedLength:  cfg.Secrets.GeneratedLength,
	}, log)

	router := api.SetupRouter(svc, cfg, api.Limiters{
		API:    limiters.api,
		Reveal: limiters.reveal,
		Window: time.Minute,
	}, log)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	log.Info().
		Str("addr", cfg.Addr()).
		Str("base_url", cfg.Server.BaseURL).
		Strs("partitions", cfg.PartitionNames()).
		Msg("Server starting")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info().Msg("Shutting down")
		return server.Shutdown(shutdownCtx)
	})

	if cfg.Server.GRPCPort != 0 {
		grpcServer := rpc.NewGRPCServer(svc, log)
		g.Go(func() error {
			return serveGRPC(ctx, grpcServer, cfg.GRPCAddr(), log)
		})
	}

	if cfg.Sweeper.Enabled {
		sw := sweeper.New(svc, registry, cfg.Sweeper.Interval, log)
		g.Go(func() error {
			return sw.Run(ctx)
		})
	}

	return g.Wait()
}

func serveGRPC(ctx context.Context, s *grpc.Server, addr string, log *logger.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()

	log.Info().Str("addr", addr).Msg("gRPC server starting")
	if err := s.Serve(lis); err != nil {
		return fmt.Errorf("grpc server: %w", err)
	}
	return nil
}

// newSealer uses the configured master key, or a random one that dies with
// the process.
func newSealer(cfg *config.Config, log *logger.Logger) (*crypto.Sealer, error) {
	key, err := cfg.MasterKey()
	if err != nil {
		return nil, err
	}
	if key == nil {
		log.Warn().Msg("No master key configured; secrets will be unreadable after a restart")
		key = crypto.GenerateMasterKey()
	}
	return crypto.NewSealer(key)
}

type limiterSet struct {
	failures ratelimit.Limiter
	api      ratelimit.Limiter
	reveal   ratelimit.Limiter
	closers  []func() error
}

// newLimiters shares counters through redis when the default partition is
// redis backed, so every instance sees the same attempts.
func newLimiters(registry *store.Registry, passphraseWindow time.Duration, log *logger.Logger) *limiterSet {
	if records, err := registry.For(registry.Default()); err == nil {
		if rs, ok := records.(*store.RedisStore); ok {
			log.Info().Msg("Rate limits shared through redis")
			return &limiterSet{
				failures: ratelimit.NewRedisLimiter(rs.Client(), "passphrase", passphraseWindow),
				api:      ratelimit.NewRedisLimiter(rs.Client(), "api", time.Minute),
				reveal:   ratelimit.NewRedisLimiter(rs.Client(), "reveal", time.Minute),
			}
		}
	}

	failures := ratelimit.NewMemoryLimiter(passphraseWindow)
	apiLimiter := ratelimit.NewMemoryLimiter(time.Minute)
	reveal := ratelimit.NewMemoryLimiter(time.Minute)
	return &limiterSet{
		failures: failures,
		api:      apiLimiter,
		reveal:   reveal,
		closers:  []func() error{failures.Close, apiLimiter.Close, reveal.Close},
	}
}

func (l *limiterSet) close() {
	for _, c := range l.closers {
		_ = c()
	}
}
