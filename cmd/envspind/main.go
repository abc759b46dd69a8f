package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Yamkia/webnexagent/internal/app/migrate"
	"github.com/Yamkia/webnexagent/internal/dbadmin"
	"github.com/Yamkia/webnexagent/internal/docker"
	httpx "github.com/Yamkia/webnexagent/internal/http"
	"github.com/Yamkia/webnexagent/internal/repository"
	"github.com/Yamkia/webnexagent/internal/repository/file"
	"github.com/Yamkia/webnexagent/internal/repository/memory"
	"github.com/Yamkia/webnexagent/internal/repository/postgres"
	"github.com/Yamkia/webnexagent/internal/repository/redisjobs"
	"github.com/Yamkia/webnexagent/internal/service/auth"
	"github.com/Yamkia/webnexagent/internal/service/jobs"
	"github.com/Yamkia/webnexagent/internal/service/provision"
	"github.com/Yamkia/webnexagent/internal/source"
	"github.com/Yamkia/webnexagent/internal/supervisor"
	"github.com/Yamkia/webnexagent/internal/ws"
	"github.com/Yamkia/webnexagent/pkg/config"
	"github.com/Yamkia/webnexagent/pkg/logger"
)

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("envspind", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adminPool, err := pgxpool.New(ctx, cfg.AdminDatabaseURL)
	if err != nil {
		log.Error("failed to connect to admin database", "error", err)
		os.Exit(1)
	}
	defer adminPool.Close()
	admin := dbadmin.New(adminPool, cfg.EnvDBUser, cfg.DBReadyAttempts, cfg.DBReadyInterval)

	registry, registryClose, err := buildRegistry(ctx, cfg, log)
	if err != nil {
		log.Error("failed to configure registry", "error", err)
		os.Exit(1)
	}
	defer registryClose()

	jobStore, jobsClose, err := buildJobStore(cfg, log)
	if err != nil {
		log.Error("failed to configure job store", "error", err)
		os.Exit(1)
	}
	defer jobsClose()

	resolver, err := source.NewResolver(cfg.SourceRoot, cfg.SourceRemote)
	if err != nil {
		log.Error("failed to configure source resolver", "error", err)
		os.Exit(1)
	}

	native, dockerSup := buildSupervisors(cfg, log)
	if native == nil && dockerSup == nil {
		log.Error("no environment variant available", "kind", cfg.EnvKind)
		os.Exit(1)
	}

	provSvc := provision.New(resolver, admin, native, dockerSup, registry, log, provision.Options{
		ConfigDir:      cfg.ConfigDir,
		LogDir:         cfg.LogDir,
		DefaultVersion: cfg.DefaultVersion,
		PortRangeStart: cfg.PortRangeStart,
		PortRangeEnd:   cfg.PortRangeEnd,
		DBHost:         cfg.EnvDBHost,
		DBPort:         cfg.EnvDBPort,
		DBUser:         cfg.EnvDBUser,
		DBPassword:     cfg.EnvDBPassword,
	})

	hub := ws.NewHub()
	tracker := jobs.New(jobStore, provSvc, hub, log, cfg.FetchTimeout+cfg.InitTimeout)
	authSvc := auth.New(cfg.AuthSecret, cfg.AdminPasswordHash, cfg.TokenTTL, log)

	limiter := httpx.NewMemoryRateLimiter()
	if strings.EqualFold(cfg.JobBackend, "redis") {
		redisLimiter, err := httpx.NewRedisRateLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, authSvc, provSvc, tracker, registry, hub, limiter, adminPool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("daemon starting", "addr", cfg.Addr, "kind", cfg.EnvKind)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		tracker.Wait()
		log.Info("daemon stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func buildRegistry(ctx context.Context, cfg config.ServerConfig, log *slog.Logger) (repository.RegistryStore, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.RegistryBackend)) {
	case "", "file":
		return file.New(cfg.RegistryPath, log), func() {}, nil
	case "postgres":
		dsn := strings.TrimSpace(cfg.RegistryDSN)
		if dsn == "" {
			dsn = cfg.AdminDatabaseURL
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		runner, err := migrate.New(pool, dsn, cfg.MigrationsDir, log)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := runner.Ensure(ctx); err != nil {
			runner.Close()
			pool.Close()
			return nil, nil, err
		}
		return postgres.New(pool), func() {
			runner.Close()
			pool.Close()
		}, nil
	default:
		return nil, nil, errors.New("unknown registry backend: " + cfg.RegistryBackend)
	}
}

func buildJobStore(cfg config.ServerConfig, log *slog.Logger) (repository.JobStore, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.JobBackend)) {
	case "", "memory":
		return memory.NewJobs(), func() {}, nil
	case "redis":
		store, err := redisjobs.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.JobTTL)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, errors.New("unknown job backend: " + cfg.JobBackend)
	}
}

// buildSupervisors honors ENV_KIND: "native" or "docker" pin one variant,
// anything else enables both when their hosts cooperate.
func buildSupervisors(cfg config.ServerConfig, log *slog.Logger) (supervisor.Supervisor, supervisor.Supervisor) {
	kind := strings.ToLower(strings.TrimSpace(cfg.EnvKind))

	var native supervisor.Supervisor
	if kind != "docker" {
		native = supervisor.NewSystemd(cfg.UnitDir, cfg.LogDir, log)
	}

	var dockerSup supervisor.Supervisor
	if kind != "native" {
		client, err := docker.New(cfg.DockerHost)
		if err != nil {
			log.Warn("docker unavailable, container environments disabled", "error", err)
		} else {
			dockerSup = supervisor.NewDockerEnv(client, log)
		}
	}
	return native, dockerSup
}
