package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sshcollectorpro/hopshell/api/router"
	"github.com/sshcollectorpro/hopshell/internal/config"
	"github.com/sshcollectorpro/hopshell/internal/credential"
	"github.com/sshcollectorpro/hopshell/internal/database"
	"github.com/sshcollectorpro/hopshell/internal/service"
	"github.com/sshcollectorpro/hopshell/pkg/logger"
	"github.com/sshcollectorpro/hopshell/simulate"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:          "hopshell-server",
		Short:        "HTTP API for running commands over hop chains",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(*cobra.Command, []string) error {
			return serve(configPath)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Config file")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.Init(cfg.Log); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.WithField("version", "1.0.0").Infof("Starting hopshell server")

	if err := database.InitSQLite(cfg.Database.SQLite); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	runner := service.NewRunnerService(cfg, service.Deps{
		Lookup:      loadCredentials(cfg),
		History:     service.NewGormHistory(database.GetDB()),
		Transcripts: service.NewTranscriptWriter(cfg.Transcript, cfg.Storage.Minio),
	})

	sim := &simulator{}
	sim.apply(cfg.Simulate)
	defer sim.stop()

	server := &http.Server{
		Addr:           cfg.GetServerAddr(),
		Handler:        router.SetupRouter(runner, cfg.Server.Mode),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}
	go func() {
		logger.WithField("addr", server.Addr).Infof("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		err := config.Watch(ctx, path, func(next *config.Config) {
			if err := logger.Init(next.Log); err != nil {
				logger.Warnf("Log config reload failed, keeping previous logger: %v", err)
			}
			runner.UpdateConfig(next)
			runner.UpdateLookup(loadCredentials(next))
			runner.UpdateTranscripts(service.NewTranscriptWriter(next.Transcript, next.Storage.Minio))
			sim.apply(next.Simulate)
			logger.WithField("targets", len(next.Targets)).Infof("Config reloaded")
		})
		if err != nil {
			logger.Warnf("Config watch stopped: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Infof("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
		return err
	}
	logger.Infof("Server shutdown complete")
	return nil
}

// loadCredentials 读取口令目录；未配置或读取失败时不补全口令
func loadCredentials(cfg *config.Config) credential.Lookuper {
	if cfg.Credentials.File == "" {
		return nil
	}
	dir, err := credential.Load(cfg.Credentials.File)
	if err != nil {
		logger.WithField("file", cfg.Credentials.File).Warnf("Credential directory unavailable: %v", err)
		return nil
	}
	logger.WithField("hosts", len(dir.Paths())).Infof("Credential directory loaded")
	return dir
}

// simulator 按配置启停模拟主机
type simulator struct {
	mu  sync.Mutex
	cfg config.SimulateConfig
	srv *simulate.Server
}

func (s *simulator) apply(cfg config.SimulateConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil && (!cfg.Enable || cfg.Addr != s.cfg.Addr || cfg.Password != s.cfg.Password) {
		s.srv.Stop()
		s.srv = nil
		logger.Infof("Simulate: stopped")
	}
	s.cfg = cfg
	if !cfg.Enable || s.srv != nil {
		return
	}
	srv, err := simulate.NewServer(cfg.ServerConfig)
	if err != nil {
		logger.Warnf("Simulate: init failed: %v", err)
		return
	}
	if err := srv.Start(); err != nil {
		logger.Warnf("Simulate: start failed: %v", err)
		return
	}
	s.srv = srv
	logger.WithField("addr", srv.Addr()).Infof("Simulate: started")
}

func (s *simulator) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		s.srv.Stop()
		s.srv = nil
	}
}
