// cmd/server/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/Chinzzii/pg-logical-replicator/internal/clock"
	"github.com/Chinzzii/pg-logical-replicator/internal/cluster"
	"github.com/Chinzzii/pg-logical-replicator/internal/config"
	"github.com/Chinzzii/pg-logical-replicator/internal/dbgateway"
	"github.com/Chinzzii/pg-logical-replicator/internal/httpstatus"
	"github.com/Chinzzii/pg-logical-replicator/internal/wsconn"
)

const shutdownTimeout = 5 * time.Second

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.FromFlags(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("parse configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	mode, err := cluster.ParseMode(cfg.Mode)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid mode")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database url")
	}
	if cfg.PoolMinConns > 0 {
		poolCfg.MinConns = int32(cfg.PoolMinConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect to database")
	}
	defer pool.Close()

	gateway := dbgateway.New(pool, cfg.DatabaseURL, logger)
	defer gateway.Close(ctx)

	clusterCfg := cluster.Config{
		Mode:         mode,
		Source:       cfg.Source,
		PeerURIs:     normalizePeers(cfg.Server),
		AuthURL:      cfg.Auth,
		Provider:     cfg.Provider,
		Application:  cfg.Application,
		OAuth2Path:   cfg.OAuth2Path,
		DatabaseURL:  cfg.DatabaseURL,
		MaxQueue:     cfg.MaxQueue,
		MaxInFlight:  cfg.MaxInFlight,
		PoolMinConns: cfg.PoolMinConns,
		ListenAddr:   cfg.ListenAddr,
	}

	controller := cluster.New(clusterCfg, gateway, wsconn.NewDialer(10*time.Second), clock.Real(), logger)

	statusSrv := httpstatus.NewServer(controller, logger)
	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: statusSrv.Routes()}
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("status endpoint listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("status server failed")
		}
	}()

	logger.Info().Str("source", cfg.Source).Str("mode", mode.String()).Strs("peers", clusterCfg.PeerURIs).Msg("starting replicator")
	controller.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

// normalizePeers splits a comma-separated peer URI list, trimming
// whitespace and dropping empty entries, mirroring the teacher's
// NormalizePeers helper generalized from HTTP base URLs to WebSocket URIs.
func normalizePeers(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	peers := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}
