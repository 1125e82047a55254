package main

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/kirorelay/gateway/internal/authmw"
	"github.com/kirorelay/gateway/internal/config"
	"github.com/kirorelay/gateway/internal/dispatcher"
	"github.com/kirorelay/gateway/internal/errorlog"
	"github.com/kirorelay/gateway/internal/events"
	"github.com/kirorelay/gateway/internal/keystore"
	"github.com/kirorelay/gateway/internal/pool"
	"github.com/kirorelay/gateway/internal/price"
	"github.com/kirorelay/gateway/internal/ratelimit"
	"github.com/kirorelay/gateway/internal/server"
	"github.com/kirorelay/gateway/internal/token"
	"github.com/kirorelay/gateway/internal/transport"
	"github.com/kirorelay/gateway/internal/usage"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("kiro gateway starting", "version", version)

	if err := os.MkdirAll(cfg.CredentialsDir, 0o755); err != nil {
		slog.Error("failed to create credentials directory", "error", err)
		os.Exit(1)
	}

	p, err := pool.FromDirectory(cfg.CredentialsDir, pool.PoolConfig{
		FailureCooldownSecs: cfg.FailureCooldownSecs,
		MaxFailures:         cfg.MaxFailures,
	})
	if err != nil {
		slog.Error("account pool init failed", "error", err)
		os.Exit(1)
	}
	slog.Info("account pool ready", "accounts", p.AccountCount())

	keys, err := keystore.Open(cfg.KeyStoreDBPath)
	if err != nil {
		slog.Error("key store init failed", "error", err)
		os.Exit(1)
	}
	defer keys.Close()

	errLog, err := errorlog.Load(cfg.ErrorLogPath)
	if err != nil {
		slog.Error("error log load failed", "error", err)
		os.Exit(1)
	}

	priceTable, err := price.Load(cfg.PriceTablePath)
	if err != nil {
		slog.Error("price table load failed", "error", err)
		os.Exit(1)
	}

	transportMgr := transport.NewManager(cfg)
	defer transportMgr.Close()

	tokenMgr := token.New(cfg, &http.Client{Timeout: cfg.UpstreamTimeout})

	d := dispatcher.New(p, tokenMgr, transportMgr, errLog, cfg)

	authMw := authmw.New(cfg.AdminToken, keys)
	usageRec := usage.New(keys.DB())
	rl := ratelimit.New()
	defer rl.Close()

	srv := server.New(cfg, p, tokenMgr, d, authMw, keys, usageRec, priceTable, errLog, rl, transportMgr)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
