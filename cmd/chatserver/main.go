package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"chatsync/internal/config"
	"chatsync/internal/jwtsigner"
	"chatsync/internal/observability/logging"
	"chatsync/internal/observability/metrics"
	"chatsync/internal/server"
	"chatsync/internal/server/store"
)

const tokenTTL = 24 * time.Hour

func main() {
	// Optional .env for local runs; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}

	logger := logging.NewLogger(logging.Config{
		ServiceName: "chatserver",
		Environment: env,
		Level:       os.Getenv("LOG_LEVEL"),
	})

	slog.SetDefault(logger)
	metrics.MustRegister("chatserver")

	logger.Info("starting service")

	cfg := config.LoadServer()

	db, err := gorm.Open(openDialector(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Error("gorm open", "error", err)
		os.Exit(1)
	}

	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		logger.Error("auto migrate", "error", err)
		os.Exit(1)
	}

	signer, err := jwtsigner.New(cfg.TokenSecret, "chatsync", tokenTTL)
	if err != nil {
		logger.Error("token signer", "error", err)
		os.Exit(1)
	}

	srv := server.New(cfg, st, signer, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("chatserver listening", "addr", cfg.Addr)
	if err := httpSrv.ListenAndServe(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// openDialector picks the gorm driver from the DSN shape: postgres
// URLs and key=value DSNs go to postgres, anything else is treated as
// a sqlite path.
func openDialector(dsn string) gorm.Dialector {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return postgres.Open(dsn)
	}
	return sqlite.Open(dsn)
}
