package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"agora/internal/config"
	"agora/internal/db/migrate"
)

func main() {
	_ = godotenv.Load()

	direction := flag.String("direction", "up", "migration direction: up or down")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg := config.Load()

	if err := migrate.Run(cfg.DatabaseURL, *direction); err != nil {
		logger.Error("migration failed", "direction", *direction, "err", err)
		os.Exit(1)
	}
	logger.Info("migrations applied", "direction", *direction)
}
