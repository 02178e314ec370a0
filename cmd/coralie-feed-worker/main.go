package main

import (
	"context"
	"os"

	"github.com/LastBotInc/coralie-feed-worker/internal/bridge"
	"github.com/LastBotInc/coralie-feed-worker/internal/config"
	"github.com/LastBotInc/coralie-feed-worker/internal/logging"
	"github.com/LastBotInc/coralie-feed-worker/internal/worker"
)

func main() {
	logging.Init(os.Getenv("LK_LOG_LEVEL"))
	defer logging.Shutdown(context.Background())

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logging.Fail(logging.CategoryApp, "failed to load configuration: %v", err)
		os.Exit(1)
	}
	// Flags may override the level picked from the environment.
	logging.Init(cfg.LogLevel)

	logging.Info(logging.CategoryApp, "starting coralie-feed-worker version=%s", worker.Version)

	pub, err := bridge.NewPublisher(cfg.RedisAddr)
	if err != nil {
		logging.Fail(logging.CategoryApp, "failed to create feed publisher: %v", err)
		os.Exit(1)
	}
	defer pub.Close()

	w := worker.NewWorker(cfg, pub)

	// Start worker (blocks until shutdown)
	if err := w.Start(); err != nil {
		logging.Fail(logging.CategoryApp, "worker failed: %v", err)
		pub.Close()
		os.Exit(1)
	}

	logging.Info(logging.CategoryApp, "worker shutdown complete")
}
