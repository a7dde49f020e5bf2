package main

import (
	"fmt"
	"os"

	redisclient "github.com/yungbote/conductor-backend/internal/clients/redis"
	"github.com/yungbote/conductor-backend/internal/pkg/logger"
	"github.com/yungbote/conductor-backend/internal/platform/envutil"
	"github.com/yungbote/conductor-backend/internal/repos"
)

func main() {
	log, err := logger.New(envutil.String("APP_ENV", "dev"))
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	primary, err := redisclient.NewClient(log)
	if err != nil {
		log.Fatal("Failed to connect primary execution store", "error", err)
	}
	defer primary.Close()

	previous, err := redisclient.NewPreviousClient(log)
	if err != nil {
		log.Fatal("Failed to connect previous execution store", "error", err)
	}
	if previous != nil {
		defer previous.Close()
	}

	if _, err := repos.NewExecutionRepository(primary, previous, log, repos.OptionsFromEnv()); err != nil {
		log.Fatal("Failed to build execution repository", "error", err)
	}

	// The control plane (schedulers, stage runners, APIs) attaches here; this
	// process only owns the state layer.
	log.Info("execution repository ready")
	select {}
}
