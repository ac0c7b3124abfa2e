package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"chatsync/internal/observability/logging"
	"chatsync/internal/observability/metrics"
	"chatsync/pkg/chatclient"
)

func main() {
	_ = godotenv.Load()

	// Default to warn so log lines stay out of command output unless
	// asked for.
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "warn"
	}
	logger := logging.NewLogger(logging.Config{
		ServiceName: "chatctl",
		Environment: "cli",
		Level:       level,
	})
	slog.SetDefault(logger)
	metrics.MustRegister("chatctl")

	if err := chatclient.RunCLI(os.Args[0], os.Args[1:], os.Stderr); err != nil {
		if usage, ok := err.(chatclient.UsageError); ok {
			fmt.Fprintln(os.Stderr, usage.Error())
			for _, line := range usage.UsageLines() {
				fmt.Fprintln(os.Stderr, line)
			}
			os.Exit(2)
		}
		os.Exit(1)
	}
}
