// Osprey orchestrator CLI: runs autonomous security-assessment pipelines
// against a target application: durable sessions, per-agent workspace
// checkpoints, and an authoritative audit log.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/osprey-sec/osprey/pkg/oserr"
)

// baseHandler is the terminal log handler. Pipeline commands tee it into the
// session's console.log and restore it on the way out.
var baseHandler slog.Handler

func main() {
	os.Exit(run())
}

func run() int {
	// .env first so OSPREY_DEBUG from the file reaches the log setup.
	dotenvErr := godotenv.Load()

	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(os.Getenv("OSPREY_DEBUG"))) {
	case "1", "true", "yes", "on":
		level = slog.LevelDebug
	}
	baseHandler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(baseHandler))

	if dotenvErr == nil {
		slog.Info("Loaded environment from .env")
	} else if !errors.Is(dotenvErr, os.ErrNotExist) {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"error", dotenvErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		// A signal is a clean stop: the session keeps its interrupted label
		// and everything done so far; the next run resumes from there.
		if oserr.KindOf(err) == oserr.KindInterrupt {
			fmt.Fprintln(os.Stderr, "Interrupted: session state saved; resume with run or --run-all.")
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
