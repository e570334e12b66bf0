package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"clipflow/internal/api"
	"clipflow/internal/app"
	"clipflow/internal/queue"
)

const defaultConfigPath = "./config.json"

// exitEnvelopeFailure is returned when a command ran but its envelope
// reports failure.
const exitEnvelopeFailure = 2

func run(args []string) (int, error) {
	if len(args) == 0 {
		printUsage()
		return 0, nil
	}
	switch args[0] {
	case "run":
		return 0, runServe(args[1:])
	case "enqueue":
		return runEnqueue(args[1:])
	case "jobs":
		return runJobs(args[1:])
	case "stats":
		return runStats(args[1:])
	case "help", "-h", "--help":
		printUsage()
		return 0, nil
	default:
		printUsage()
		return 1, fmt.Errorf("unknown command %q", args[0])
	}
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cfgPath := fs.String("config", defaultConfigPath, "path to config (json or yaml)")
	return fs, cfgPath
}

func runServe(args []string) error {
	fs, cfgPath := newFlagSet("run")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(*cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return err
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if ctx.Err() == nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	return a.Err()
}

// oneShot builds the app without starting it, runs fn and prints its envelope.
func oneShot(cfgPath string, fn func(ctx context.Context, s *api.Service) api.Envelope) (int, error) {
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return 1, err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	env := fn(ctx, a.API())
	if err := printJSON(os.Stdout, env); err != nil {
		return 1, err
	}
	if !env.Success {
		return exitEnvelopeFailure, nil
	}
	return 0, nil
}

func runEnqueue(args []string) (int, error) {
	fs, cfgPath := newFlagSet("enqueue")
	file := fs.String("file", "", "queue item JSON file, - for stdin")
	if err := fs.Parse(args); err != nil {
		return 1, err
	}
	if strings.TrimSpace(*file) == "" {
		return 1, errors.New("--file is required")
	}
	in, err := readItem(*file)
	if err != nil {
		return 1, err
	}
	return oneShot(*cfgPath, func(ctx context.Context, s *api.Service) api.Envelope {
		return s.Enqueue(ctx, in)
	})
}

func readItem(path string) (queue.NewItem, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return queue.NewItem{}, err
		}
		defer f.Close()
		r = f
	}
	var in queue.NewItem
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return queue.NewItem{}, fmt.Errorf("decode queue item: %w", err)
	}
	return in, nil
}

func runJobs(args []string) (int, error) {
	fs, cfgPath := newFlagSet("jobs")
	jobID := fs.String("job", "", "show execution history for this job id")
	limit := fs.Int("limit", 20, "history entries to show (most recent)")
	if err := fs.Parse(args); err != nil {
		return 1, err
	}
	return oneShot(*cfgPath, func(ctx context.Context, s *api.Service) api.Envelope {
		if *jobID != "" {
			return s.JobHistory(ctx, *jobID, *limit)
		}
		return s.ListJobs(ctx)
	})
}

func runStats(args []string) (int, error) {
	fs, cfgPath := newFlagSet("stats")
	if err := fs.Parse(args); err != nil {
		return 1, err
	}
	return oneShot(*cfgPath, func(ctx context.Context, s *api.Service) api.Envelope {
		return s.Stats(ctx)
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
