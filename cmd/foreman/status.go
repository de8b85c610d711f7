package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/basket/foreman/internal/config"
	"github.com/basket/foreman/internal/jobstore"
	"github.com/basket/foreman/internal/ledger"
	"github.com/mattn/go-isatty"
)

const statusRecentEntries = 10

type statusReport struct {
	JobCounts  map[jobstore.Status]int `json:"job_counts"`
	QueueDepth int                     `json:"queue_depth"`
	Recent     []ledger.Entry          `json:"recent_entries"`
}

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: foreman status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := jobstore.Open(cfg.DBPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	depth, err := store.QueueDepth(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	recent, err := store.Ledger().Query(ctx, ledger.Filter{Limit: statusRecentEntries})
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}

	report := statusReport{JobCounts: counts, QueueDepth: depth, Recent: recent}

	// Machine-readable when piped, human-readable on a terminal.
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Println("Jobs:")
	for _, status := range []jobstore.Status{
		jobstore.StatusQueued, jobstore.StatusRunning, jobstore.StatusCancelling,
		jobstore.StatusWaitingHuman, jobstore.StatusSucceeded, jobstore.StatusFailed,
		jobstore.StatusAborted,
	} {
		if n := counts[status]; n > 0 {
			fmt.Printf("  %-14s %d\n", status, n)
		}
	}
	if len(counts) == 0 {
		fmt.Println("  (none)")
	}
	fmt.Printf("Queue depth: %d\n", depth)

	fmt.Println("Recent ledger entries:")
	if len(recent) == 0 {
		fmt.Println("  (none)")
	}
	for _, e := range recent {
		job := e.JobID
		if job == "" {
			job = "-"
		}
		fmt.Printf("  %s  %-12s %-36s %s\n",
			e.CreatedAt.Format("15:04:05"), e.Kind, job, e.Summary)
	}
	return 0
}
