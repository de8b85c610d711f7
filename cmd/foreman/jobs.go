package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/basket/foreman/internal/config"
	"github.com/basket/foreman/internal/cron"
	"github.com/basket/foreman/internal/jobstore"
)

func openStoreForCommand() (*config.Config, *jobstore.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config load: %w", err)
	}
	store, err := jobstore.Open(cfg.DBPath, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, store, nil
}

func runSubmitCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	mode := fs.String("mode", "cautious", "budget profile: standard or cautious")
	agent := fs.String("agent", "", "agent type")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	goal := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if goal == "" {
		fmt.Fprintln(os.Stderr, "usage: foreman submit [-mode standard|cautious] [-agent <type>] <goal>")
		return 2
	}

	cfg, store, err := openStoreForCommand()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()
	store.SetMaxQueueDepth(cfg.MaxQueueDepth)

	budget := cfg.BudgetFor(*mode)
	job, err := store.Insert(ctx, jobstore.JobInput{
		Mode:         jobstore.Mode(*mode),
		AgentType:    *agent,
		Goal:         goal,
		StepCap:      budget.StepCap,
		TokenCap:     budget.TokenCap,
		CostCapCents: budget.CostCapCents,
		CreatedBy:    "cli",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		return 1
	}
	fmt.Println(job.ID)
	return 0
}

func runCancelCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: foreman cancel <job-id>")
		return 2
	}
	_, store, err := openStoreForCommand()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	if err := store.RequestCancel(ctx, args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "cancel: %v\n", err)
		return 1
	}
	fmt.Println("cancel requested; a queued job aborts now, a running one stops at its next checkpoint")
	return 0
}

func runResumeCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: foreman resume <job-id>")
		return 2
	}
	_, store, err := openStoreForCommand()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	if err := store.MarkStatus(ctx, args[0], jobstore.StatusRunning, "resumed by operator"); err != nil {
		fmt.Fprintf(os.Stderr, "resume: %v\n", err)
		return 1
	}
	fmt.Println("resumed; the job will be requeued for a fresh claim")
	return 0
}

func runScheduleCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: foreman schedule <add|list|enable|disable|remove> ...")
		return 2
	}
	action := strings.ToLower(args[0])
	args = args[1:]

	_, store, err := openStoreForCommand()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	switch action {
	case "add":
		fs := flag.NewFlagSet("schedule add", flag.ContinueOnError)
		expr := fs.String("cron", "", "5-field cron expression, e.g. \"0 9 * * 1-5\"")
		mode := fs.String("mode", "cautious", "budget profile")
		agent := fs.String("agent", "", "agent type")
		if err := fs.Parse(args); err != nil {
			return 2
		}
		goal := strings.TrimSpace(strings.Join(fs.Args(), " "))
		if *expr == "" || goal == "" {
			fmt.Fprintln(os.Stderr, "usage: foreman schedule add -cron <expr> [-mode m] [-agent a] <goal>")
			return 2
		}
		next, err := cron.NextRunTime(*expr, time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid cron expression: %v\n", err)
			return 2
		}
		sched, err := store.CreateSchedule(ctx, *expr, jobstore.Mode(*mode), *agent, goal, next)
		if err != nil {
			fmt.Fprintf(os.Stderr, "schedule add: %v\n", err)
			return 1
		}
		fmt.Printf("%s (next run %s)\n", sched.ID, next.Format(time.RFC3339))
		return 0

	case "list":
		schedules, err := store.ListSchedules(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "schedule list: %v\n", err)
			return 1
		}
		if len(schedules) == 0 {
			fmt.Println("no schedules")
			return 0
		}
		for _, s := range schedules {
			state := "enabled"
			if !s.Enabled {
				state = "disabled"
			}
			next := "-"
			if s.NextRunAt != nil {
				next = s.NextRunAt.Format(time.RFC3339)
			}
			fmt.Printf("%s  %-16s %-8s next=%s  %s\n", s.ID, s.CronExpr, state, next, s.Goal)
		}
		return 0

	case "enable", "disable":
		if len(args) != 1 {
			fmt.Fprintf(os.Stderr, "usage: foreman schedule %s <schedule-id>\n", action)
			return 2
		}
		if err := store.SetScheduleEnabled(ctx, args[0], action == "enable"); err != nil {
			fmt.Fprintf(os.Stderr, "schedule %s: %v\n", action, err)
			return 1
		}
		return 0

	case "remove":
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "usage: foreman schedule remove <schedule-id>")
			return 2
		}
		if err := store.DeleteSchedule(ctx, args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "schedule remove: %v\n", err)
			return 1
		}
		return 0

	default:
		fmt.Fprintf(os.Stderr, "unknown schedule action %q\n", action)
		return 2
	}
}
