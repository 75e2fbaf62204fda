package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"homedir/internal/app"
	"homedir/internal/simulate"

	"github.com/joho/godotenv"
)

func main() {
	// .env is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Println("warning: .env not loaded:", err)
	}

	defCfg := os.Getenv("NOTIFYD_CONFIG")
	if defCfg == "" {
		defCfg = "./config.yaml"
	}
	var (
		cfgPath string
		pivot   string
		userID  string
	)
	flag.StringVar(&cfgPath, "config", defCfg, "path to config yaml/json")
	flag.StringVar(&pivot, "simulate", "", "print the dry-run plan at this RFC3339 instant and exit")
	flag.StringVar(&userID, "user", "", "with -simulate: plan talk items for this subscriber")
	flag.Parse()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if pivot != "" {
		os.Exit(dryRun(a, pivot, userID))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}

	reason := app.StopUnknown
	select {
	case s := <-sigs:
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			fmt.Println("fatal:", err)
		}
		os.Exit(1)
	}
}

func dryRun(a *app.App, pivot, user string) int {
	at, err := time.Parse(time.RFC3339, pivot)
	if err != nil {
		fmt.Println("invalid -simulate:", err)
		return 2
	}
	plan, err := a.Simulator().DryRun(context.Background(), simulate.Request{
		Pivot:         at,
		IncludeEvents: true,
		IncludeTalks:  true,
		IncludeBreaks: true,
		UserID:        user,
	})
	if err != nil {
		fmt.Println("simulate:", err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(plan); err != nil {
		return 1
	}
	return 0
}
