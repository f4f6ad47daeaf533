package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/smallbiznis/slabworks/pkg/pollclient"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

var version = "dev"

func App() *cli.Command {
	return &cli.Command{
		Name:    "slabctl",
		Version: version,
		Usage:   "Submit slab photos for world generation and follow the jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "Base URL of the slabworks API",
				Value:   "http://localhost:8080",
				Sources: cli.EnvVars("SLABWORKS_URL"),
			},
			&cli.StringFlag{
				Name:     "tenant",
				Usage:    "Tenant id sent as X-Tenant-Id",
				Required: true,
				Sources:  cli.EnvVars("SLABWORKS_TENANT_ID"),
			},
			&cli.StringFlag{
				Name:    "user",
				Usage:   "User id sent as X-User-Id",
				Sources: cli.EnvVars("SLABWORKS_USER_ID"),
			},
			&cli.DurationFlag{
				Name:    "interval",
				Usage:   "Pause between status polls",
				Value:   pollclient.DefaultInterval,
				Sources: cli.EnvVars("SLABWORKS_POLL_INTERVAL"),
			},
			&cli.IntFlag{
				Name:    "max-polls",
				Usage:   "Give up waiting after this many polls",
				Value:   pollclient.DefaultMaxPolls,
				Sources: cli.EnvVars("SLABWORKS_MAX_POLLS"),
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log every poll to stderr",
			},
		},
		Commands: []*cli.Command{
			generateCmd(),
			statusCmd(),
			balanceCmd(),
		},
	}
}

func newClient(cmd *cli.Command) (*pollclient.Client, error) {
	log := zap.NewNop()
	if cmd.Bool("verbose") {
		var err error
		if log, err = zap.NewDevelopment(); err != nil {
			return nil, err
		}
	}
	return pollclient.New(pollclient.Config{
		BaseURL:  cmd.String("server"),
		TenantID: cmd.String("tenant"),
		UserID:   cmd.String("user"),
		Interval: cmd.Duration("interval"),
		MaxPolls: int(cmd.Int("max-polls")),
		Logger:   log,
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func progressPrinter(w io.Writer) func(*pollclient.JobView) {
	return func(v *pollclient.JobView) {
		fmt.Fprintf(w, "%s  %-11s %3d%%\n", time.Now().Format(time.TimeOnly), v.State, v.Progress)
	}
}
