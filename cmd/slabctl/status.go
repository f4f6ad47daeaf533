package main

import (
	"context"
	"errors"
	"os"

	"github.com/urfave/cli/v3"
)

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show a job, advancing it by one poll",
		ArgsUsage: "<job-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "wait", Usage: "Keep polling until the job finishes"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			jobID := cmd.Args().First()
			if jobID == "" {
				return errors.New("job id is required")
			}
			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			if cmd.Bool("wait") {
				view, err := client.Wait(ctx, jobID, progressPrinter(os.Stderr))
				if view != nil {
					_ = printJSON(os.Stdout, view)
				}
				return err
			}

			view, err := client.Status(ctx, jobID)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, view)
		},
	}
}

func balanceCmd() *cli.Command {
	return &cli.Command{
		Name:  "balance",
		Usage: "Show the tenant balance, or the user's with --scope user",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "scope", Usage: "tenant or user", Value: "tenant"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			bal, err := client.Balance(ctx, cmd.String("scope"))
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, bal)
		},
	}
}
