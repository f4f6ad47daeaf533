package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/smallbiznis/slabworks/pkg/pollclient"
	"github.com/urfave/cli/v3"
)

func generateCmd() *cli.Command {
	return &cli.Command{
		Name:  "generate",
		Usage: "Submit an image or prompt and optionally wait for the world",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "image", Usage: "Path to a slab photo"},
			&cli.StringFlag{Name: "image-url", Usage: "Publicly fetchable image URL"},
			&cli.StringFlag{Name: "prompt", Usage: "Text prompt"},
			&cli.StringFlag{Name: "model", Usage: "fast or quality", Value: "fast"},
			&cli.StringFlag{Name: "order", Usage: "Order id the world belongs to"},
			&cli.StringFlag{Name: "photo", Usage: "Photo id within the order"},
			&cli.StringFlag{Name: "tags", Usage: "JSON object of tags"},
			&cli.StringFlag{Name: "idempotency-key", Usage: "Replays return the original job"},
			&cli.BoolFlag{Name: "wait", Usage: "Poll until the job finishes"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			req := pollclient.SubmitRequest{
				ImageURL:       cmd.String("image-url"),
				Prompt:         cmd.String("prompt"),
				Model:          cmd.String("model"),
				OrderID:        cmd.String("order"),
				PhotoID:        cmd.String("photo"),
				IdempotencyKey: cmd.String("idempotency-key"),
			}
			if path := cmd.String("image"); path != "" {
				if req.Image, err = os.ReadFile(path); err != nil {
					return fmt.Errorf("read image: %w", err)
				}
			}
			if raw := cmd.String("tags"); raw != "" {
				if err := json.Unmarshal([]byte(raw), &req.Tags); err != nil {
					return fmt.Errorf("parse tags: %w", err)
				}
			}

			sub, err := client.Submit(ctx, req)
			if err != nil {
				return err
			}
			if !cmd.Bool("wait") {
				return printJSON(os.Stdout, sub)
			}

			fmt.Fprintf(os.Stderr, "job %s submitted, estimated %s\n", sub.JobID, sub.EstimatedTime)
			view, err := client.Wait(ctx, sub.JobID, progressPrinter(os.Stderr))
			if view != nil {
				_ = printJSON(os.Stdout, view)
			}
			return err
		},
	}
}
