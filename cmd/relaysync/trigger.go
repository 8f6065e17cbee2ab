package main

import (
	"context"
	"fmt"
	"math/rand"
	"os/signal"
	"strings"
	"time"

	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

type triggerOptions struct {
	instance string
	project  string
	mode     string
	from     string
	to       string
	interval time.Duration
	jitter   float64
}

func triggerCmd(opts *rootOptions) *cobra.Command {
	t := &triggerOptions{}
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Start sync passes for an instance, once or on an interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := t.request()
			if err != nil {
				return err
			}
			client, err := opts.adminClient()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), unix.SIGINT, unix.SIGTERM)
			defer stop()

			run := func() error {
				callCtx, cancel := context.WithTimeout(ctx, opts.timeout)
				defer cancel()
				result, err := client.TriggerSync(callCtx, req)
				if printErr := printJSON(cmd.OutOrStdout(), result); printErr != nil {
					return printErr
				}
				return err
			}

			if t.interval <= 0 {
				return run()
			}
			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			jitter := clampJitterRatio(t.jitter)
			for {
				if err := run(); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "trigger failed: %v\n", err)
				}
				timer := time.NewTimer(jitteredIntervalWithSample(t.interval, jitter, rng.Float64()))
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil
				case <-timer.C:
				}
			}
		},
	}
	cmd.Flags().StringVar(&t.instance, "instance", "", "instance id (required)")
	cmd.Flags().StringVar(&t.project, "project", "", "restrict to one internal project id")
	cmd.Flags().StringVar(&t.mode, "mode", string(relaysync.SyncIncremental), "incremental, full or compensating")
	cmd.Flags().StringVar(&t.from, "from", "", "compensating window start (RFC3339)")
	cmd.Flags().StringVar(&t.to, "to", "", "compensating window end (RFC3339)")
	cmd.Flags().DurationVar(&t.interval, "interval", 0, "repeat every interval until interrupted")
	cmd.Flags().Float64Var(&t.jitter, "interval-jitter", 0.2, "interval jitter ratio (0.0-1.0)")
	return cmd
}

func (t *triggerOptions) request() (relaysync.SyncRequest, error) {
	if strings.TrimSpace(t.instance) == "" {
		return relaysync.SyncRequest{}, fmt.Errorf("--instance is required")
	}
	mode, err := relaysync.ParseSyncMode(t.mode)
	if err != nil {
		return relaysync.SyncRequest{}, err
	}
	req := relaysync.SyncRequest{InstanceID: strings.TrimSpace(t.instance), ProjectID: strings.TrimSpace(t.project), Mode: mode}
	if t.from != "" {
		if req.From, err = time.Parse(time.RFC3339, t.from); err != nil {
			return relaysync.SyncRequest{}, fmt.Errorf("--from: %w", err)
		}
	}
	if t.to != "" {
		if req.To, err = time.Parse(time.RFC3339, t.to); err != nil {
			return relaysync.SyncRequest{}, fmt.Errorf("--to: %w", err)
		}
	}
	if mode == relaysync.SyncCompensating && (req.From.IsZero() || req.To.IsZero() || !req.From.Before(req.To)) {
		return relaysync.SyncRequest{}, fmt.Errorf("compensating sync needs --from before --to")
	}
	return req, nil
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
