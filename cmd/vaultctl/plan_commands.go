package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tendant/content-vault/pkg/vault"
	"github.com/tendant/content-vault/pkg/vault/config"
)

var jobHeaders = []string{"Job", "Kind", "Platform", "State", "Attempts", "Next Attempt", "Output", "Last Error"}

func jobRows(jobs []*vault.Job) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			job.ID.String(),
			string(job.Kind),
			orDash(job.Platform),
			string(job.State),
			fmt.Sprintf("%d/%d", job.AttemptCount, job.MaxAttempts),
			formatTime(job.NextAttemptAt),
			orDash(job.OutputRef),
			orDash(job.LastError),
		})
	}
	return rows
}

func newCreatePlanCommand(ctx *commandContext) *cobra.Command {
	var ownerFlag string
	var assetFlag string
	var entryFlags []string
	var metaFlags []string

	cmd := &cobra.Command{
		Use:   "create-plan",
		Short: "Schedule a derived asset for publishing",
		Example: `  vaultctl create-plan --owner 0b6f... --asset 5e1c... \
    --entry youtube=2026-11-01T18:00:00Z --entry tiktok=2026-11-01T20:00:00Z \
    --meta title="Live at the Roxy"`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerID, err := parseID("owner", ownerFlag)
			if err != nil {
				return err
			}
			assetID, err := parseID("asset", assetFlag)
			if err != nil {
				return err
			}
			metadata, err := parsePairs(metaFlags)
			if err != nil {
				return err
			}
			entries, err := parseEntries(entryFlags, metadata)
			if err != nil {
				return err
			}

			return ctx.withRuntime(cmd, func(rt *config.Runtime) error {
				view, err := rt.Planner.CreatePlan(cmd.Context(), ownerID, assetID, entries)
				if err != nil {
					return err
				}
				return ctx.emitPlan(cmd, view)
			})
		},
	}

	cmd.Flags().StringVar(&ownerFlag, "owner", "", "Owner (artist) ID")
	cmd.Flags().StringVar(&assetFlag, "asset", "", "Derived asset ID")
	cmd.Flags().StringArrayVar(&entryFlags, "entry", nil, "platform=RFC3339 time (repeatable)")
	cmd.Flags().StringArrayVar(&metaFlags, "meta", nil, "key=value metadata for every entry (repeatable)")
	return cmd
}

func newCancelPlanCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-plan <plan-id>",
		Short: "Cancel every pending job of a plan",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			planID, err := parseID("plan", args[0])
			if err != nil {
				return err
			}
			return ctx.withRuntime(cmd, func(rt *config.Runtime) error {
				result, err := rt.Planner.CancelPlan(cmd.Context(), planID)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(result.Cancelled)+len(result.NotCancellable))
				for _, id := range result.Cancelled {
					rows = append(rows, []string{id.String(), string(vault.JobStateCancelled), "cancelled"})
				}
				for _, job := range result.NotCancellable {
					rows = append(rows, []string{job.ID.String(), string(job.State), "not cancellable"})
				}
				return ctx.emit(cmd, result, []string{"Job", "State", "Result"}, rows, nil)
			})
		},
	}
}

func newPlanStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "plan-status <plan-id>",
		Short: "Show a plan and its jobs",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			planID, err := parseID("plan", args[0])
			if err != nil {
				return err
			}
			return ctx.withRuntime(cmd, func(rt *config.Runtime) error {
				view, err := rt.Planner.GetPlan(cmd.Context(), planID)
				if err != nil {
					return err
				}
				return ctx.emitPlan(cmd, view)
			})
		},
	}
}

func newJobStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "job-status <job-id>",
		Short: "Show one job",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := parseID("job", args[0])
			if err != nil {
				return err
			}
			return ctx.withRuntime(cmd, func(rt *config.Runtime) error {
				job, err := rt.Ledger.Get(cmd.Context(), jobID)
				if err != nil {
					return err
				}
				return ctx.emit(cmd, job, jobHeaders, jobRows([]*vault.Job{job}), nil)
			})
		},
	}
}

func newSweepStaleCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-stale",
		Short: "Reclaim jobs whose worker lease expired",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(rt *config.Runtime) error {
				result, err := rt.SweepStale(cmd.Context())
				if err != nil {
					return err
				}
				rows := [][]string{
					{"reclaimed", strconv.Itoa(len(result.Reclaimed))},
					{"exhausted", strconv.Itoa(len(result.Exhausted))},
				}
				return ctx.emit(cmd, result, []string{"Result", "Jobs"}, rows, []columnAlignment{alignLeft, alignRight})
			})
		},
	}
}

func (c *commandContext) emitPlan(cmd *cobra.Command, view *vault.PlanView) error {
	if c.wantJSON(cmd) {
		return writeJSON(cmd, view)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Plan %s for asset %s\n", view.Plan.ID, view.Plan.DerivedAssetID)
	return c.emit(cmd, view, jobHeaders, jobRows(view.Jobs), nil)
}

func parseID(name, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s id %q", vault.ErrValidation, name, raw)
	}
	return id, nil
}

func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("%w: expected key=value, got %q", vault.ErrValidation, pair)
		}
		out[strings.TrimSpace(key)] = value
	}
	return out, nil
}

func parseEntries(args []string, metadata map[string]string) ([]vault.PlanEntry, error) {
	entries := make([]vault.PlanEntry, 0, len(args))
	for _, arg := range args {
		platform, at, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("%w: expected platform=time, got %q", vault.ErrValidation, arg)
		}
		scheduledAt, err := time.Parse(time.RFC3339, strings.TrimSpace(at))
		if err != nil {
			return nil, fmt.Errorf("%w: entry %q: %v", vault.ErrValidation, arg, err)
		}
		entries = append(entries, vault.PlanEntry{
			Platform:    strings.TrimSpace(platform),
			ScheduledAt: scheduledAt,
			Metadata:    metadata,
		})
	}
	return entries, nil
}
