package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/pendingsync/internal/errors"
	"github.com/kimhsiao/pendingsync/internal/models"
)

// =====================================================
// Listing
// =====================================================

func (a *app) listCmd() *cobra.Command {
	var (
		accountID int64
		state     string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued mutations",
		Long: `List queued mutations oldest first.

Examples:
  pendingctl list
  pendingctl list --account 1 --state failed
  pendingctl list --json`,
		Args: cobra.NoArgs,
	}
	cmd.Flags().Int64VarP(&accountID, "account", "a", 0, "Account id (0 = all accounts)")
	cmd.Flags().StringVarP(&state, "state", "s", "", "Only mutations in this state")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")

	cmd.RunE = a.withQueue(func(ctx context.Context, _ []string) error {
		if state != "" && (!models.State(state).Valid() || models.State(state) == models.StateDeleted) {
			return apperrors.Newf(apperrors.ErrInvalid, "unknown state %q", state)
		}
		rows, err := a.queue.List(ctx, accountID)
		if err != nil {
			return err
		}
		if state != "" {
			filtered := rows[:0]
			for _, m := range rows {
				if m.State == models.State(state) {
					filtered = append(filtered, m)
				}
			}
			rows = filtered
		}

		if asJSON {
			return a.printJSON(rows)
		}
		w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tACCOUNT\tTOKEN\tOPERATION\tSTATE\tTARGET\tDETAIL")
		for _, m := range rows {
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
				m.ID, m.AccountID, m.Token, m.Operation, m.State, m.TargetKey(), detail(m))
		}
		return w.Flush()
	})
	return cmd
}

// detail summarizes why a mutation is not moving.
func detail(m *models.PendingMutation) string {
	switch m.State {
	case models.StatePredBlocked:
		return fmt.Sprintf("waits on #%d", m.PredecessorID)
	case models.StateDeferred:
		if m.DeferredReason == models.DeferUntilTime {
			return fmt.Sprintf("until %s (%d left)", m.DeferredUntilTime().Format(time.RFC3339), m.DefersRemaining)
		}
		return fmt.Sprintf("%s (%d left)", m.DeferredReason, m.DefersRemaining)
	case models.StateUserBlocked:
		return string(m.BlockReason)
	case models.StateFailed:
		return string(m.ResultWhy)
	}
	return ""
}

func (a *app) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <token>",
		Short: "Print one mutation as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: a.withQueue(func(ctx context.Context, args []string) error {
			m, err := a.queue.QueryByToken(ctx, args[0])
			if err != nil {
				return err
			}
			return a.printJSON(m)
		}),
	}
}

func (a *app) statsCmd() *cobra.Command {
	var (
		accountID int64
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count mutations per state",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().Int64VarP(&accountID, "account", "a", 0, "Account id (0 = all accounts)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")

	cmd.RunE = a.withQueue(func(ctx context.Context, _ []string) error {
		stats, err := a.queue.Stats(ctx, accountID)
		if err != nil {
			return err
		}
		if asJSON {
			return a.printJSON(stats)
		}

		states := make([]string, 0, len(stats.ByState))
		for s := range stats.ByState {
			states = append(states, string(s))
		}
		sort.Strings(states)

		w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STATE\tCOUNT")
		for _, s := range states {
			fmt.Fprintf(w, "%s\t%d\n", s, stats.ByState[models.State(s)])
		}
		fmt.Fprintf(w, "total\t%d\n", stats.Total)
		return w.Flush()
	})
	return cmd
}

// =====================================================
// Repair
// =====================================================

func (a *app) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <token>",
		Short: "Withdraw a mutation that is still waiting to be sent",
		Args:  cobra.ExactArgs(1),
		RunE: a.withQueue(func(ctx context.Context, args []string) error {
			if err := a.queue.Cancel(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "cancelled %s\n", args[0])
			return nil
		}),
	}
}

func (a *app) dismissCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <token>",
		Short: "Remove a failed or user-blocked mutation",
		Args:  cobra.ExactArgs(1),
		RunE: a.withQueue(func(ctx context.Context, args []string) error {
			if err := a.queue.Dismiss(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "dismissed %s\n", args[0])
			return nil
		}),
	}
}

func (a *app) unblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <token>",
		Short: "Return a blocked mutation to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: a.withQueue(func(ctx context.Context, args []string) error {
			m, err := a.queue.Unblock(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s is now %s\n", m.Token, m.State)
			return nil
		}),
	}
}

func (a *app) releaseCmd() *cobra.Command {
	var (
		accountID int64
		event     string
	)
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release deferred mutations as if an event had happened",
		Long: `Release deferred mutations of one account.

Events:
  full_sync         releases everything waiting on any sync cycle
  incremental_sync  releases mutations waiting on an incremental sync
  until_time        releases timed deferrals whose deadline has passed`,
		Args: cobra.NoArgs,
	}
	cmd.Flags().Int64VarP(&accountID, "account", "a", 0, "Account id")
	cmd.Flags().StringVarP(&event, "event", "e", string(models.DeferUntilTime), "Event to simulate")
	_ = cmd.MarkFlagRequired("account")

	cmd.RunE = a.withQueue(func(ctx context.Context, _ []string) error {
		n, err := a.queue.ReleaseDeferred(ctx, accountID, models.DeferredReason(event), a.store.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "released %d\n", n)
		return nil
	})
	return cmd
}

func (a *app) recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Recover mutations left dispatched by a crashed client",
		Long: `Recover mutations left dispatched by a crashed client.

Idempotent operations become eligible again. The rest are deferred until
the next full sync so their outcome can be verified first.`,
		Args: cobra.NoArgs,
		RunE: a.withQueue(func(ctx context.Context, _ []string) error {
			n, err := a.queue.RecoverDispatched(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "recovered %d\n", n)
			return nil
		}),
	}
}

func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
