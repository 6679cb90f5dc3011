package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/amerfu/spendguard/internal/services/budget"
)

// openProvider bootstraps a provider from the loaded configuration. The
// caller must Close it.
func openProvider(ctx context.Context) (*budget.Provider, error) {
	c, err := currentConfig()
	if err != nil {
		return nil, err
	}
	return budget.Bootstrap(ctx, c, log), nil
}

// requireEngine fails when bootstrap left no engine to settle against.
func requireEngine(provider *budget.Provider) error {
	if _, err := provider.Engine(); err != nil {
		return fmt.Errorf("cannot settle: %w", err)
	}
	return nil
}

func addAttributeFlags(cmd *cobra.Command, attrs *budget.CallAttributes) {
	cmd.Flags().StringVar(&attrs.OrgID, "org", "", "Organization ID")
	cmd.Flags().StringVar(&attrs.UserID, "user", "", "User ID")
	cmd.Flags().StringVar(&attrs.ProviderID, "provider", "", "Provider ID")
	cmd.Flags().StringVar(&attrs.ModelID, "model", "", "Model ID")
}

// readToken parses a token given inline as JSON, as @path to a file, or as
// "-" for stdin.
func readToken(arg string) (budget.ReservationToken, error) {
	var token budget.ReservationToken

	data := []byte(arg)
	switch {
	case arg == "-":
		var err error
		if data, err = io.ReadAll(os.Stdin); err != nil {
			return token, fmt.Errorf("failed to read token from stdin: %w", err)
		}
	case strings.HasPrefix(arg, "@"):
		var err error
		if data, err = os.ReadFile(strings.TrimPrefix(arg, "@")); err != nil {
			return token, fmt.Errorf("failed to read token file: %w", err)
		}
	}

	if err := json.Unmarshal(data, &token); err != nil {
		return token, fmt.Errorf("invalid token: %w", err)
	}
	if err := token.Validate(); err != nil {
		return token, err
	}
	return token, nil
}

// NewReserveCommand creates the reserve command.
func NewReserveCommand(ctx context.Context) *cobra.Command {
	var attrs budget.CallAttributes
	var amount int64

	cmd := &cobra.Command{
		Use:   "reserve",
		Short: "Reserve spend against every matching scope",
		Long: `Reserve --amount units against the global scope plus the scopes named by
--org, --user, --provider and --model. Prints the reservation token as JSON;
pass it to "commit" or "release".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := openProvider(ctx)
			if err != nil {
				return err
			}
			defer provider.Close()

			token, err := provider.Reserve(ctx, amount, provider.Scopes(attrs))
			var exceeded *budget.ExceededError
			if errors.As(err, &exceeded) {
				return fmt.Errorf("budget exceeded for %s: requested %d, remaining %d",
					exceeded.Scope.Name(), exceeded.Requested, exceeded.Remaining)
			}
			if err != nil {
				return err
			}

			OutputJSON(token)
			return nil
		},
	}

	addAttributeFlags(cmd, &attrs)
	cmd.Flags().Int64VarP(&amount, "amount", "a", 0, "Amount to reserve")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

// NewCommitCommand creates the commit command.
func NewCommitCommand(ctx context.Context) *cobra.Command {
	var tokenArg string
	var used int64

	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Record actual usage for a reservation",
		Long:  "Commit a reservation token. --used 0 (the default) records the reserved amount.",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readToken(tokenArg)
			if err != nil {
				return err
			}

			provider, err := openProvider(ctx)
			if err != nil {
				return err
			}
			defer provider.Close()
			if err := requireEngine(provider); err != nil {
				return err
			}

			provider.Commit(ctx, token, used)
			if used <= 0 {
				used = token.Amount
			}
			return printSettled("committed", token, used)
		},
	}

	cmd.Flags().StringVarP(&tokenArg, "token", "t", "", "Reservation token: JSON, @file or - for stdin")
	cmd.Flags().Int64Var(&used, "used", 0, "Actual usage")
	_ = cmd.MarkFlagRequired("token")

	return cmd
}

// NewReleaseCommand creates the release command.
func NewReleaseCommand(ctx context.Context) *cobra.Command {
	var tokenArg string

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Give a reservation back without recording usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readToken(tokenArg)
			if err != nil {
				return err
			}

			provider, err := openProvider(ctx)
			if err != nil {
				return err
			}
			defer provider.Close()
			if err := requireEngine(provider); err != nil {
				return err
			}

			provider.Release(ctx, token)
			return printSettled("released", token, 0)
		},
	}

	cmd.Flags().StringVarP(&tokenArg, "token", "t", "", "Reservation token: JSON, @file or - for stdin")
	_ = cmd.MarkFlagRequired("token")

	return cmd
}

func printSettled(status string, token budget.ReservationToken, used int64) error {
	if outputJSON {
		OutputJSON(map[string]interface{}{
			"status":      status,
			"token_id":    token.ID,
			"day":         token.Day,
			"amount":      token.Amount,
			"used_amount": used,
		})
		return nil
	}
	_, err := fmt.Fprintf(out, "%s %d on %s (used %d)\n", status, token.Amount, token.Day, used)
	return err
}

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(ctx context.Context) *cobra.Command {
	var attrs budget.CallAttributes
	var day string

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Show counters for the matching scopes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if day != "" && !budget.ValidDay(day) {
				return fmt.Errorf("--day must be YYYY-MM-DD")
			}

			provider, err := openProvider(ctx)
			if err != nil {
				return err
			}
			defer provider.Close()

			scopes := provider.Scopes(attrs)
			states, err := provider.Snapshot(ctx, scopes, day)
			if err != nil {
				return fmt.Errorf("failed to read budget counters: %w", err)
			}

			rows := make([][]string, 0, len(scopes))
			for _, s := range scopes {
				st := states[s.Name()]
				rows = append(rows, []string{
					string(st.Kind),
					st.ID,
					st.Day,
					strconv.FormatInt(st.Limit, 10),
					strconv.FormatInt(st.Used, 10),
					strconv.FormatInt(st.Reserved, 10),
					strconv.FormatInt(st.Remaining, 10),
				})
			}
			OutputTable([]string{"KIND", "ID", "DAY", "LIMIT", "USED", "RESERVED", "REMAINING"}, rows)
			return nil
		},
	}

	addAttributeFlags(cmd, &attrs)
	cmd.Flags().StringVar(&day, "day", "", "UTC day (YYYY-MM-DD), default today")

	return cmd
}

// NewEventsCommand creates the events command.
func NewEventsCommand(ctx context.Context) *cobra.Command {
	var count int64

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recent budget rejections and anomalies",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return fmt.Errorf("--count must be positive")
			}

			provider, err := openProvider(ctx)
			if err != nil {
				return err
			}
			defer provider.Close()

			events, err := provider.RecentEvents(ctx, count)
			if err != nil {
				return fmt.Errorf("failed to read budget events: %w", err)
			}

			rows := make([][]string, 0, len(events))
			for _, ev := range events {
				detail, _ := json.Marshal(ev.Data)
				rows = append(rows, []string{
					ev.Timestamp.Format("2006-01-02 15:04:05"),
					string(ev.Type),
					ev.Day,
					string(detail),
				})
			}
			OutputTable([]string{"TIME", "TYPE", "DAY", "DETAIL"}, rows)
			return nil
		},
	}

	cmd.Flags().Int64VarP(&count, "count", "n", 20, "Number of events to show")

	return cmd
}
