package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/PageBrief/internal/pkg/entitlements"
	"github.com/ManuelReschke/PageBrief/internal/pkg/mirror"
)

func newSendCodeCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "send-code <email>",
		Short: "Send a registration code to an email address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := state.open(cmd); err != nil {
				return err
			}
			resp, err := state.client.SendVerificationCode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
}

func newRegisterCommand(state *cliState) *cobra.Command {
	var password, code string
	cmd := &cobra.Command{
		Use:   "register <email>",
		Short: "Create a free account with the emailed code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := state.open(cmd); err != nil {
				return err
			}
			snap, err := state.mirror.Register(cmd.Context(), args[0], password, code)
			if err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password (min 6 characters)")
	cmd.Flags().StringVarP(&code, "code", "c", "", "6-digit verification code")
	_ = cmd.MarkFlagRequired("password")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func newLoginCommand(state *cliState) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login <email>",
		Short: "Sign in and replace the local state with the server's",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := state.open(cmd); err != nil {
				return err
			}
			snap, err := state.mirror.Login(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newLogoutCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and fall back to guest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := state.open(cmd); err != nil {
				return err
			}
			snap, err := state.mirror.Logout(cmd.Context())
			if snap != nil {
				printSnapshot(cmd.OutOrStdout(), snap)
			}
			if err != nil {
				// Local state is already cleared.
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: server logout failed: %v\n", err)
			}
			return nil
		},
	}
}

func newStatusCommand(state *cliState) *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show account, quota and license state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := state.open(cmd); err != nil {
				return err
			}
			snap, err := state.mirror.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			if !offline && snap.SignedIn() {
				if snap, err = state.mirror.Refresh(cmd.Context()); err != nil {
					return err
				}
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "show the local mirror without asking the server")
	return cmd
}

func newGateCommand(state *cliState) *cobra.Command {
	var action string
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Check and record one use of an action",
		Long: `gate asks whether an action is allowed and, if so, records one use.
Exits non-zero with the denial reason when the quota is exhausted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := state.open(cmd); err != nil {
				return err
			}
			noop := func(context.Context) error { return nil }
			d, err := state.mirror.Gate(cmd.Context(), entitlements.Action(action), noop)
			unconfirmed := errors.Is(err, mirror.ErrCommitUnconfirmed)
			if err != nil && d.Reason != entitlements.ReasonNone {
				return fmt.Errorf("%s: %s", d.Reason, d.Reason.Message())
			}
			if err != nil && !unconfirmed {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "allowed, %s remaining\n", formatRemaining(d.Remaining))
			if unconfirmed {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: server did not confirm the use, recorded locally")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&action, "action", "a", string(entitlements.ActionSummarize), "summarize or image_analysis")
	return cmd
}

func newCleanupCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Drop a pending-order marker older than one hour",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := state.open(cmd); err != nil {
				return err
			}
			removed, err := state.mirror.CleanupStaleOrder(cmd.Context())
			if err != nil {
				return err
			}
			if removed {
				fmt.Fprintln(cmd.OutOrStdout(), "stale pending order removed")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to clean up")
			}
			return nil
		},
	}
}

func formatRemaining(n int) string {
	if n == entitlements.Unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d", n)
}

func printSnapshot(w io.Writer, s *mirror.Snapshot) {
	if s.SignedIn() {
		fmt.Fprintf(w, "account:   %s (%s)\n", s.Email, s.Kind)
	} else {
		fmt.Fprintf(w, "account:   guest\n")
	}
	limit := s.DailyLimit
	if limit == 0 {
		limit = entitlements.DefaultLimit(s.Kind)
	}
	fmt.Fprintf(w, "usage:     %d / %s on %s\n", s.UsageCount, formatRemaining(limit), s.LastResetDate)
	if s.LicenseKey != "" {
		expiry := "never"
		if s.LicenseExpiry != nil {
			expiry = s.LicenseExpiry.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "license:   %s (%s, expires %s)\n", s.LicenseKey, s.PlanType, expiry)
	}
	if s.PendingOrder != nil {
		fmt.Fprintf(w, "pending:   order %s (%s, since %s)\n",
			s.PendingOrder.OrderID, s.PendingOrder.PlanType, s.PendingOrder.CreatedAt.Format(time.RFC3339))
	}
}
