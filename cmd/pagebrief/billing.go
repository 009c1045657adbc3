package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/PageBrief/app/models"
	"github.com/ManuelReschke/PageBrief/internal/pkg/mirror"
)

func newPlansCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "List plans and payment methods",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := state.open(cmd); err != nil {
				return err
			}
			plans, err := state.client.Plans(cmd.Context())
			if err != nil {
				return err
			}
			methods, err := state.client.PaymentMethods(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range plans {
				fmt.Fprintf(out, "%-10s %8.2f  %s\n", p.ID, p.Price, p.Name)
			}
			fmt.Fprintln(out)
			for _, m := range methods {
				status := "enabled"
				if !m.Enabled {
					status = "disabled"
				}
				fmt.Fprintf(out, "%-10s %s (%s)\n", m.ID, m.Name, status)
			}
			return nil
		},
	}
}

func newActivateCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "activate <license-key>",
		Short: "Activate a license key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := state.open(cmd); err != nil {
				return err
			}
			st, err := state.mirror.ActivateLicense(cmd.Context(), args[0])
			if err != nil {
				if st != nil && st.Reason != "" {
					return fmt.Errorf("license not usable: %s", st.Reason)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "license %s active (%s)\n", args[0], st.PlanType)
			return nil
		},
	}
}

func newBuyCommand(state *cliState) *cobra.Command {
	var (
		method   string
		interval time.Duration
		timeout  time.Duration
		resume   bool
	)
	cmd := &cobra.Command{
		Use:   "buy <plan>",
		Short: "Create an order and wait for the payment",
		Long: `buy creates an order, prints the payment link and polls the order until
the payment is confirmed, fails, or the timeout elapses. Interrupting the
wait leaves the order untouched on the server; use --resume to wait again.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := state.open(cmd); err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			var orderID string
			if resume {
				snap, err := state.mirror.Snapshot(ctx)
				if err != nil {
					return err
				}
				if snap.PendingOrder == nil {
					return errors.New("no pending order to resume")
				}
				orderID = snap.PendingOrder.OrderID
			} else {
				if len(args) != 1 {
					return errors.New("plan is required")
				}
				order, err := state.mirror.StartOrder(ctx, args[0], method)
				if err != nil {
					return err
				}
				orderID = order.ID
				fmt.Fprintf(out, "order %s: %.2f via %s\n", order.ID, order.Amount, order.PaymentMethod)
				if order.PaymentURL != "" {
					fmt.Fprintf(out, "pay at: %s\n", order.PaymentURL)
				}
			}

			fmt.Fprintln(out, "waiting for payment...")
			order, err := state.mirror.PollOrder(ctx, orderID, interval, timeout)
			if errors.Is(err, mirror.ErrPaymentUnresolved) {
				return fmt.Errorf("payment for %s not confirmed yet, run 'pagebrief buy --resume' later", orderID)
			}
			if err != nil {
				return err
			}
			if order.Status != models.OrderStatusPaid {
				return fmt.Errorf("order %s %s", order.ID, order.Status)
			}
			fmt.Fprintf(out, "paid, license %s\n", order.LicenseKey)
			return nil
		},
	}
	cmd.Flags().StringVarP(&method, "method", "m", "alipay", "payment method")
	cmd.Flags().DurationVar(&interval, "interval", mirror.DefaultPollInterval, "poll interval")
	cmd.Flags().DurationVar(&timeout, "timeout", mirror.DefaultPollTimeout, "give up waiting after this long")
	cmd.Flags().BoolVar(&resume, "resume", false, "wait for the pending order instead of creating one")
	return cmd
}
