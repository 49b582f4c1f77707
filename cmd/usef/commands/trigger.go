package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/usef/backend/internal/ptu"
)

// triggerCmd represents the trigger command
var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Run a workflow once",
	Long: `Runs a coordinator workflow once against the configured planboard.
Follow-up events are processed before the command returns.

Example:
  go run ./cmd/usef trigger reoptimize 2024-06-12
  go run ./cmd/usef trigger settlement --month 2024-05-01
  go run ./cmd/usef trigger place-orders --date 2024-06-12`,
}

var (
	triggerReOptimizeCmd = &cobra.Command{
		Use:   "reoptimize [date]",
		Short: "Re-optimize the portfolio of a day (YYYY-MM-DD)",
		Args:  cobra.ExactArgs(1),
		RunE:  runReOptimize,
	}

	triggerSettlementCmd = &cobra.Command{
		Use:   "settlement",
		Short: "Initiate settlement of a month (default previous month)",
		RunE:  runSettlement,
	}

	triggerPlaceOrdersCmd = &cobra.Command{
		Use:   "place-orders",
		Short: "Order the accepted flex offers (default every day)",
		RunE:  runPlaceOrders,
	}

	settlementMonth string
	placeOrdersDate string
)

func init() {
	rootCmd.AddCommand(triggerCmd)
	triggerCmd.AddCommand(triggerReOptimizeCmd)
	triggerCmd.AddCommand(triggerSettlementCmd)
	triggerCmd.AddCommand(triggerPlaceOrdersCmd)

	triggerSettlementCmd.Flags().StringVar(&settlementMonth, "month", "", "any day of the month to settle (YYYY-MM-DD)")
	triggerPlaceOrdersCmd.Flags().StringVar(&placeOrdersDate, "date", "", "only order offers for this day (YYYY-MM-DD)")
}

// parseDateFlag parses an optional YYYY-MM-DD value
func parseDateFlag(name, value string) (ptu.Date, error) {
	if value == "" {
		return ptu.Date{}, nil
	}
	d, err := ptu.ParseDate(value)
	if err != nil {
		return ptu.Date{}, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return d, nil
}

func runReOptimize(cmd *cobra.Command, args []string) error {
	date, err := ptu.ParseDate(args[0])
	if err != nil {
		return fmt.Errorf("invalid date: %w", err)
	}

	ctx := cmd.Context()
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	stopBus := a.StartBus(ctx)
	defer stopBus()

	start := time.Now()
	if err := a.Coordinators.ReOptimize.Trigger(ctx, date); err != nil {
		return fmt.Errorf("re-optimize %s: %w", date, err)
	}
	printDone(cmd.OutOrStdout(), "Re-optimized "+date.String(), start)
	return nil
}

func runSettlement(cmd *cobra.Command, args []string) error {
	month, err := parseDateFlag("month", settlementMonth)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	stopBus := a.StartBus(ctx)
	defer stopBus()

	start := time.Now()
	from, until := month.FirstOfMonth(), month.LastOfMonth()
	if month.IsZero() {
		from, until, err = a.Coordinators.Settlement.Initiate(ctx)
	} else {
		err = a.Coordinators.Settlement.InitiateMonth(ctx, month)
	}
	if err != nil {
		return fmt.Errorf("initiate settlement: %w", err)
	}

	printHeader(cmd.OutOrStdout(), "Settlement initiated", [][2]string{
		{"Period", fmt.Sprintf("%s ~ %s", from, until)},
	})
	printDone(cmd.OutOrStdout(), "Settlement", start)
	return nil
}

func runPlaceOrders(cmd *cobra.Command, args []string) error {
	date, err := parseDateFlag("date", placeOrdersDate)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	stopBus := a.StartBus(ctx)
	defer stopBus()

	start := time.Now()
	placed, err := a.Coordinators.FlexOrder.PlaceFlexOrders(ctx, date)
	if err != nil {
		return fmt.Errorf("place flex orders: %w", err)
	}
	printDone(cmd.OutOrStdout(), fmt.Sprintf("Placed %d flex orders", placed), start)
	return nil
}
