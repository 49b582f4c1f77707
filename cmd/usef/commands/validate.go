package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wonny/usef/backend/internal/pbc"
	"github.com/wonny/usef/backend/internal/scheduler"
	"github.com/wonny/usef/backend/internal/validation"
)

// validateConfigCmd represents the validate-config command
var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Check the configuration without connecting to any backend",
	Long: `Loads the configuration and checks the participant settings, the
job schedules and the PBC step definitions.

Example:
  go run ./cmd/usef validate-config
  go run ./cmd/usef validate-config --env-file deploy/dso.env`,
	RunE: runValidateConfig,
}

func init() {
	rootCmd.AddCommand(validateConfigCmd)
}

func runValidateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	settings, err := validation.SettingsFromConfig(cfg.USEF)
	if err != nil {
		return err
	}

	s := cfg.Schedules
	schedules := map[string]string{
		"SCHEDULE_PTU_PHASE":           s.PtuPhase,
		"SCHEDULE_PLACE_FLEX_ORDERS":   s.PlaceFlexOrders,
		"SCHEDULE_INITIATE_SETTLEMENT": s.InitiateSettle,
		"SCHEDULE_FINALIZE_SWEEP":      s.FinalizeSweep,
		"SCHEDULE_EXPIRE_DOCUMENTS":    s.ExpireDocuments,
	}
	for key, expr := range schedules {
		if err := scheduler.ValidateSchedule(expr); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	steps := "built-in"
	if cfg.USEF.PBCStepsFile != "" {
		defs, err := pbc.LoadDefinitions(cfg.USEF.PBCStepsFile)
		if err != nil {
			return err
		}
		steps = fmt.Sprintf("%s (%d steps)", cfg.USEF.PBCStepsFile, len(defs))
	}

	mdcs := "-"
	if len(cfg.USEF.MDCDomains) > 0 {
		mdcs = strings.Join(cfg.USEF.MDCDomains, ", ")
	}

	out := cmd.OutOrStdout()
	printHeader(out, "Configuration", [][2]string{
		{"Environment", cfg.Env},
		{"Participant", settings.String()},
		{"Role", cfg.USEF.Role},
		{"Store", cfg.Store},
		{"Redis", fmt.Sprintf("%t", cfg.Redis.Enabled)},
		{"MDCs", mdcs},
		{"PBC steps", steps},
	})
	fmt.Fprintln(out, "✅ Configuration is valid")
	return nil
}
