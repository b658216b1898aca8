package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shizukutanaka/mamoru/internal/config"
	"github.com/shizukutanaka/mamoru/internal/detection"
	"github.com/shizukutanaka/mamoru/internal/events"
	"github.com/shizukutanaka/mamoru/internal/firewall"
	"github.com/shizukutanaka/mamoru/internal/logging"
	"github.com/shizukutanaka/mamoru/internal/monitoring"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and probe its dependencies",
	Long: `Validate the configuration, compile the rule set, check firewall
privileges, connect to the event store and run the host integrity probes.
Exits non-zero when any check fails.`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	fmt.Println("[OK]    configuration")

	logs, err := logging.NewFactory(cfg.Log)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer logs.Sync()
	logger := logs.Root()

	failed := 0
	report := func(name string, err error) {
		if err != nil {
			failed++
			fmt.Printf("[FAIL]  %s: %v\n", name, err)
			return
		}
		fmt.Printf("[OK]    %s\n", name)
	}

	rules, err := detection.BuildRuleSet(cfg.IDS.RulesFile)
	if err == nil {
		fmt.Printf("[OK]    rules (%d loaded)\n", len(rules.Rules()))
	} else {
		report("rules", err)
	}

	if cfg.Firewall.Enabled {
		if firewall.CheckPrivileges(logger.Named("firewall"), cfg.Firewall.Backend) {
			report("firewall privileges ("+cfg.Firewall.Backend+")", nil)
		} else {
			fmt.Printf("[WARN]  firewall privileges (%s): not running with elevated privileges\n", cfg.Firewall.Backend)
		}
	} else {
		fmt.Println("[SKIP]  firewall (disabled, intents are logged only)")
	}

	if cfg.Events.Store.Driver != "" {
		store, err := events.OpenSQLStore(logger.Named("events"), cfg.Events.Store)
		if err == nil {
			store.Close()
		}
		report("event store ("+cfg.Events.Store.Driver+")", err)
	} else {
		fmt.Println("[SKIP]  event store (memory only)")
	}

	integrity := monitoring.NewIntegrityChecker(logger.Named("integrity"), cfg.Integrity)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	health := integrity.CheckSystemIntegrity(ctx)
	for _, name := range integrity.Components() {
		if health.Components[name] {
			report("host "+name, nil)
		} else {
			fmt.Printf("[WARN]  host %s\n", name)
		}
	}

	logger.Debug("Check finished", zap.Int("failed", failed))
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}
