package commands

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shizukutanaka/mamoru/internal/config"
	"github.com/shizukutanaka/mamoru/internal/detection"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List the detection rules in evaluation order",
	RunE:  runRules,
}

var rulesTestCmd = &cobra.Command{
	Use:   "test <request-uri>",
	Short: "Show which rules match a request",
	Long: `Evaluate a request URI against the rule set without side effects.

Example:
  mamoru rules test "/search?q=1' OR '1'='1" --user-agent sqlmap/1.7`,
	Args: cobra.ExactArgs(1),
	RunE: runRulesTest,
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesTestCmd)

	rulesTestCmd.Flags().String("user-agent", "Mozilla/5.0", "User-Agent header of the request")
	rulesTestCmd.Flags().String("method", "GET", "Request method")
}

func loadRuleSet() (*detection.RuleSet, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	rules, err := detection.BuildRuleSet(cfg.IDS.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	return rules, nil
}

func runRules(_ *cobra.Command, _ []string) error {
	rules, err := loadRuleSet()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSEVERITY\tTARGET\tDESCRIPTION")
	for _, r := range rules.Rules() {
		target := string(r.Target)
		if target == "" {
			target = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, r.Severity, target, r.Description)
	}
	return tw.Flush()
}

func runRulesTest(cmd *cobra.Command, args []string) error {
	userAgent, _ := cmd.Flags().GetString("user-agent")
	method, _ := cmd.Flags().GetString("method")

	u, err := url.ParseRequestURI(args[0])
	if err != nil {
		return fmt.Errorf("invalid request URI: %w", err)
	}

	rules, err := loadRuleSet()
	if err != nil {
		return err
	}

	req := detection.Request{
		Source:    "0.0.0.0",
		Method:    method,
		Path:      u.Path,
		RawQuery:  u.RawQuery,
		UserAgent: userAgent,
	}

	matched := 0
	for _, r := range rules.Rules() {
		content, ok := r.Match(req)
		if !ok {
			continue
		}
		matched++
		fmt.Printf("%-20s %-9s %q\n", r.Name, r.Severity, content)
	}
	if matched == 0 {
		fmt.Println("No rules matched")
	}
	return nil
}
