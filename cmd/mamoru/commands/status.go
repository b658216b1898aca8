package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status from a running instance",
	Long: `Fetch runtime status from the admin API of a running instance.

The token comes from --token or the MAMORU_TOKEN environment variable; use
"mamoru token issue" to mint one.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().String("api-url", "http://127.0.0.1:9443", "Admin API base URL")
	statusCmd.Flags().String("token", "", "Bearer token (default $MAMORU_TOKEN)")
	statusCmd.Flags().String("format", "table", "Output format (table, json, yaml)")
	statusCmd.Flags().Int("top", 10, "Number of attack sources to list")
	statusCmd.Flags().Bool("watch", false, "Refresh until interrupted")
	statusCmd.Flags().Duration("interval", 5*time.Second, "Watch interval")
}

// StatusReport mirrors the /api/v1/stats payload.
type StatusReport struct {
	Attacks  []AttackSource    `json:"attacks" yaml:"attacks"`
	Counters map[string]uint64 `json:"counters" yaml:"counters"`
	Status   EngineStatus      `json:"status" yaml:"status"`
}

type AttackSource struct {
	Source        string            `json:"source" yaml:"source"`
	TotalAttacks  uint64            `json:"total_attacks" yaml:"total_attacks"`
	AttacksByType map[string]uint64 `json:"attacks_by_type" yaml:"attacks_by_type"`
	FirstSeen     time.Time         `json:"first_seen" yaml:"first_seen"`
	LastSeen      time.Time         `json:"last_seen" yaml:"last_seen"`
	Escalated     bool              `json:"escalated" yaml:"escalated"`
}

type EngineStatus struct {
	Running          bool              `json:"running" yaml:"running"`
	StartedAt        time.Time         `json:"started_at" yaml:"started_at"`
	Heightened       bool              `json:"heightened" yaml:"heightened"`
	BlacklistEntries int               `json:"blacklist_entries" yaml:"blacklist_entries"`
	ActiveIncidents  int               `json:"active_incidents" yaml:"active_incidents"`
	Watchlist        int               `json:"watchlist" yaml:"watchlist"`
	Firewall         string            `json:"firewall" yaml:"firewall"`
	Detection        map[string]uint64 `json:"detection" yaml:"detection"`
	Events           map[string]uint64 `json:"events" yaml:"events"`
	Notifier         map[string]uint64 `json:"notifier" yaml:"notifier"`
	Integrity        struct {
		Status     string          `json:"status" yaml:"status"`
		Components map[string]bool `json:"components" yaml:"components"`
	} `json:"integrity" yaml:"integrity"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	apiURL, _ := cmd.Flags().GetString("api-url")
	token, _ := cmd.Flags().GetString("token")
	format, _ := cmd.Flags().GetString("format")
	top, _ := cmd.Flags().GetInt("top")
	watch, _ := cmd.Flags().GetBool("watch")
	interval, _ := cmd.Flags().GetDuration("interval")

	if token == "" {
		token = os.Getenv("MAMORU_TOKEN")
	}
	client := &http.Client{Timeout: 10 * time.Second}

	if watch {
		for {
			fmt.Print("\033[H\033[2J")
			if err := displayStatus(client, apiURL, token, format, top); err != nil {
				return err
			}
			time.Sleep(interval)
		}
	}
	return displayStatus(client, apiURL, token, format, top)
}

func displayStatus(client *http.Client, apiURL, token, format string, top int) error {
	report, err := fetchStatus(client, apiURL, token, top)
	if err != nil {
		return fmt.Errorf("failed to fetch status: %w", err)
	}

	switch format {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	case "yaml":
		data, err := yaml.Marshal(report)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	default:
		displayTable(report)
		return nil
	}
}

func fetchStatus(client *http.Client, apiURL, token string, top int) (*StatusReport, error) {
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/api/v1/stats?limit=%d", strings.TrimRight(apiURL, "/"), top), nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool         `json:"success"`
		Data    StatusReport `json:"data"`
		Error   string       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("API returned status %d", resp.StatusCode)
	}
	if !envelope.Success {
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, envelope.Error)
	}
	return &envelope.Data, nil
}

func displayTable(report *StatusReport) {
	s := report.Status
	fmt.Printf("mamoru status - %s\n\n", time.Now().Format("2006-01-02 15:04:05"))

	fmt.Println("Overview:")
	fmt.Printf("  Running           : %v (since %s)\n", s.Running, humanize.Time(s.StartedAt))
	fmt.Printf("  Heightened mode   : %v\n", s.Heightened)
	fmt.Printf("  Firewall          : %s\n", s.Firewall)
	fmt.Printf("  Blacklisted       : %s\n", humanize.Comma(int64(s.BlacklistEntries)))
	fmt.Printf("  Watchlist         : %s\n", humanize.Comma(int64(s.Watchlist)))
	fmt.Printf("  Active incidents  : %d\n", s.ActiveIncidents)
	fmt.Printf("  Integrity         : %s\n", s.Integrity.Status)

	if len(s.Detection) > 0 {
		fmt.Println("\nDetection:")
		printCounters(s.Detection)
	}
	if len(report.Counters) > 0 {
		fmt.Println("\nResponse:")
		printCounters(report.Counters)
	}
	if len(s.Events) > 0 {
		fmt.Println("\nEvents:")
		printCounters(s.Events)
	}

	if len(report.Attacks) > 0 {
		fmt.Println("\nTop attack sources:")
		for _, a := range report.Attacks {
			marker := ""
			if a.Escalated {
				marker = " [ESCALATED]"
			}
			fmt.Printf("  - %-39s attacks=%-6s last=%s%s\n",
				a.Source,
				humanize.Comma(int64(a.TotalAttacks)),
				humanize.Time(a.LastSeen),
				marker,
			)
		}
	}
}

func printCounters(counters map[string]uint64) {
	keys := make([]string, 0, len(counters))
	for k := range counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-18s: %s\n", k, humanize.Comma(int64(counters[k])))
	}
}
