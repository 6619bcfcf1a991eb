package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/nexrun/internal/agents"
)

// agentsCmd represents the agents command
var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect and drive the agent schedule runner",
}

var agentsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the persisted state of every scheduled agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		state, err := agents.NewFileStateRepo(cfg.Agents.StatePath).Load(cmd.Context())
		if err != nil {
			return err
		}

		names := make([]string, 0, len(state.Agents))
		for name := range state.Agents {
			names = append(names, name)
		}
		sort.Strings(names)

		out := cmd.OutOrStdout()
		for _, name := range names {
			e := state.Agents[name]
			fmt.Fprintf(out, "%s\t%s\tnext=%s\tlast=%s\truns=%d", name, e.Status,
				formatTime(e.NextRunAt), formatTime(e.LastRunAt), e.RunCount)
			if e.LastError != "" {
				fmt.Fprintf(out, "\terror=%q", e.LastError)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

var agentsTriggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Ask a running server to evaluate schedules now",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.Admin.Enabled {
			return fmt.Errorf("admin server is disabled in %s", configPath)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		url := "http://" + cfg.Admin.Addr + "/agents/trigger"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to reach admin server: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("trigger failed: %s: %s", resp.Status, body)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "triggered")
		return nil
	},
}

func init() {
	agentsCmd.AddCommand(agentsStatusCmd)
	agentsCmd.AddCommand(agentsTriggerCmd)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
