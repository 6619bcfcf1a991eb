package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/nexrun/internal/runstate"
	"github.com/aatumaykin/nexrun/internal/runtime"
)

var (
	runsCursor   string
	resumeCallID string
	resumeResult string
)

// runsCmd represents the runs command
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and resume agent runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		page, err := a.runs.List(cmd.Context(), runsCursor)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, r := range page.Runs {
			fmt.Fprintf(out, "%s\t%s\t%s\n", r.ID, r.AgentID, r.Title)
		}
		if page.NextCursor != "" {
			fmt.Fprintf(out, "next: --cursor %s\n", page.NextCursor)
		}
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print the full event log of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		run, err := a.runs.Fetch(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), run)
	},
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a run log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.runs.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

var runsResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Answer the pending human-input request of a paused run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result := json.RawMessage(resumeResult)
		if !json.Valid(result) {
			// Bare text is sent as a JSON string.
			encoded, err := json.Marshal(resumeResult)
			if err != nil {
				return err
			}
			result = encoded
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		resumer := runstate.NewResumer(a.runs, runtime.NewEchoAgents(a.runs, a.log), a.log.Component("resume"))
		err = resumer.Resume(cmd.Context(), args[0], runstate.ToolResult{
			ToolCallID: resumeCallID,
			ToolName:   runtime.AskToolName,
			Result:     result,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "resumed %s\n", args[0])
		return nil
	},
}

func init() {
	runsListCmd.Flags().StringVar(&runsCursor, "cursor", "", "continue after this run id")

	runsResumeCmd.Flags().StringVar(&resumeCallID, "call", "", "tool call id the run is waiting on (required)")
	runsResumeCmd.Flags().StringVar(&resumeResult, "result", "", "answer, JSON or plain text (required)")
	_ = runsResumeCmd.MarkFlagRequired("call")
	_ = runsResumeCmd.MarkFlagRequired("result")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsDeleteCmd)
	runsCmd.AddCommand(runsResumeCmd)
}
