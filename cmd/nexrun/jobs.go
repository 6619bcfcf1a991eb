package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aatumaykin/nexrun/internal/chat"
	"github.com/aatumaykin/nexrun/internal/jobs"
)

var (
	jobProject string
	jobInput   string
	jobMessage string
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage queued jobs",
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Enqueue a pending job",
	Long: `Enqueue a job for a project. The input is read from a YAML or JSON file
with "workflow" and "messages" keys; --message appends a user message.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		input, err := buildInput(jobInput, jobMessage)
		if err != nil {
			return err
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		job, err := a.jobs.Create(cmd.Context(), jobProject, input)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), job)
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		list, err := a.jobs.List(cmd.Context(), jobProject)
		if err != nil {
			return err
		}
		for _, j := range list {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n",
				j.ID, j.ProjectID, j.Status, j.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a job with its output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		job, err := a.jobs.Fetch(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), job)
	},
}

func init() {
	jobsCreateCmd.Flags().StringVarP(&jobProject, "project", "p", "", "project id (required)")
	jobsCreateCmd.Flags().StringVarP(&jobInput, "input", "i", "", "path to a YAML or JSON input file")
	jobsCreateCmd.Flags().StringVarP(&jobMessage, "message", "m", "", "user message appended to the input")
	_ = jobsCreateCmd.MarkFlagRequired("project")

	jobsListCmd.Flags().StringVarP(&jobProject, "project", "p", "", "only jobs of this project")

	jobsCmd.AddCommand(jobsCreateCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
}

// buildInput reads an input file (if any) and appends message as a user message.
func buildInput(path, message string) (jobs.Input, error) {
	var input jobs.Input
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return input, fmt.Errorf("failed to read input: %w", err)
		}
		if input, err = decodeInput(data); err != nil {
			return input, err
		}
	}
	if message != "" {
		input.Messages = append(input.Messages, chat.UserMessage(message))
	}
	if len(input.Messages) == 0 && len(input.Workflow) == 0 {
		return input, errors.New("job input is empty: pass --input or --message")
	}
	return input, nil
}

// decodeInput accepts YAML or JSON. YAML is a superset of JSON, so the data
// goes through a generic YAML decode and is re-encoded as JSON.
func decodeInput(data []byte) (jobs.Input, error) {
	var input jobs.Input

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return input, fmt.Errorf("failed to parse input: %w", err)
	}
	if raw == nil {
		return input, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return input, fmt.Errorf("failed to convert input: %w", err)
	}
	if err := json.Unmarshal(encoded, &input); err != nil {
		return input, fmt.Errorf("invalid job input: %w", err)
	}
	return input, nil
}
