package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/nexrun/internal/rules"
)

var (
	ruleProject string
	ruleInput   string
	ruleMessage string
	ruleAt      string
	ruleCron    string
)

// rulesCmd represents the rules command
var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage one-time and recurring job rules",
}

var scheduledCmd = &cobra.Command{
	Use:   "scheduled",
	Short: "One-time rules that enqueue a job at a given instant",
}

var recurringCmd = &cobra.Command{
	Use:   "recurring",
	Short: "Cron rules that enqueue a job on every fire",
}

var scheduledCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a one-time rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		at, err := time.Parse(time.RFC3339, ruleAt)
		if err != nil {
			return fmt.Errorf("invalid --at (want RFC3339): %w", err)
		}
		input, err := buildInput(ruleInput, ruleMessage)
		if err != nil {
			return err
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		rule, err := a.scheduled.Create(cmd.Context(), rules.CreateScheduledInput{
			ProjectID: ruleProject,
			Input:     input,
			NextRunAt: at,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rule)
	},
}

var scheduledListCmd = &cobra.Command{
	Use:   "list",
	Short: "List one-time rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		list, err := a.scheduled.List(cmd.Context(), ruleProject)
		if err != nil {
			return err
		}
		for _, r := range list {
			state := "pending"
			if r.ProcessedAt != nil {
				state = "processed"
			}
			printRuleLine(cmd.OutOrStdout(), r.ID, r.ProjectID, r.Disabled, state, r.NextRunAt.Format(time.RFC3339))
		}
		return nil
	},
}

var recurringCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a cron rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		input, err := buildInput(ruleInput, ruleMessage)
		if err != nil {
			return err
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		rule, err := a.recurring.Create(cmd.Context(), rules.CreateRecurringInput{
			ProjectID: ruleProject,
			Input:     input,
			Cron:      ruleCron,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rule)
	},
}

var recurringUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change the cron expression or input of a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in rules.UpdateRecurringInput
		if cmd.Flags().Changed("cron") {
			in.Cron = &ruleCron
		}
		if ruleInput != "" || ruleMessage != "" {
			input, err := buildInput(ruleInput, ruleMessage)
			if err != nil {
				return err
			}
			in.Input = &input
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		rule, err := a.recurring.Update(cmd.Context(), args[0], in)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rule)
	},
}

var recurringListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cron rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		list, err := a.recurring.List(cmd.Context(), ruleProject)
		if err != nil {
			return err
		}
		for _, r := range list {
			next := "-"
			if r.NextRunAt != nil {
				next = r.NextRunAt.Format(time.RFC3339)
			}
			printRuleLine(cmd.OutOrStdout(), r.ID, r.ProjectID, r.Disabled, r.Cron, next)
		}
		return nil
	},
}

func printRuleLine(w io.Writer, id, project string, disabled bool, detail, next string) {
	enabled := "enabled"
	if disabled {
		enabled = "disabled"
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", id, project, enabled, detail, next)
}

// ruleOps adapts one rule service to the shared show/enable/disable/delete commands.
type ruleOps struct {
	fetch   func(a *app, cmd *cobra.Command, id string) (any, error)
	enable  func(a *app, cmd *cobra.Command, id string) (any, error)
	disable func(a *app, cmd *cobra.Command, id string) (any, error)
	remove  func(a *app, cmd *cobra.Command, id string) error
}

func ruleIDCommand(use, short string, run func(a *app, cmd *cobra.Command, id string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			v, err := run(a, cmd, args[0])
			if err != nil {
				return err
			}
			if v == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
}

func addRuleIDCommands(parent *cobra.Command, ops ruleOps) {
	parent.AddCommand(ruleIDCommand("show", "Show a rule", ops.fetch))
	parent.AddCommand(ruleIDCommand("enable", "Enable a rule", ops.enable))
	parent.AddCommand(ruleIDCommand("disable", "Disable a rule", ops.disable))
	parent.AddCommand(ruleIDCommand("delete", "Delete a rule", func(a *app, cmd *cobra.Command, id string) (any, error) {
		return nil, ops.remove(a, cmd, id)
	}))
}

func init() {
	for _, c := range []*cobra.Command{scheduledCreateCmd, recurringCreateCmd} {
		c.Flags().StringVarP(&ruleProject, "project", "p", "", "project id (required)")
		c.Flags().StringVarP(&ruleInput, "input", "i", "", "path to a YAML or JSON job input file")
		c.Flags().StringVarP(&ruleMessage, "message", "m", "", "user message appended to the job input")
		_ = c.MarkFlagRequired("project")
	}
	scheduledCreateCmd.Flags().StringVar(&ruleAt, "at", "", "fire time, RFC3339 (required)")
	_ = scheduledCreateCmd.MarkFlagRequired("at")
	recurringCreateCmd.Flags().StringVar(&ruleCron, "cron", "", "five-field cron expression (required)")
	_ = recurringCreateCmd.MarkFlagRequired("cron")

	recurringUpdateCmd.Flags().StringVar(&ruleCron, "cron", "", "new cron expression")
	recurringUpdateCmd.Flags().StringVarP(&ruleInput, "input", "i", "", "path to a new job input file")
	recurringUpdateCmd.Flags().StringVarP(&ruleMessage, "message", "m", "", "user message appended to the new input")

	scheduledListCmd.Flags().StringVarP(&ruleProject, "project", "p", "", "only rules of this project")
	recurringListCmd.Flags().StringVarP(&ruleProject, "project", "p", "", "only rules of this project")

	scheduledCmd.AddCommand(scheduledCreateCmd, scheduledListCmd)
	addRuleIDCommands(scheduledCmd, ruleOps{
		fetch: func(a *app, cmd *cobra.Command, id string) (any, error) {
			return a.scheduled.Fetch(cmd.Context(), id)
		},
		enable: func(a *app, cmd *cobra.Command, id string) (any, error) {
			return a.scheduled.Enable(cmd.Context(), id)
		},
		disable: func(a *app, cmd *cobra.Command, id string) (any, error) {
			return a.scheduled.Disable(cmd.Context(), id)
		},
		remove: func(a *app, cmd *cobra.Command, id string) error {
			return a.scheduled.Delete(cmd.Context(), id)
		},
	})

	recurringCmd.AddCommand(recurringCreateCmd, recurringUpdateCmd, recurringListCmd)
	addRuleIDCommands(recurringCmd, ruleOps{
		fetch: func(a *app, cmd *cobra.Command, id string) (any, error) {
			return a.recurring.Fetch(cmd.Context(), id)
		},
		enable: func(a *app, cmd *cobra.Command, id string) (any, error) {
			return a.recurring.Enable(cmd.Context(), id)
		},
		disable: func(a *app, cmd *cobra.Command, id string) (any, error) {
			return a.recurring.Disable(cmd.Context(), id)
		},
		remove: func(a *app, cmd *cobra.Command, id string) error {
			return a.recurring.Delete(cmd.Context(), id)
		},
	})

	rulesCmd.AddCommand(scheduledCmd)
	rulesCmd.AddCommand(recurringCmd)
}
