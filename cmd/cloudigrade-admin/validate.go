package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cloudigrade/cloudigrade"
	"github.com/cloudigrade/cloudigrade/internal/bootstrap"
	"github.com/cloudigrade/cloudigrade/internal/deploy"
	httpx "github.com/cloudigrade/cloudigrade/internal/http"
	"github.com/cloudigrade/cloudigrade/internal/tasks"
)

func newValidateOpenAPICmd(_ *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate-openapi",
		Short: "Validate the OpenAPI document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc := cloudigrade.OpenAPIDocument
			if file != "" {
				var err error
				if doc, err = os.ReadFile(file); err != nil {
					return fmt.Errorf("read %s: %w", file, err)
				}
			}
			if err := httpx.ValidateOpenAPI(doc); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "openapi document is valid")
			return err
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Document to validate instead of the embedded one")
	return cmd
}

func newValidateTasksCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-tasks",
		Short: "Validate task schemas, handlers and the periodic schedule",
		Long: "Checks that every task has a valid payload schema and a handler, and " +
			"that the periodic table is valid with the schedule overrides from the " +
			"environment applied, then prints the effective schedule.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			overrides := cfg.Scheduler.Schedules.ByTask()
			registry, err := tasks.NewRegistry()
			if err != nil {
				return err
			}
			bootstrap.BindHandlerTable(registry)
			if err := registry.ValidateConfig(overrides); err != nil {
				return err
			}
			periodic, err := registry.Periodic(overrides)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			if _, err := fmt.Fprintln(w, "TASK\tSCHEDULE"); err != nil {
				return err
			}
			for _, p := range periodic {
				if _, err := fmt.Fprintf(w, "%s\t%s\n", p.Task, p.Schedule); err != nil {
					return err
				}
			}
			return w.Flush()
		},
	}
}

func newCJICmd(_ *app) *cobra.Command {
	var file string
	loadTemplate := func() (*deploy.Template, error) {
		if file != "" {
			return deploy.LoadTemplateFile(file)
		}
		return deploy.LoadTemplate(cloudigrade.ClowdJobInvocationTemplate)
	}

	cmd := &cobra.Command{
		Use:   "cji",
		Short: "Work with the smoke-test ClowdJobInvocation template",
	}
	cmd.PersistentFlags().StringVar(&file, "file", "", "Template to use instead of the embedded one")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the template describes the smoke-test invocation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := loadTemplate()
			if err != nil {
				return err
			}
			if err := t.Validate(); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "template is valid")
			return err
		},
	}

	var (
		params []string
		uid    string
	)
	render := &cobra.Command{
		Use:     "render",
		Short:   "Render the template with parameter values",
		Example: "  cloudigrade-admin cji render --param IMAGE_TAG=abc1234",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := loadTemplate()
			if err != nil {
				return err
			}
			if err := t.Validate(); err != nil {
				return err
			}
			values, err := parseParams(params)
			if err != nil {
				return err
			}
			if uid != "" {
				values[deploy.ParamUID] = uid
			}
			out, err := t.Render(values)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	render.Flags().StringArrayVar(&params, "param", nil, "Parameter value as KEY=VALUE; repeatable")
	render.Flags().StringVar(&uid, "uid", "", "UID suffix; generated when empty")

	cmd.AddCommand(validate, render)
	return cmd
}

// parseParams turns KEY=VALUE pairs into a map. Later pairs win.
func parseParams(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: want KEY=VALUE", pair)
		}
		out[key] = value
	}
	return out, nil
}
