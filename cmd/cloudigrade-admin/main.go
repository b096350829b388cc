// Command cloudigrade-admin runs maintenance and release tasks against a
// cloudigrade deployment: schema migrations, development seeding, manual task
// enqueueing and validation of the shipped documents.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloudigrade/cloudigrade/config"
	"github.com/cloudigrade/cloudigrade/internal/bootstrap"
)

// app carries what every command needs. Tests swap the writers and the
// config loader.
type app struct {
	out        io.Writer
	errOut     io.Writer
	logLevel   string
	loadConfig func() (config.AppConfig, error)
}

func (a *app) logger() *slog.Logger {
	return bootstrap.NewLogger(a.errOut, a.logLevel)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "cloudigrade-admin",
		Short:         "Administer a cloudigrade deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "Log level: debug, info, warn or error")

	root.AddCommand(
		newMigrateCmd(a),
		newSeedCmd(a),
		newEnqueueCmd(a),
		newValidateOpenAPICmd(a),
		newValidateTasksCmd(a),
		newCJICmd(a),
	)
	return root
}

func main() {
	a := &app{
		out:        os.Stdout,
		errOut:     os.Stderr,
		loadConfig: bootstrap.LoadConfig,
	}
	root := newRootCmd(a)
	if err := root.ExecuteContext(context.Background()); err != nil {
		a.logger().Error("command failed", "command", commandName(root), "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

// commandName returns the subcommand named on the command line.
func commandName(root *cobra.Command) string {
	cmd, _, err := root.Find(os.Args[1:])
	if err != nil || cmd == nil {
		return root.Name()
	}
	return cmd.Name()
}
