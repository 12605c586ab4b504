package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/loykin/deployr"
)

func main() {
	root := buildRoot(command{newAgent: deployr.New, out: os.Stdout, errOut: os.Stderr})
	os.Exit(execute(root, os.Stderr))
}

// execute runs root and returns the process exit code. Per-unit failures of
// a batch were already narrated, so only their count is reported here.
func execute(root *cobra.Command, errOut io.Writer) int {
	err := root.Execute()
	if err == nil {
		return 0
	}
	var merr *multierror.Error
	if errors.As(err, &merr) && len(merr.Errors) > 0 {
		_, _ = fmt.Fprintf(errOut, "%d unit(s) failed\n", len(merr.Errors))
		return 1
	}
	_, _ = fmt.Fprintln(errOut, "Error:", err)
	return 1
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// buildRoot creates the root command and its subcommands.
func buildRoot(c command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c.global = globalFlags

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRegisterCommand(c, &RegisterFlags{}),
		createListCommand(c),
		createTargetCommand("unregister", "Deregister units from the platform and remove them", c.Unregister),
		createTargetCommand("run", "Download, stage and start units that are not running", c.Run),
		createTargetCommand("update", "Upgrade units to the latest versions from the platform", c.Update),
		createTargetCommand("stop", "Stop the processes serving unit ports", c.Stop),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "deployr",
		Short: "Deployment agent for port-keyed application units",
		Long: `Deployr installs, updates and supervises applications paired with a
runtime archive, one unit per TCP port, coordinating with a remote
distribution platform.

Examples:
  deployr register --url=https://platform.example --token=<registration token> --port=8080
  deployr run --port=8080
  deployr update --all
  deployr list`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

// createRegisterCommand creates the register subcommand
func createRegisterCommand(c command, flags *RegisterFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new unit with the platform",
		Long: `Register exchanges a registration token for a unit descriptor and
records it under the given port. The port must be free and not yet registered.

Examples:
  deployr register --token=abc123 --port=8080
  deployr register --url=https://platform.example --token=abc123 --port=9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Register(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.URL, "url", "", "platform URL (defaults to platform.url from config)")
	cmd.Flags().StringVar(&flags.Token, "token", "", "registration token (required)")
	cmd.Flags().IntVarP(&flags.Port, "port", "p", 0, "port the application will listen on (required)")
	if err := cmd.MarkFlagRequired("token"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("port"); err != nil {
		panic(err)
	}
	return cmd
}

// createListCommand creates the list subcommand
func createListCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered units and whether they are running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context())
		},
	}
}

// createTargetCommand builds a command acting on one port or on all units.
func createTargetCommand(use, short string, run func(*cobra.Command, TargetFlags) error) *cobra.Command {
	flags := &TargetFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.Validate(); err != nil {
				return err
			}
			return run(cmd, *flags)
		},
	}
	cmd.Flags().IntVarP(&flags.Port, "port", "p", 0, "port of the unit")
	cmd.Flags().BoolVarP(&flags.All, "all", "a", false, "apply to every registered unit")
	cmd.MarkFlagsMutuallyExclusive("port", "all")
	cmd.MarkFlagsOneRequired("port", "all")
	return cmd
}
