package cmd

import (
	"github.com/spf13/cobra"

	"github.com/PatchLens/go-entry-guard/guard"
)

// NewRootCommand builds the entryguard command tree. Engines are built with newEngine so tests can swap storage.
func NewRootCommand(newEngine func(*guard.Config) *guard.Engine) *cobra.Command {
	if newEngine == nil {
		newEngine = guard.NewEngine
	}
	root := &cobra.Command{
		Use:   "entryguard",
		Short: "Insert a check call at the entry of Go methods",
		Long: `entryguard inserts a call to a configured check routine at the start of every eligible
method in a Go project. Constructors, setters, ignored methods and excluded types are left untouched.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.AddCommand(
		newInstrumentCommand("instrument", "Instrument methods and rewrite the sources", false, newEngine),
		newInstrumentCommand("plan", "Print the instrumentation diff without writing sources", true, newEngine),
		newRestoreCommand(newEngine),
	)
	return root
}

func newInstrumentCommand(use, short string, dryRun bool, newEngine func(*guard.Config) *guard.Engine) *cobra.Command {
	config := guard.DefaultConfig()
	c := &cobra.Command{
		Use:   use + " [packages]",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyArgs(config, args); err != nil {
				return err
			}
			config.DryRun = dryRun
			engine := newEngine(config)
			engine.Out = cmd.OutOrStdout()
			_, err := engine.Run(cmd.Context())
			return err
		},
	}
	AddPolicyFlags(c.Flags(), config)
	return c
}

func newRestoreCommand(newEngine func(*guard.Config) *guard.Engine) *cobra.Command {
	config := guard.DefaultConfig()
	c := &cobra.Command{
		Use:   "restore",
		Short: "Restore sources backed up by previous instrument runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyArgs(config, nil); err != nil {
				return err
			}
			_, err := newEngine(config).Restore()
			return err
		},
	}
	AddProjectFlags(c.Flags(), config)
	return c
}
