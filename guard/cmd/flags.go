package cmd

import (
	"errors"

	"github.com/spf13/pflag"

	"github.com/PatchLens/go-entry-guard/guard"
)

// AddPolicyFlags registers the project, check call and eligibility flags, writing into config.
func AddPolicyFlags(fs *pflag.FlagSet, config *guard.Config) {
	AddProjectFlags(fs, config)
	fs.StringVar(&config.CheckCall, "check", config.CheckCall, "Check routine to call at method entry, as import/path.Func")
	fs.StringSliceVar(&config.IgnoredMethods, "ignore", config.IgnoredMethods, "Method names never instrumented")
	fs.StringVar(&config.ClassPrefix, "class-prefix", config.ClassPrefix, "Skip all types whose name starts with this prefix, empty disables")
	fs.StringVar(&config.SetterPrefix, "setter-prefix", config.SetterPrefix, "Method name prefix identifying setters")
	fs.BoolVar(&config.AllowConstructors, "allow-constructors", config.AllowConstructors, "Instrument New<Type> constructors")
	fs.BoolVar(&config.AllowSetters, "allow-setters", config.AllowSetters, "Instrument setter methods")
	fs.StringVar(&config.ReportJsonFile, "json", config.ReportJsonFile, "File to output the run report")
}

// AddProjectFlags registers the flags locating the project and the backup store.
func AddProjectFlags(fs *pflag.FlagSet, config *guard.Config) {
	fs.StringVarP(&config.ProjectDir, "project", "p", config.ProjectDir, "Path to the project directory")
	fs.StringVar(&config.StoreDir, "store", config.StoreDir, "Backup store directory, relative to the project")
	fs.IntVar(&config.CacheMB, "cachemb", config.CacheMB, "Backup store memory budget in MB")
	fs.BoolVar(&config.DebugStorage, "debug-store", config.DebugStorage, "Log backup store activity and cache metrics")
}

// applyArgs sets package patterns from positional arguments and validates required flags.
func applyArgs(config *guard.Config, args []string) error {
	if config.ProjectDir == "" {
		return errors.New("usage: --project ../foo [packages]")
	}
	if len(args) > 0 {
		config.Patterns = args
	}
	return nil
}
