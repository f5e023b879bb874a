// Package cli implements the researchmesh command line: run a research
// session, resume an interrupted one and inspect stored sessions.
package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/researchmesh/tool"
)

const version = "0.1.0"

// Options configures the command tree.
type Options struct {
	// Registry holds the tools available to configured agents.
	Registry *tool.Registry
	// In answers the turns of human agents. Defaults to os.Stdin.
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

type globalFlags struct {
	cfgFile     string
	logLevel    string
	metricsAddr string
}

// NewRootCmd builds the researchmesh command tree.
func NewRootCmd(optFns ...func(o *Options)) *cobra.Command {
	opts := Options{
		In:  os.Stdin,
		Out: os.Stdout,
		Err: os.Stderr,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Registry == nil {
		opts.Registry = tool.NewRegistry()
	}

	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "researchmesh",
		Short: "researchmesh - multi-agent research orchestration",
		Long: `researchmesh runs a roster of research agents against a query. A model
driven selector picks the next speaker each turn; sessions are checkpointed
after every turn and can be resumed after cancellation or failure.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.SetOut(opts.Out)
	rootCmd.SetErr(opts.Err)

	rootCmd.PersistentFlags().StringVar(&flags.cfgFile, "config", "", "config file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the config")
	rootCmd.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address; overrides the config")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	rootCmd.AddCommand(
		newRunCmd(flags, &opts),
		newResumeCmd(flags, &opts),
		newShowCmd(flags, &opts),
	)

	return rootCmd
}

// Execute runs the command tree with os.Args.
func Execute(optFns ...func(o *Options)) error {
	return NewRootCmd(optFns...).Execute()
}
