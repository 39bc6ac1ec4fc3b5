package main

import (
	"context"
	"fmt"
	"io"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"chatsync/internal/app"
	"chatsync/pkg/config"
	"chatsync/pkg/logger"
	"chatsync/pkg/outbox"
	"chatsync/pkg/shutdown"
)

type rootOptions struct {
	flags  config.Flags
	dotenv []string
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	root := &cobra.Command{
		Use:           "chatsync",
		Short:         "Real-time conversation sync engine",
		Long:          "chatsync keeps a local view of conversations, history and presence in sync with a chat server over REST and a push channel.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.SetVersionTemplate(versionString() + "\n")

	pf := root.PersistentFlags()
	pf.StringVar(&o.flags.Config, "config", "chatsync.yaml", "path to the config file")
	pf.StringVar(&o.flags.Self, "self", "", "current user as TYPE:id")
	pf.StringVar(&o.flags.BaseURL, "api", "", "REST API base URL")
	pf.StringVar(&o.flags.Debug, "debug-addr", "", "debug server host:port (enables the server)")
	pf.StringVar(&o.flags.Outbox, "outbox", "", "outbox directory")
	pf.StringVar(&o.flags.Level, "log-level", "", "log level: debug, info, warn, error")
	pf.StringSliceVar(&o.dotenv, "env-file", nil, "dotenv files to load (default .env)")

	root.AddCommand(newRunCmd(o), newValidateCmd(o), newOutboxCmd(o), newVersionCmd())
	return root
}

// load resolves the effective config after recording which flags were set.
func (o *rootOptions) load(cmd *cobra.Command) (config.EffectiveConfigResult, error) {
	config.LoadDotEnv(o.dotenv...)
	o.flags.Set = map[string]bool{}
	for _, name := range []string{"config", "self", "api", "debug-addr", "outbox", "log-level"} {
		o.flags.Set[name] = cmd.Flags().Changed(name)
	}
	eff, err := config.LoadEffectiveConfig(o.flags)
	if err != nil {
		return eff, fmt.Errorf("failed to load config: %w", err)
	}
	return eff, nil
}

func versionString() string {
	s := "chatsync " + version
	if commit != "none" {
		s += " (" + commit + ")"
	}
	if buildDate != "unknown" {
		s += " @ " + buildDate
	}
	return s
}

func newRunCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eff, err := o.load(cmd)
			if err != nil {
				return err
			}
			logger.Init(eff.Config.Logging.Level)
			defer logger.Sync()

			a, err := app.New(eff, versionString())
			if err != nil {
				logger.Error("startup_failed", "error", err)
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Error("outbox_close_failed", "error", err)
				}
			}()

			ctx, cancel := shutdown.SetupSignalHandler(context.Background())
			defer cancel()
			if err := a.Run(ctx); err != nil {
				logger.Error("run_failed", "error", err)
				return err
			}
			logger.Info("shutdown_complete")
			return nil
		},
	}
}

func newValidateCmd(o *rootOptions) *cobra.Command {
	var printConfig bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eff, err := o.load(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok (sources: %v)\n", eff.Sources)
			if printConfig {
				return writeYAML(out, eff.Config)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&printConfig, "print", false, "print the effective config as YAML")
	return cmd
}

func newOutboxCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect failed sends waiting for retry",
	}
	list := &cobra.Command{
		Use:   "list [conversation]",
		Short: "List outbox records, optionally for one conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eff, err := o.load(cmd)
			if err != nil {
				return err
			}
			st, err := outbox.Open(outbox.Options{Path: eff.Config.Outbox.Path, InMemory: eff.Config.Outbox.InMemory})
			if err != nil {
				return err
			}
			defer st.Close()

			var recs []outbox.Record
			if len(args) == 1 {
				recs, err = st.List(args[0])
			} else {
				recs, err = st.All()
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintf(out, "outbox %s is empty\n", st.Path())
				return nil
			}
			return writeYAML(out, recs)
		},
	}
	cmd.AddCommand(list)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionString())
		},
	}
}

func writeYAML(w io.Writer, v any) error {
	b, err := yaml.MarshalWithOptions(v, yaml.UseJSONMarshaler())
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	_, err = w.Write(b)
	return err
}
