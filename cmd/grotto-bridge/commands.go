package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/shhac/grotto-bridge/internal/app"
	"github.com/shhac/grotto-bridge/internal/registry"
)

type rootOptions struct {
	configPath  string
	listen      string
	debug       bool
	logLevel    string
	logFormat   string
	logFile     string
	dialTimeout time.Duration
	maxSessions int
	tracing     bool
	protoRoot   string
	protoFiles  []string
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(&rootOptions{})
}

func newRootCmdWith(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           app.Name,
		Short:         "Bridge JSON websocket tunnels to gRPC calls",
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	flags.StringVar(&opts.listen, "listen", "", "HTTP listen address (default 0.0.0.0:8081)")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: text or json")
	flags.StringVar(&opts.logFile, "log-file", "", `also write logs to this file ("default" for the platform location)`)
	flags.DurationVar(&opts.dialTimeout, "dial-timeout", 0, "how long a session waits for its target (default 30s)")
	flags.IntVar(&opts.maxSessions, "max-sessions", 0, "maximum concurrent sessions, 0 for unlimited")
	flags.BoolVar(&opts.tracing, "tracing", false, "export session traces to stdout")
	flags.StringVar(&opts.protoRoot, "proto-root", "", "directory that proto import paths are relative to")
	flags.StringSliceVar(&opts.protoFiles, "proto", nil, "proto files to load at startup")

	root.AddCommand(newServeCmd(opts), newServicesCmd(opts))
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and the tunnel endpoint (default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
}

// loadConfig layers defaults, the config file, the environment and flags,
// in increasing precedence.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (*app.Config, error) {
	cfg := app.DefaultConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = app.LoadConfigFile(o.configPath); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = o.listen
	}
	if flags.Changed("debug") {
		cfg.Debug = o.debug
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if flags.Changed("log-file") {
		cfg.Log.File = o.logFile
	}
	if flags.Changed("dial-timeout") {
		cfg.DialTimeout = o.dialTimeout
	}
	if flags.Changed("max-sessions") {
		cfg.MaxSessions = o.maxSessions
	}
	if flags.Changed("tracing") {
		cfg.Tracing = o.tracing
	}
	if flags.Changed("proto-root") {
		cfg.ProtoRoot = o.protoRoot
	}
	if flags.Changed("proto") {
		cfg.ProtoFiles = o.protoFiles
	}
	return cfg, cfg.Validate()
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridgeApp, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return bridgeApp.Run(ctx)
}

func newServicesCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "services [file.proto...]",
		Short: "Compile proto files and list their services and methods",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, err := app.ReadProtoFiles(opts.protoRoot, args)
			if err != nil {
				return err
			}
			files, err := registry.Compile(cmd.Context(), sources)
			if err != nil {
				return err
			}
			snap, err := registry.NewSnapshot("cli", registry.ServicesOf(files))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(snap.Services())
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SERVICE\tMETHOD\tSHAPE\tINPUT\tOUTPUT")
			for _, svc := range snap.Services() {
				for _, m := range svc.Methods {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", svc.FullName, m.Name, m.Shape(), m.InputType, m.OutputType)
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}
