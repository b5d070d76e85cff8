// Package main provides the crew binary: a simulated software team driven
// through an MCP control surface.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/crew/internal/actions"
	"github.com/rendis/crew/internal/diagram"
	"github.com/rendis/crew/internal/expressions"
	"github.com/rendis/crew/internal/store"
	"github.com/rendis/crew/pkg/schema"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "crew",
		Short:         "Simulated software team",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Settings file (default ~/.crew/settings.yaml)")

	cmd.AddCommand(
		serveCmd(&configPath),
		migrateCmd(&configPath),
		definitionsCmd(&configPath),
		initCmd(&configPath),
		reloadCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return cmd
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server over stdio, the metrics endpoint and the agent scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, *configPath)
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.DBPath == memoryDB {
				return fmt.Errorf("db_path is %s; nothing to migrate", memoryDB)
			}
			s, err := openStore(cmd.Context(), cfg.DBPath)
			if err != nil {
				return err
			}
			defer s.Close()
			schemaVersion := store.LatestSchemaVersion()
			if ls, ok := s.(*store.LibSQLStore); ok {
				if schemaVersion, err = ls.SchemaVersion(cmd.Context()); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s at schema version %d\n", cfg.DBPath, schemaVersion)
			return nil
		},
	}
}

func definitionsCmd(configPath *string) *cobra.Command {
	var (
		format string
		id     string
	)
	cmd := &cobra.Command{
		Use:   "definitions",
		Short: "List the built-in workflow definitions, or draw them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return printDefinitions(cmd.OutOrStdout(), cfg.DefinitionsDir, format, id)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format: table, mermaid or ascii")
	cmd.Flags().StringVar(&id, "id", "", "Only this definition")
	return cmd
}

func printDefinitions(w io.Writer, dir, format, id string) error {
	guards, err := expressions.NewGuardEvaluator()
	if err != nil {
		return err
	}
	_, defs, _, err := newDefinitions(actions.Deps{}, guards, dir)
	if err != nil {
		return err
	}

	list := defs.List()
	if id != "" {
		def, err := defs.Get(id)
		if err != nil {
			return err
		}
		list = []*schema.WorkflowDefinition{def}
	}

	switch format {
	case "table":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTYPE\tINITIAL\tFINAL\tCAPABILITIES")
		for _, d := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Type, d.InitialState,
				strings.Join(d.FinalStates, ","), strings.Join(d.RequiredCapabilities, ","))
		}
		return tw.Flush()
	case "mermaid", "ascii":
		for i, d := range list {
			model, err := diagram.Build(d, nil, "")
			if err != nil {
				return err
			}
			if i > 0 {
				fmt.Fprintln(w)
			}
			if format == "mermaid" {
				fmt.Fprint(w, diagram.RenderMermaid(model))
			} else {
				fmt.Fprint(w, diagram.RenderASCII(model))
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func initCmd(configPath *string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a settings file with the default configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := *configPath
			if path == "" {
				path = settingsPath()
			}
			if err := writeDefaultSettings(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing settings file")
	return cmd
}

func writeDefaultSettings(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	data, err := yaml.Marshal(defaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the running server to re-read its settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pid, err := signalRunningServer(pidPath())
			if errors.Is(err, errNoServer) {
				return fmt.Errorf("%w (pidfile %s)", err, pidPath())
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signaled running server (PID %d) to reload configuration\n", pid)
			return nil
		},
	}
}
