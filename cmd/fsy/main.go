package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fsy-go/internal/app"
	"fsy-go/internal/config"
	"fsy-go/internal/fsy"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, fsy.ErrConfigInvalid) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// newApp reads the config and creates an FsyApp. The caller must defer app.Close().
func newApp() (*app.FsyApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewFsyApp(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "fsy",
	Short:        "Trust-based peer-to-peer file sync",
	SilenceUsage: true,
}

// run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start syncing",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}

		cfg, created, err := app.LoadOrInitConfig(defaults["config_path"], defaults["base_dir"])
		if err != nil {
			return err
		}
		if created {
			id, err := app.LocalNodeID(cfg)
			if err != nil {
				return err
			}
			fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
			fmt.Printf("Node ID: %s\n", id)
			fmt.Println("Give this node ID to your peers, add them under [[trustees]], then run again.")
		}

		a, err := app.NewFsyApp(cfg)
		if err != nil {
			return fmt.Errorf("initializing app: %w", err)
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return a.Run(ctx)
	},
}

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Print this node's ID",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		id, err := app.LocalNodeID(cfg)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration and generate a keypair",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		_, id, err := app.InitConfig(defaults["config_path"], defaults["base_dir"])
		if err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Node ID:  %s\n", id)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		id, err := app.LocalNodeID(cfg)
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Node ID:       %s\n", id)
		fmt.Printf("Listen:        %s\n", cfg.Local.ListenAddress)
		fmt.Printf("Log Dir:       %s\n", cfg.Local.LogDir)
		fmt.Printf("Push debounce: %s\n", cfg.Local.PushInterval())
		fmt.Printf("Loop debounce: %s\n", cfg.Local.LoopInterval())
		fmt.Printf("Lock grace:    %s\n", cfg.Local.LockGrace())

		fmt.Printf("\nTrustees:\n")
		if len(cfg.Trustees) == 0 {
			fmt.Println("  (none)")
		}
		for _, t := range cfg.Trustees {
			fmt.Printf("  %-12s %s  %s\n", t.Name, t.NodeID, t.Address)
		}

		fmt.Printf("\nTarget groups:\n")
		if len(cfg.TargetGroups) == 0 {
			fmt.Println("  (none)")
		}
		for _, g := range cfg.TargetGroups {
			fmt.Printf("  %-12s %s\n", g.Name, g.Path)
			for _, t := range g.Targets {
				fmt.Printf("    %-8s %s\n", t.Mode, t.TrusteeName)
			}
		}
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "View target group status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		statuses, err := a.Status()
		if err != nil {
			return err
		}

		if len(statuses) == 0 {
			fmt.Println("No target groups configured.")
			return nil
		}

		for _, s := range statuses {
			missing := ""
			if s.Missing {
				missing = "  [missing]"
			}
			if len(s.Members) == 0 {
				fmt.Printf("%-12s  %-12s  %-19s  %-14s  %s%s\n", s.Group.Name, "-", "-", "-", s.Group.LocalPath, missing)
				continue
			}
			for _, st := range s.Members {
				fmt.Printf("%-12s  %-12s  %s  %-14s  %s%s\n",
					s.Group.Name,
					shortHash(st.Version.Hash),
					st.Version.Timestamp.Local().Format("2006-01-02 15:04:05"),
					st.Source,
					s.Group.MemberPath(st.Path),
					missing,
				)
			}
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View transfer history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		recs, err := a.History(limit)
		if err != nil {
			return err
		}

		if len(recs) == 0 {
			fmt.Println("No transfers recorded.")
			return nil
		}

		for _, r := range recs {
			d := r.FinishedAt.Sub(r.StartedAt).Truncate(time.Millisecond)
			line := fmt.Sprintf("%s  %-12s  %-4s %-8s  %-10s  %-9s  %-12s  %s",
				r.FinishedAt.Local().Format("2006-01-02 15:04:05"),
				r.Group,
				r.Kind,
				r.Direction,
				r.Trustee,
				r.Outcome,
				shortHash(r.Hash),
				d,
			)
			if r.Error != "" {
				line += "  " + r.Error
			}
			fmt.Println(line)
		}
		return nil
	},
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// root commands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(idCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of transfers to show")
}
