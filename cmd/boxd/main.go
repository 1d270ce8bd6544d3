// Package main provides the boxd CLI entry point: small inspection commands
// for a boxd data directory.
package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vaettir-io/boxd/pkg/config"
	"github.com/vaettir-io/boxd/pkg/engine"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

var (
	flagConfig  string
	flagDataDir string
)

func loadConfig() (*config.Config, error) {
	path := flagConfig
	if path == "" {
		path = config.FindConfigFile()
	}
	var cfg *config.Config
	if path != "" {
		var err error
		cfg, err = config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.LoadFromEnv()
	}
	if flagDataDir != "" {
		cfg.Database.DataDir = flagDataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openEngine() (*engine.BadgerEngine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return engine.Open(engine.Options{
		Dir:             cfg.Database.DataDir,
		RecordCacheSize: cfg.Database.RecordCacheSize,
		Logger:          cfg.NewLogger(),
	})
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print record counts per entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			stats := eng.Stats()
			entities := make([]string, 0, len(stats))
			for entity := range stats {
				entities = append(entities, entity)
			}
			sort.Strings(entities)

			if len(entities) == 0 {
				cmd.Println("no records")
				return nil
			}
			for _, entity := range entities {
				cmd.Printf("%-24s %d\n", entity, stats[entity])
			}
			return nil
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <entity> <id>",
		Short: "Print one record's properties",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[1], err)
			}
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			rec, found, err := eng.Get(args[0], id)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no %s record with id %d", args[0], id)
			}

			props := make([]int, 0, len(rec.Props))
			for p := range rec.Props {
				props = append(props, p)
			}
			sort.Ints(props)
			cmd.Printf("%s/%d\n", args[0], rec.ID)
			for _, p := range props {
				cmd.Printf("  prop(%d) = %v\n", p, rec.Props[p])
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("boxd %s (%s, built %s)\n", version, commit, buildTime)
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:           "boxd",
		Short:         "boxd is an embedded typed-object query layer over BadgerDB",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to boxd.yaml")
	root.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "override the data directory")
	root.AddCommand(newStatsCmd(), newGetCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
