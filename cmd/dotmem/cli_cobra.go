package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/dotmem/pkg/config"
	"github.com/dotsetgreg/dotmem/pkg/memory"
)

type rootOptions struct {
	configPath string
	debug      bool
}

func executeCLI() error {
	root := buildRootCommand(true)
	return root.Execute()
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var showVersion bool
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "dotmem",
		Short: "Tiered conversational memory with relevance recall and Discord ingestion",
		Long: strings.TrimSpace(`dotmem keeps chat interactions in hot, warm and cold tiers,
ages them down as they go idle, compacts old cold memories into summaries and
recalls the most relevant ones for a user, topic or platform.

Use CLI commands to record and recall memories, inspect and maintain the store,
open an interactive shell, or run the Discord ingestion gateway.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", getConfigPath(), "Path to config.json")
	root.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newInitCommand(opts))
	root.AddCommand(newAddCommand(opts))
	root.AddCommand(newRecallCommand(opts))
	root.AddCommand(newRemoveCommand(opts))
	root.AddCommand(newStatsCommand(opts))
	root.AddCommand(newMaintainCommand(opts))
	root.AddCommand(newCheckCommand(opts))
	root.AddCommand(newShellCommand(opts))
	root.AddCommand(newGatewayCommand(opts))
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		docsCmd := newDocsCommand(func() *cobra.Command { return buildRootCommand(false) })
		root.AddCommand(docsCmd)
	}

	return root
}

func newInitCommand(opts *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "init",
		Short:   "Write a default ~/.dotmem/config.json",
		Long:    "Create the default configuration file and data directory for a new dotmem installation.",
		Example: "  dotmem init\n  dotmem init --force",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if _, err := os.Stat(opts.configPath); err == nil && !force {
				fmt.Fprintf(out, "Config already exists at %s (use --force to overwrite)\n", opts.configPath)
				return nil
			}
			cfg := config.DefaultConfig()
			if err := config.SaveConfig(opts.configPath, cfg); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			if err := os.MkdirAll(cfg.DataDir(), 0o755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
			fmt.Fprintf(out, "✓ Config written to %s\n", opts.configPath)
			fmt.Fprintf(out, "✓ Data directory %s\n", cfg.DataDir())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config")
	return cmd
}

func newAddCommand(opts *rootOptions) *cobra.Command {
	var (
		in       memory.Input
		metadata map[string]string
	)

	cmd := &cobra.Command{
		Use:   "add <content>",
		Short: "Record a new memory",
		Long:  "Record one interaction. Importance and platform-specificity are derived from the text.",
		Example: strings.Join([]string{
			"  dotmem add \"bob showed off his tomato harvest\" --user bob --platform discord",
			"  dotmem add \"planning the festival\" --context \"#garden\" --meta source=import",
		}, "\n"),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Content = strings.Join(args, " ")
			in.Metadata = metadata
			return withEngine(cmd.Context(), opts, func(e *memory.Engine) error {
				id, err := e.AddMemory(in)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&in.Context, "context", "", "Surrounding context, e.g. the channel name")
	cmd.Flags().StringSliceVarP(&in.InvolvedUsers, "user", "u", nil, "Involved username (repeatable)")
	cmd.Flags().StringVarP(&in.Platform, "platform", "p", "", "Source platform (default \"unknown\")")
	cmd.Flags().StringVar(&in.Category, "category", "", "Free-form category")
	cmd.Flags().StringToStringVar(&metadata, "meta", nil, "Extra key=value metadata")
	return cmd
}

func newRecallCommand(opts *rootOptions) *cobra.Command {
	var (
		q       memory.Query
		limit   int
		explain bool
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "recall",
		Short: "Retrieve the most relevant memories",
		Long: strings.TrimSpace(`Rank every memory against the query and print the best matches.

Recall counts as an access: returned memories get their access count bumped and
cold memories that cross the promotion threshold move back to warm. Use
--explain to preview the ranking with its score breakdown and no side effects.`),
		Example: strings.Join([]string{
			"  dotmem recall --user bob --topic tomatoes",
			"  dotmem recall --platform discord --limit 5 --explain",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 && q.Topic == "" {
				q.Topic = strings.Join(args, " ")
			}
			return withEngine(cmd.Context(), opts, func(e *memory.Engine) error {
				out := cmd.OutOrStdout()
				if explain {
					ranked := e.Rank(q, limit)
					if asJSON {
						return writeJSON(out, ranked)
					}
					printRanked(out, ranked)
					return nil
				}
				records := e.RetrieveRelevant(q, limit)
				if asJSON {
					return writeJSON(out, records)
				}
				printRecords(out, records)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&q.Username, "user", "u", "", "Username to favour")
	cmd.Flags().StringVarP(&q.Topic, "topic", "t", "", "Topic text to match against content")
	cmd.Flags().StringVarP(&q.Platform, "platform", "p", "", "Current platform; hides other platforms' specific memories")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum results (default from config)")
	cmd.Flags().BoolVar(&explain, "explain", false, "Show score breakdown without recording an access")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newRemoveCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>...",
		Aliases: []string{"rm"},
		Short:   "Delete memories by id",
		Example: "  dotmem remove mem-0190f3c2-...",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), opts, func(e *memory.Engine) error {
				var missing []string
				for _, id := range args {
					if e.RemoveMemory(id) {
						fmt.Fprintf(cmd.OutOrStdout(), "✓ Removed %s\n", id)
						continue
					}
					missing = append(missing, id)
				}
				if len(missing) > 0 {
					return fmt.Errorf("not found: %s", strings.Join(missing, ", "))
				}
				return nil
			})
		},
	}
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "stats",
		Short:   "Show tier sizes, counters and most accessed memories",
		Example: "  dotmem stats\n  dotmem stats --json",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), opts, func(e *memory.Engine) error {
				stats := e.GetStats()
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), stats)
				}
				printStats(cmd.OutOrStdout(), stats)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newMaintainCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "maintain",
		Short:   "Run one migration and compaction pass now",
		Example: "  dotmem maintain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), opts, func(e *memory.Engine) error {
				rep := e.Maintain()
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Hot → warm:  %d\n", rep.ToWarm)
				fmt.Fprintf(out, "Warm → cold: %d\n", rep.ToCold)
				fmt.Fprintf(out, "Compacted:   %d into %d summaries\n", rep.Compacted, rep.Summaries)
				return nil
			})
		},
	}
}

func newCheckCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "check",
		Short:   "Verify tier exclusivity and summary provenance",
		Example: "  dotmem check",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), opts, func(e *memory.Engine) error {
				if err := e.CheckConsistency(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "✓ Memory store is consistent")
				return nil
			})
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  dotmem version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRecords(w io.Writer, records []memory.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No memories found.")
		return
	}
	for _, r := range records {
		fmt.Fprintf(w, "%-4s %s  %s\n", r.Tier, r.ID, describeRecord(r))
	}
}

func printRanked(w io.Writer, ranked []memory.ScoredRecord) {
	if len(ranked) == 0 {
		fmt.Fprintln(w, "No memories found.")
		return
	}
	for _, s := range ranked {
		b := s.Breakdown
		fmt.Fprintf(w, "%7.2f  %-4s %s  %s\n", s.Score, s.Record.Tier, s.Record.ID, describeRecord(s.Record))
		fmt.Fprintf(w, "         recency=%.2f access=%.0f importance=%.1f tier=%.0f user=%.0f topic=%.0f platform=%.0f\n",
			b.Recency, b.Access, b.Importance, b.Tier, b.User, b.Topic, b.Platform)
	}
}

func describeRecord(r memory.Record) string {
	parts := []string{r.Content}
	if r.Context != "" {
		parts = append(parts, "("+r.Context+")")
	}
	if len(r.InvolvedUsers) > 0 {
		parts = append(parts, "users="+strings.Join(r.InvolvedUsers, ","))
	}
	return strings.Join(parts, " ")
}

func printStats(w io.Writer, stats memory.Stats) {
	fmt.Fprintf(w, "Total memories: %d\n", stats.TotalMemories)
	fmt.Fprintf(w, "  Hot:  %d\n", stats.Tiers.Hot)
	fmt.Fprintf(w, "  Warm: %d\n", stats.Tiers.Warm)
	fmt.Fprintf(w, "  Cold: %d\n", stats.Tiers.Cold)
	fmt.Fprintf(w, "Migrations: %d  Retrievals: %d  Promotions: %d\n", stats.Migrations, stats.Retrievals, stats.Promotions)
	fmt.Fprintf(w, "Compactions: %d  Compressions saved: %d\n", stats.Compactions, stats.CompressionsSaved)
	if len(stats.TopAccessed) > 0 {
		fmt.Fprintln(w, "Most accessed:")
		for _, a := range stats.TopAccessed {
			fmt.Fprintf(w, "  %s  %d\n", a.ID, a.Count)
		}
	}
}

// contextOrBackground guards commands executed without ExecuteContext.
func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
