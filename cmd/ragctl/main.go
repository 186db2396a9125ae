// Command ragctl is the operator CLI for the retrieval engine: index stats,
// ad-hoc searches, context previews and index resets.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/studduoai/studduo/engine/bootstrap"
	"github.com/studduoai/studduo/engine/ingest"
	"github.com/studduoai/studduo/engine/rag"
	"github.com/studduoai/studduo/pkg/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd(openEngine).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// opener builds an engine from the loaded configuration.
type opener func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*bootstrap.Engine, error)

func openEngine(ctx context.Context, cfg config.Config, logger *slog.Logger) (*bootstrap.Engine, error) {
	return bootstrap.New(ctx, cfg, logger)
}

type cli struct {
	open       opener
	configPath string
	backend    string
	verbose    bool
	cfg        config.Config
	logger     *slog.Logger
}

func newRootCmd(open opener) *cobra.Command {
	c := &cli{open: open}
	root := &cobra.Command{
		Use:           "ragctl",
		Short:         "Inspect and operate the studduo retrieval engine",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			if c.backend != "" {
				cfg.Index.Backend = c.backend
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			level := slog.LevelWarn
			if c.verbose {
				level = slog.LevelDebug
			}
			c.cfg = cfg
			c.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "studduo.yaml", "config file (optional)")
	root.PersistentFlags().StringVar(&c.backend, "index-backend", "", "override index.backend (qdrant, pgvector, memory)")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(c.statsCmd(), c.searchCmd(), c.contextCmd(), c.ingestCmd(), c.resetCmd())
	return root
}

// withEngine opens an engine for the duration of fn.
func (c *cli) withEngine(cmd *cobra.Command, fn func(*bootstrap.Engine) error) error {
	eng, err := c.open(cmd.Context(), c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer eng.Close()
	return fn(eng)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print cache and index statistics as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withEngine(cmd, func(eng *bootstrap.Engine) error {
				s, err := eng.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), s)
			})
		},
	}
}

func (c *cli) searchCmd() *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Retrieve the top-k passages for a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return c.withEngine(cmd, func(eng *bootstrap.Engine) error {
				results, err := eng.Coordinator.Retrieve(cmd.Context(), query, k)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(results) == 0 {
					fmt.Fprintln(out, "no passages found")
					return nil
				}
				for i, r := range results {
					fmt.Fprintf(out, "%d. [%.3f] %s#%d\n   %s\n", i+1, r.Score,
						r.Passage.SourceLabel, r.Passage.ChunkIndex, preview(r.Passage.Text, 160))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&k, "top-k", "k", 5, "number of passages")
	return cmd
}

func (c *cli) contextCmd() *cobra.Command {
	var (
		conversation string
		budget       int
		style        string
	)
	cmd := &cobra.Command{
		Use:   "context <query>",
		Short: "Build the prompt the generation backend would receive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd, func(eng *bootstrap.Engine) error {
				res, err := eng.Pipeline.Build(cmd.Context(), rag.Request{
					ConversationID: conversation,
					Query:          strings.Join(args, " "),
					CharBudget:     budget,
					IncludeHistory: conversation != "",
					PromptStyle:    style,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if res.Degraded {
					fmt.Fprintln(cmd.ErrOrStderr(), "warning: vector index unavailable, context has no passages")
				}
				fmt.Fprintln(out, res.Prompt)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "include history of this conversation")
	cmd.Flags().IntVar(&budget, "budget", 0, "character budget; 0 uses the configured default")
	cmd.Flags().StringVar(&style, "style", "", "prompt style (explanation, plan, example, summary, problem_solving, quiz)")
	return cmd
}

func (c *cli) ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Chunk, embed and index text files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd, func(eng *bootstrap.Engine) error {
				pipeline := ingest.NewPipeline(eng.IngestDeps())
				var errs []error
				for _, path := range args {
					doc, err := ingest.LoadFile(path)
					if err != nil {
						errs = append(errs, err)
						continue
					}
					rep, err := pipeline(cmd.Context(), doc).Unwrap()
					if err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", path, err))
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d chunks\n", rep.Source, rep.Chunks)
				}
				return errors.Join(errs...)
			})
		},
	}
}

func (c *cli) resetCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every indexed passage and clear the query cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force {
				return errors.New("refusing to reset without --force")
			}
			return c.withEngine(cmd, func(eng *bootstrap.Engine) error {
				if err := eng.Reset(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %s collection %q\n", c.cfg.Index.Backend, c.cfg.Index.Collection)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm the reset")
	return cmd
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
