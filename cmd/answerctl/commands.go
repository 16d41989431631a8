package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-answer/internal/config"
	"github.com/loqalabs/loqa-answer/internal/eventstore"
	"github.com/loqalabs/loqa-answer/internal/flow"
	"github.com/loqalabs/loqa-answer/internal/similarity"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "answerctl",
		Short:         "inspect and exercise spoken answer matching",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newDistanceCommand(),
		newClassifyCommand(),
		newValidateCommand(),
		newDecisionsCommand(),
		newVersionCommand(),
	)
	return root
}

func newDistanceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "distance <a> <b>",
		Short: "print the edit distance between two strings",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), similarity.Distance(args[0], args[1]))
			return err
		},
	}
}

func newClassifyCommand() *cobra.Command {
	var (
		references []string
		normalize  bool
		scoring    string
		emptyInput string
		maxLength  int
	)

	cmd := &cobra.Command{
		Use:   "classify <text>",
		Short: "pick the reference phrase closest to text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := similarity.Options{MaxInputLength: maxLength}
			var err error
			if opts.Scoring, err = similarity.ParseScoring(scoring); err != nil {
				return err
			}
			if opts.EmptyInput, err = similarity.ParseEmptyInputPolicy(emptyInput); err != nil {
				return err
			}
			if normalize {
				opts.Normalizer = similarity.SpeechNormalizer()
			}
			c, err := similarity.New(references, opts)
			if err != nil {
				return err
			}
			res, err := c.Classify(args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringArrayVarP(&references, "ref", "r", nil, "Reference phrase (repeat, order matters)")
	cmd.Flags().BoolVar(&normalize, "normalize", false, "Fold width, case, spacing and punctuation first")
	cmd.Flags().StringVar(&scoring, "scoring", "absolute", "absolute or relative")
	cmd.Flags().StringVar(&emptyInput, "empty-input", "compare", "compare or no_match")
	cmd.Flags().IntVar(&maxLength, "max-length", 0, "Reject input longer than this many characters (0 = no limit)")
	return cmd
}

func newValidateCommand() *cobra.Command {
	var (
		flowPath  string
		normalize bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "validate a questionnaire flow file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := flow.Load(flowPath)
			if err != nil {
				return err
			}
			opts := similarity.Options{}
			if normalize {
				opts.Normalizer = similarity.SpeechNormalizer()
			}
			if _, err := flow.Compile(def, opts); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "flow valid: %d questions, start %q\n", len(def.Questions), def.Start)
			return err
		},
	}
	cmd.Flags().StringVarP(&flowPath, "file", "f", "flow.yaml", "Path to flow definition")
	cmd.Flags().BoolVar(&normalize, "normalize", true, "Check phrases as the daemon compares them with matcher.normalize on")
	return cmd
}

func newDecisionsCommand() *cobra.Command {
	var (
		dbPath string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "decisions <session-id>",
		Short: "list recorded decisions for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(dbPath); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("no database at %s", dbPath)
				}
				return err
			}
			ctx := context.Background()
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			// Retention is left to the daemon; zero limits keep Open from pruning.
			store, err := eventstore.Open(ctx, config.EventStoreConfig{Path: dbPath, RetentionMode: "persistent"}, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			decisions, err := store.ListDecisions(ctx, args[0], limit)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), decisions)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", config.Default().EventStore.Path, "Path to the decision database")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum decisions to print")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
