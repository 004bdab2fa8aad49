package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/story-engine/catalog"
	"github.com/warp/story-engine/wallet"
)

func newMigrateCommand(root *rootOptions) *cobra.Command {
	var seedDemo bool
	var catalogPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Long: `Create or update the database schema. Idempotent.

With --catalog the stories of the file are written to the database.
With --seed-demo the built-in demo stories are written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStores(ctx, root.cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			if st.sql == nil {
				return errors.New("migrate needs a database driver (sqlite or postgres)")
			}
			if err := st.sql.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			var stories []catalog.Story
			if catalogPath != "" {
				if stories, err = catalog.LoadFile(catalogPath); err != nil {
					return err
				}
			}
			if seedDemo {
				stories = append(stories, catalog.DemoStories()...)
			}
			if err := seedStories(ctx, st.sql, stories); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s), %d stories written\n", root.cfg.DBDriver, len(stories))
			return nil
		},
	}
	cmd.Flags().BoolVar(&seedDemo, "seed-demo", false, "write the demo stories")
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "YAML/JSON story catalog to import")
	return cmd
}

func newReconcileCommand(root *rootOptions) *cobra.Command {
	var repair bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare balance counters with the ledger",
		Long: `Compare every account's balance counter with the sum of its ledger
entries. Inconsistent accounts are listed. With --repair the counter is
rewritten to the ledger sum; the ledger itself is never modified.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStores(ctx, root.cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			w := wallet.New(st)
			w.Logger = root.logger
			drifted, err := w.ReconcileAll(ctx, repair)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, d := range drifted {
				status := "drift"
				if d.Repaired {
					status = "repaired"
				}
				fmt.Fprintf(out, "%s\t%s\tcounter=%d ledger=%d drift=%d\n", status, d.UserID, d.Counter, d.LedgerSum, d.Drift)
			}
			fmt.Fprintf(out, "%d inconsistent account(s)\n", len(drifted))
			if len(drifted) > 0 && !repair {
				return fmt.Errorf("ledger drift detected in %d account(s)", len(drifted))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "rewrite counters to the ledger sum")
	return cmd
}

func newCatalogCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Story catalog tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Check a YAML/JSON story catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stories, err := catalog.LoadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d stories OK\n", args[0], len(stories))
			for _, s := range stories {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\t%q\tcost=%d target=%d characters=%d roles=%d\n",
					s.ID, s.Title, s.ChapterCost, s.ChapterTarget, len(s.Characters), len(s.Roles))
			}
			return nil
		},
	})
	return cmd
}
