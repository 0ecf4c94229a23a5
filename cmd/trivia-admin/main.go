// trivia-admin is the operator CLI: season transitions, ladder maintenance
// and eligibility sweeps against the same stores the service uses.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/trivianft/trivianft/internal/kv"
	"github.com/trivianft/trivianft/internal/leaderboard"
	"github.com/trivianft/trivianft/internal/ledger"
	"github.com/trivianft/trivianft/internal/pgstore"
	"github.com/trivianft/trivianft/internal/season"
	"github.com/trivianft/trivianft/internal/workflow"
)

var (
	flagPostgresURL string
	flagRedisAddr   string
	flagVerbose     bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "trivia-admin",
		Short:         "Operate the trivia backend: seasons, ladders, eligibilities",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagPostgresURL, "postgres-url", os.Getenv("POSTGRES_URL"), "postgres connection string (env: POSTGRES_URL)")
	root.PersistentFlags().StringVar(&flagRedisAddr, "redis-addr", envOr("REDIS_ADDR", "localhost:6379"), "redis address (env: REDIS_ADDR)")
	root.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose mode - show debug logs")

	root.AddCommand(newSeasonCmd())
	root.AddCommand(newLadderCmd())
	root.AddCommand(newEligibilityCmd())
	root.AddCommand(newWorkflowCmd())
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type wiring struct {
	log    *slog.Logger
	db     *pgstore.Store
	kv     *kv.Redis
	ladder *leaderboard.Engine
	close  func()
}

func connect(ctx context.Context) (*wiring, error) {
	_ = godotenv.Load()

	logLevel := slog.LevelInfo
	if flagVerbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: logLevel}))

	if flagPostgresURL == "" {
		return nil, fmt.Errorf("postgres url is empty (set POSTGRES_URL or --postgres-url)")
	}
	db, err := pgstore.New(ctx, log, pgstore.Config{ConnString: flagPostgresURL})
	if err != nil {
		return nil, err
	}
	kvStore, err := kv.NewRedis(ctx, kv.RedisConfig{Addr: flagRedisAddr})
	if err != nil {
		db.Close()
		return nil, err
	}
	ladder, err := leaderboard.New(log, leaderboard.Config{
		Store: leaderboard.NewPGStore(db),
		KV:    kvStore,
		Clock: clockwork.NewRealClock(),
	})
	if err != nil {
		db.Close()
		_ = kvStore.Close()
		return nil, err
	}
	return &wiring{
		log:    log,
		db:     db,
		kv:     kvStore,
		ladder: ladder,
		close: func() {
			db.Close()
			_ = kvStore.Close()
		},
	}, nil
}

func newSeasonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "season",
		Short: "Season operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "roll",
		Short: "Close the active season, if its window has ended, and open the next one",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := connect(ctx)
			if err != nil {
				return err
			}
			defer w.close()

			sched, err := season.New(w.log, season.Config{
				Store:       season.NewPGStore(w.db),
				KV:          w.kv,
				Snapshotter: w.ladder,
				Clock:       clockwork.NewRealClock(),
			})
			if err != nil {
				return err
			}
			return sched.Transition(ctx)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "current",
		Short: "Show the active season",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := connect(ctx)
			if err != nil {
				return err
			}
			defer w.close()

			s, err := season.NewPGStore(w.db).ActiveSeason(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s (%s)  %s .. %s  grace %dd\n", s.ID, s.Name,
				s.StartsAt.Format(time.DateOnly), s.EndsAt.Format(time.DateOnly), s.GraceDays)
			return nil
		},
	})
	return cmd
}

func newLadderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ladder",
		Short: "Leaderboard operations",
	}

	var seasonID string
	reconcile := &cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild the sorted set from the canonical season points",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := connect(ctx)
			if err != nil {
				return err
			}
			defer w.close()

			id, err := resolveSeason(ctx, w, seasonID)
			if err != nil {
				return err
			}
			if err := w.ladder.Reconcile(ctx, id); err != nil {
				return err
			}
			w.log.Info("ladder reconciled", "season", id)
			return nil
		},
	}
	reconcile.Flags().StringVar(&seasonID, "season", "", "season id (default: active season)")

	var snapSeasonID string
	snapshot := &cobra.Command{
		Use:   "snapshot",
		Short: "Archive today's standings",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := connect(ctx)
			if err != nil {
				return err
			}
			defer w.close()

			id, err := resolveSeason(ctx, w, snapSeasonID)
			if err != nil {
				return err
			}
			n, err := w.ladder.Snapshot(ctx, id)
			if err != nil {
				return err
			}
			w.log.Info("snapshot taken", "season", id, "rows", n)
			return nil
		},
	}
	snapshot.Flags().StringVar(&snapSeasonID, "season", "", "season id (default: active season)")

	cmd.AddCommand(reconcile, snapshot)
	return cmd
}

func resolveSeason(ctx context.Context, w *wiring, seasonID string) (string, error) {
	if seasonID != "" {
		return seasonID, nil
	}
	s, err := season.NewPGStore(w.db).ActiveSeason(ctx)
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

func newEligibilityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eligibility",
		Short: "Eligibility ledger operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Mark overdue active eligibilities expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := connect(ctx)
			if err != nil {
				return err
			}
			defer w.close()

			ledg, err := ledger.New(w.log, ledger.Config{DB: w.db, PolicyID: "admin"})
			if err != nil {
				return err
			}
			n, err := ledg.SweepExpired(ctx)
			if err != nil {
				return err
			}
			w.log.Info("sweep complete", "expired", n)
			return nil
		},
	})
	return cmd
}

func newWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Workflow engine operations",
	}

	var olderThan time.Duration
	stale := &cobra.Command{
		Use:   "stale",
		Short: "List pending operations older than the threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := connect(ctx)
			if err != nil {
				return err
			}
			defer w.close()

			store := workflow.NewPGStore(w.db)
			cutoff := time.Now().UTC().Add(-olderThan)
			for _, kind := range []string{"mint", "forge"} {
				ids, err := store.StaleOperations(ctx, kind, cutoff)
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Printf("%s\t%s\n", kind, id)
				}
			}
			return nil
		},
	}
	stale.Flags().DurationVar(&olderThan, "older-than", 5*time.Minute, "staleness threshold")
	cmd.AddCommand(stale)
	return cmd
}
