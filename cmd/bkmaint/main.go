// cmd/bkmaint/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// bkmaint runs maintenance passes over a backup repository: validating
// files and repairing block storage, backfilling metadata that older
// records lack, and trimming old versions and unreferenced blocks.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mmp/bkstore/config"
	"github.com/mmp/bkstore/maint"
	u "github.com/mmp/bkstore/util"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	cfgFile     string
	logLevel    string
	verbose     bool
	metricsAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bkmaint",
		Short: "Maintain a backup repository",
		Long: `bkmaint keeps a backup repository healthy.

  bkmaint validate-blocks [--check-destinations]
  bkmaint backfill
  bkmaint trim [--files-only] [--force]
  bkmaint list-orphans <destination>

A pass can be interrupted with ^C; work done so far is kept.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	home, _ := os.UserHomeDir()
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c",
		filepath.Join(home, ".bkstore", "config.yaml"), "config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"report progress (same as --log-level=info)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics", "",
		"serve Prometheus metrics at this address (overrides the config file)")

	rootCmd.AddCommand(newValidateCmd(), newBackfillCmd(), newTrimCmd(), newOrphansCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "bkmaint: "+err.Error())
		os.Exit(1)
	}
}

// session is everything that's set up from the configuration file for a
// single command.
type session struct {
	cfg     *config.Config
	env     *maint.Env
	closers []func()
}

func (s *session) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func newLogger() *u.Logger {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.WarnLevel
	}
	if verbose && level > zerolog.InfoLevel {
		level = zerolog.InfoLevel
	}
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()
	return u.NewZeroLogger(zl)
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	log := newLogger()
	s := &session{cfg: cfg}

	r, err := cfg.OpenRepository()
	if err != nil {
		return nil, fmt.Errorf("repository: %w", err)
	}
	s.closers = append(s.closers, func() {
		if err := r.Close(); err != nil {
			log.Error("closing repository: %s", err)
		}
	})

	dests, closeDests, err := cfg.OpenDestinations(ctx, log)
	if err != nil {
		s.close()
		return nil, err
	}
	s.closers = append(s.closers, closeDests)

	enc, err := cfg.Encryption()
	if err != nil {
		s.close()
		return nil, fmt.Errorf("encryption: %w", err)
	}
	ec, err := cfg.Erasure()
	if err != nil {
		s.close()
		return nil, fmt.Errorf("erasure coding: %w", err)
	}

	var metrics *maint.Metrics
	if metricsAddr != "" {
		cfg.Metrics = metricsAddr
	}
	if cfg.Metrics != "" {
		metrics = maint.InitMetrics(nil)
		srv := &http.Server{
			Addr:              cfg.Metrics,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server: %s", err)
			}
		}()
		s.closers = append(s.closers, func() { _ = srv.Close() })
	}

	s.env = &maint.Env{
		Repo:             r,
		Destinations:     dests,
		Encryption:       enc,
		Erasure:          ec,
		Log:              log,
		Metrics:          metrics,
		Concurrency:      cfg.Concurrency,
		MaximumBlockSize: cfg.MaximumBlockSize,
	}
	return s, nil
}

// run sets up a session and runs f with a context that's cancelled on
// SIGINT or SIGTERM, then reports how it went. f returns the number of
// blocks it refreshed.
func run(cmd *cobra.Command, f func(context.Context, *session) (int64, error)) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	refreshed, err := f(ctx, s)
	s.env.Log.Print("%s: %s", cmd.Name(), maint.Status(err, refreshed))
	if err != nil {
		return err
	}
	if n := s.env.Log.NErrors(); n > 0 {
		return fmt.Errorf("%d errors reported", n)
	}
	return nil
}

func backupSets(cfg *config.Config) []maint.BackupSet {
	sets := make([]maint.BackupSet, len(cfg.Sets))
	for i := range cfg.Sets {
		sets[i] = maint.BackupSet{
			ID:     cfg.Sets[i].ID,
			Roots:  cfg.Sets[i].Roots,
			Policy: &cfg.Sets[i].Retention,
		}
	}
	return sets
}

///////////////////////////////////////////////////////////////////////////

func newValidateCmd() *cobra.Command {
	var checkDestinations bool
	cmd := &cobra.Command{
		Use:   "validate-blocks",
		Short: "Check that every file can be reconstructed and repair block storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, s *session) (int64, error) {
				st, err := maint.NewValidator(s.env, maint.ValidateOptions{
					CheckDestinations: checkDestinations || s.cfg.CheckDestinations,
					MaxRefreshBytes:   s.cfg.MaxRefreshBytes,
				}).Run(ctx)
				s.env.Log.Print("files: %d checked, %d rewritten, %d deleted (%d locations dropped), %d skipped",
					st.FilesChecked, st.FilesRewritten, st.FilesDeleted, st.LocationsDropped, st.FilesSkipped)
				s.env.Log.Print("blocks: %d checked, %d trimmed, %d deleted (%d storage records dropped)",
					st.BlocksChecked, st.BlocksTrimmed, st.BlocksDeleted, st.RecordsDropped)
				s.env.Log.Print("refresh: %d records re-uploaded (%s), %d skipped for budget",
					st.Refresh.RecordsRefreshed, u.FmtBytes(st.Refresh.BytesUploaded),
					st.Refresh.SkippedForBudget)
				return st.Refresh.BlocksRefreshed, err
			})
		},
	}
	cmd.Flags().BoolVar(&checkDestinations, "check-destinations", false,
		"verify that every part of every block exists at its destination")
	return cmd
}

func newBackfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Fill in offsets and encryption metadata missing from older records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, s *session) (int64, error) {
				st, err := maint.NewBackfiller(s.env, maint.BackfillOptions{
					RetryQueueSize: s.cfg.RetryQueueSize,
				}).Run(ctx)
				s.env.Log.Print("%d sizes inferred, %d blocks downloaded (%d failed)",
					st.SizesInferred, st.BlocksDownloaded, st.DownloadsFailed)
				s.env.Log.Print("%d files, %d superblocks, %d storage records backfilled; %d files unresolved",
					st.FilesBackfilled, st.SuperblocksBackfilled, st.StorageBackfilled, st.FilesUnresolved)
				return 0, err
			})
		},
	}
}

func newTrimCmd() *cobra.Command {
	var filesOnly, force bool
	cmd := &cobra.Command{
		Use:   "trim",
		Short: "Apply retention policies and reclaim unreferenced blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, s *session) (int64, error) {
				st, err := maint.NewTrimmer(s.env, maint.TrimOptions{
					Sets:          backupSets(s.cfg),
					DefaultPolicy: &s.cfg.DefaultRetention,
					FilesOnly:     filesOnly,
					Force:         force,
				}).Run(ctx)
				s.env.Log.Print("files: %d kept, %d deleted; versions: %d kept, %d deleted (%s retained)",
					st.FilesKept, st.FilesDeleted, st.VersionsKept, st.VersionsDeleted,
					u.FmtBytes(st.BytesRetained))
				s.env.Log.Print("%d directory snapshots, %d blocks, %d parts, %d file part entries deleted",
					st.DirectoriesDeleted, st.BlocksDeleted, st.PartsDeleted, st.FilePartsDeleted)
				return 0, err
			})
		},
	}
	cmd.Flags().BoolVar(&filesOnly, "files-only", false,
		"only remove file versions; leave directories and blocks alone")
	cmd.Flags().BoolVar(&force, "force", false,
		"remove all versions of files that aren't in any backup set")
	return cmd
}

func newOrphansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-orphans <destination>",
		Short: "List objects at a destination that no block refers to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, s *session) (int64, error) {
				n := 0
				err := s.env.OrphanParts(ctx, args[0], func(key string) error {
					fmt.Println(key)
					n++
					return nil
				})
				if errors.Is(err, context.Canceled) {
					err = maint.ErrCancelled
				}
				s.env.Log.Verbose("%d unreferenced objects", n)
				return 0, err
			})
		},
	}
}
