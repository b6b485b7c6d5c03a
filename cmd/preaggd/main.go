package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	corecfg "github.com/nautaa/OpenMLDB/internal/core/config"
	"github.com/nautaa/OpenMLDB/internal/core/storage"
	pgstore "github.com/nautaa/OpenMLDB/internal/core/storage/postgres"
	"github.com/nautaa/OpenMLDB/internal/core/table"
	"github.com/nautaa/OpenMLDB/internal/migrations"
	"github.com/nautaa/OpenMLDB/internal/replica"
	"github.com/nautaa/OpenMLDB/internal/server"
)

func main() {
	configPath := flag.String("config", "preagg.yaml", "Path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := corecfg.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config",
		"database", cfg.Database.Type,
		"spec_dir", cfg.Aggregation.SpecDir,
		"tables", len(cfg.SpecLoading.Specs),
	)

	var db *sql.DB
	if cfg.Database.Type == "postgres" {
		db, err = pgstore.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := migrations.RunMigrations(db, cfg.Database.AutoMigrate); err != nil {
			slog.Error("Failed to run database migrations", "error", err)
			os.Exit(1)
		}
	}

	aggrs, replicators, err := buildAggregators(cfg, db)
	if err != nil {
		slog.Error("Failed to build aggregators", "error", err)
		os.Exit(1)
	}
	defer func() {
		for _, r := range replicators {
			r.Close()
		}
	}()

	// Recovery: every aggregator seeds from its aggregate table and replays
	// the base binlog before the server reports healthy.
	var g errgroup.Group
	for _, ar := range aggrs {
		ar := ar
		g.Go(func() error {
			return ar.agg.Init(ar.source)
		})
	}
	if err := g.Wait(); err != nil {
		slog.Error("Recovery failed", "error", err)
		os.Exit(1)
	}

	list := make([]storage.Aggregator, 0, len(aggrs))
	for _, ar := range aggrs {
		list = append(list, ar.agg)
	}
	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), db, cfg.Server.Mode, list)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
	}

	// Flush live buffers so restart recovery starts from closed buckets.
	for _, ar := range aggrs {
		if err := ar.agg.FlushAll(); err != nil {
			slog.Error("Final flush failed", "error", err)
		}
	}
	for _, r := range replicators {
		if err := r.Sync(); err != nil {
			slog.Error("Binlog sync failed", "error", err)
		}
	}
	slog.Info("Shutdown complete")
}

type aggrRuntime struct {
	agg    storage.Aggregator
	source storage.BinlogSource
}

// buildAggregators wires one aggregator per spec entry: an aggregate table
// (memory or postgres), an aggregate-side replicator, and the base binlog
// the recovery replays. A missing base binlog directory means a fresh start.
func buildAggregators(cfg *corecfg.Config, db *sql.DB) ([]aggrRuntime, []*replica.Replicator, error) {
	segmentBytes := int64(cfg.Binlog.SegmentSizeMB) << 20

	var out []aggrRuntime
	var replicators []*replica.Replicator
	nextTid := uint32(1)
	for _, spec := range cfg.SpecLoading.Specs {
		baseMeta, err := spec.TableMeta()
		if err != nil {
			return nil, nil, err
		}

		var source storage.BinlogSource
		baseDir := filepath.Join(cfg.Binlog.Path, "base", spec.Name)
		if _, err := os.Stat(baseDir); err == nil {
			baseRepl, err := replica.NewReplicator(baseDir, segmentBytes, 1)
			if err != nil {
				return nil, nil, fmt.Errorf("open base binlog for %q: %w", spec.Name, err)
			}
			replicators = append(replicators, baseRepl)
			source = baseRepl
		}

		for i, as := range spec.Aggregators {
			nextTid++
			aggrMeta := storage.NewAggrTableMeta(
				fmt.Sprintf("%s_%s_%s", spec.Name, as.AggrFunc, as.AggrCol), nextTid)

			var aggrTable table.Table
			if cfg.Database.Type == "postgres" {
				aggrTable, err = pgstore.NewAdapter(db, aggrMeta)
			} else {
				aggrTable, err = table.NewMemTable(aggrMeta)
			}
			if err != nil {
				return nil, nil, fmt.Errorf("aggregate table for %q: %w", aggrMeta.Name, err)
			}

			aggrDir := filepath.Join(cfg.Binlog.Path, "aggr", fmt.Sprintf("%s_%d", spec.Name, i))
			if err := os.MkdirAll(aggrDir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create aggregate binlog dir: %w", err)
			}
			aggrRepl, err := replica.NewReplicator(aggrDir, segmentBytes, 1)
			if err != nil {
				return nil, nil, fmt.Errorf("open aggregate binlog for %q: %w", aggrMeta.Name, err)
			}
			replicators = append(replicators, aggrRepl)

			agg, err := storage.NewAggregator(storage.AggregatorParams{
				BaseMeta:    baseMeta,
				AggrMeta:    aggrMeta,
				AggrTable:   aggrTable,
				Replicator:  aggrRepl,
				IndexPos:    as.IndexPos,
				AggrCol:     as.AggrCol,
				AggrFunc:    as.AggrFunc,
				TsCol:       as.EffectiveTsCol(spec.TsCol),
				BucketSize:  as.BucketSize,
				FilterCol:   as.FilterCol,
				NotifyOnPut: cfg.Binlog.NotifyOnPut,
				FlushLimit:  cfg.Aggregation.FlushConcurrency,
			})
			if err != nil {
				return nil, nil, fmt.Errorf("aggregator %s(%s) over %q: %w", as.AggrFunc, as.AggrCol, spec.Name, err)
			}
			out = append(out, aggrRuntime{agg: agg, source: source})
		}
	}
	return out, replicators, nil
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
