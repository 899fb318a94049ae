package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kination/windsock/internal/dagbag"
	"github.com/kination/windsock/internal/scheduler"
	"github.com/kination/windsock/internal/store"
	"github.com/kination/windsock/internal/triggerer"
	"github.com/kination/windsock/internal/workloads"
)

var dagReloadInterval time.Duration

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the scheduler, the triggerer and the configured executors",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close()

		bag, err := loadDagBag(cfg)
		if err != nil {
			return err
		}
		if err := bag.Sync(ctx, st); err != nil {
			return err
		}
		for i := range cfg.Pools {
			if err := st.SavePool(ctx, &cfg.Pools[i]); err != nil {
				return err
			}
		}

		r, err := newRunner(cfg, bag)
		if err != nil {
			return err
		}
		executors, err := buildExecutors(cfg, r)
		if err != nil {
			return err
		}
		tokens, _, err := tokenConfig(cfg)
		if err != nil {
			return err
		}
		logTemplate := workloads.DefaultLogTemplate()
		if cfg.Core.LogTemplate != "" {
			if logTemplate, err = workloads.NewLogTemplate(cfg.Core.LogTemplate); err != nil {
				return err
			}
		}

		opts := scheduler.Options{
			Store:       st,
			Executors:   executors,
			Tokens:      tokens,
			LogTemplate: logTemplate,
		}
		var trig *triggerer.Triggerer
		if cfg.Triggerer.KwargsKey != "" {
			key, err := cfg.KwargsKey()
			if err != nil {
				return err
			}
			cipher, err := triggerer.NewKwargsCipher(key)
			if err != nil {
				return err
			}
			trig = triggerer.New(st, nil, cipher, cfg.Triggerer.Config)
			opts.Cipher = cipher
			opts.Triggers = trig
		} else {
			log.Info("No triggerer kwargs key configured, tasks that defer will fail")
		}
		sched := scheduler.NewScheduler(cfg.Scheduler, opts)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return sched.Run(ctx) })
		if trig != nil {
			g.Go(func() error { return trig.Run(ctx) })
		}
		g.Go(func() error { return reloadDags(ctx, bag, st, dagReloadInterval) })
		if cfg.Metrics.Addr != "" {
			g.Go(func() error { return serveMetrics(ctx, cfg.Metrics.Addr) })
		}
		return g.Wait()
	},
}

func init() {
	schedulerCmd.Flags().DurationVar(&dagReloadInterval, "dag-reload-interval", 30*time.Second, "How often bundles are rescanned")
}

// reloadDags rescans the bundles and saves what changed until ctx is done
func reloadDags(ctx context.Context, bag *dagbag.DagBag, st store.Store, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := bag.Load(); err != nil {
			log.Error(err, "Failed to reload DAGs")
			continue
		}
		if err := bag.Sync(ctx, st); err != nil && ctx.Err() == nil {
			log.Error(err, "Failed to save reloaded DAGs")
		}
	}
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("Serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
