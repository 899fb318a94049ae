package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/executor/pod"
	"github.com/kination/windsock/internal/executor/redisq"
	"github.com/kination/windsock/internal/workloads"
)

var (
	workerQueues      []string
	workerConcurrency int
	workloadJSON      string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume workloads from the Redis queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rc := cfg.Executors.Redis

		wcfg := rc.Worker
		if wcfg.KeyPrefix == "" {
			wcfg.KeyPrefix = rc.KeyPrefix
		}
		if len(workerQueues) > 0 {
			wcfg.Queues = workerQueues
		}
		if workerConcurrency > 0 {
			wcfg.Concurrency = workerConcurrency
		}

		bag, err := loadDagBag(cfg)
		if err != nil {
			return err
		}
		r, err := newRunner(cfg, bag)
		if err != nil {
			return err
		}

		client := redisq.NewClient(rc.ClientConfig)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis at %s: %w", rc.Addr, err)
		}
		return redisq.NewWorker(wcfg, client, r).Run(ctx)
	},
}

var runWorkloadCmd = &cobra.Command{
	Use:   "run-workload",
	Short: "Run a single task or callback workload and exit",
	Long: `Run a single workload document, as handed to worker pods by the
Kubernetes executor. When WINDSOCK_TERMINATION_LOG is set the outcome is
written there for the executor to read back.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if workloadJSON == "" {
			return errors.New("--json is required")
		}
		decoded, err := workloads.Decode([]byte(workloadJSON))
		if err != nil {
			return err
		}
		w, ok := decoded.(workloads.Routable)
		if !ok {
			return fmt.Errorf("cannot run %s workloads", decoded.Kind())
		}

		bag, err := loadDagBag(cfg)
		if err != nil {
			return err
		}
		r, err := newRunner(cfg, bag)
		if err != nil {
			return err
		}

		res := r.Run(cmd.Context(), w)
		log.Info("Workload finished", "key", w.Key().String(), "state", res.State)

		if path := os.Getenv(pod.TerminationLogEnv); path != "" {
			msg := pod.TerminationMessage{State: res.State, Message: res.Message, Deferral: res.Deferral}
			if err := pod.WriteTerminationMessage(path, msg); err != nil {
				if errors.Is(err, pod.ErrDeferralTooLarge) {
					return fmt.Errorf("workload %s failed: %w", w.Key(), err)
				}
				log.Error(err, "Failed to write termination message", "path", path)
			}
		}
		if res.State == v1.StateFailed {
			return fmt.Errorf("workload %s failed: %s", w.Key(), res.Message)
		}
		return nil
	},
}

func init() {
	workerCmd.Flags().StringSliceVarP(&workerQueues, "queues", "q", nil, "Queues to consume (defaults to the configured ones)")
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "Workloads run at once (defaults to the configured value)")
	runWorkloadCmd.Flags().StringVar(&workloadJSON, "json", "", "Workload document")
}
