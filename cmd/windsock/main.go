package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/kination/windsock/internal/config"
	"github.com/kination/windsock/internal/logging"
)

var log = ctrl.Log.WithName("windsock")

// version is set at build time with -ldflags "-X main.version=..."
var version = "v0.1.0-dev"

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "windsock",
	Short: "Windsock - a DAG scheduler with local, Kubernetes and Redis executors",
	Long: `Windsock loads DAGs from bundle folders, schedules their runs and
hands task instances to executors. Deferred tasks wait on triggers
run by the triggerer, and DAG callbacks run on the same executors.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := logging.Setup(os.Stderr, c.Logging.Level, c.Logging.Development); err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of windsock",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "windsock %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "windsock.yaml", "Path to the configuration file")

	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(runWorkloadCmd)
	rootCmd.AddCommand(dagsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(ctrl.SetupSignalHandler()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
