package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quernlabs/quern/internal/logger"
	"github.com/quernlabs/quern/pkg/config"
	"github.com/quernlabs/quern/pkg/worker"
)

var (
	workerSecret string
	workerPort   int
)

var workerCmd = &cobra.Command{
	Use:   "worker [host]",
	Short: "Join a coordinator as a worker",
	Long: `Connect to a coordinator and execute map and reduce assignments
until the job finishes. The worker must be built with the same function
registrations as the coordinator expects.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWorker,
}

func init() {
	f := workerCmd.Flags()
	f.StringVarP(&workerSecret, "secret", "p", "", "shared authentication secret")
	f.IntVarP(&workerPort, "port", "P", 0, "coordinator port")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWorker(cfgFile)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		cfg.Host = args[0]
	}
	if cmd.Flags().Changed("secret") {
		cfg.Secret = workerSecret
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = workerPort
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	if lvl := verbosityLevel(); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := worker.New(cfg.Host, cfg.Port, cfg.Secret)
	if err := w.Run(ctx); err != nil {
		logger.Error("Worker terminated", "error", err)
		return err
	}
	return nil
}
