package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quernlabs/quern/internal/logger"
	"github.com/quernlabs/quern/pkg/config"
	"github.com/quernlabs/quern/pkg/coordinator"
	"github.com/quernlabs/quern/pkg/datasource"
	"github.com/quernlabs/quern/pkg/metrics"
)

var (
	coordSecret    string
	coordPort      int
	coordMode      string
	coordStore     string
	coordResume    bool
	coordBatchSize int
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run a map/reduce job as the coordinator",
	Long: `Start the coordinator for one job: listen for workers, hand out
map and reduce assignments, and print the final results when the job
completes. The job definition (functions, datasource, durability mode)
comes from the config file; common settings can be overridden by flags.`,
	RunE: runCoordinator,
}

func init() {
	f := coordinatorCmd.Flags()
	f.StringVarP(&coordSecret, "secret", "p", "", "shared authentication secret")
	f.IntVarP(&coordPort, "port", "P", 0, "listening port")
	f.StringVar(&coordMode, "mode", "", "task manager mode (memory, sqlite, batch)")
	f.StringVar(&coordStore, "store", "", "store file for sqlite/batch modes")
	f.BoolVar(&coordResume, "resume", false, "resume a previous run from its store")
	f.IntVar(&coordBatchSize, "batch-size", 0, "values per partial-reduce slice (batch mode)")
}

func runCoordinator(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadCoordinator(cfgFile)
	if err != nil {
		return err
	}
	applyCoordinatorFlags(cmd, cfg)
	if err := config.Validate(cfg); err != nil {
		return err
	}

	if lvl := verbosityLevel(); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	if cfg.Status.Enabled {
		metrics.InitRegistry()
	}

	ds, err := openDatasource(&cfg.Source)
	if err != nil {
		return err
	}
	defer func() {
		if c, ok := ds.(datasource.Closer); ok {
			_ = c.Close()
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, err := coordinator.Run(ctx, cfg, ds)
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Printf("%s\t%s\n", r.Key, r.Value)
	}
	return nil
}

// applyCoordinatorFlags lays explicitly set flags over the loaded file.
func applyCoordinatorFlags(cmd *cobra.Command, cfg *config.CoordinatorConfig) {
	if cmd.Flags().Changed("secret") {
		cfg.Secret = coordSecret
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = coordPort
	}
	if cmd.Flags().Changed("mode") {
		cfg.Manager.Mode = coordMode
	}
	if cmd.Flags().Changed("store") {
		cfg.Manager.Path = coordStore
	}
	if cmd.Flags().Changed("resume") {
		cfg.Manager.Resume = coordResume
	}
	if cmd.Flags().Changed("batch-size") {
		cfg.Manager.BatchSize = coordBatchSize
	}
}

// openDatasource builds the configured datasource.
func openDatasource(src *config.SourceConfig) (datasource.Datasource, error) {
	switch src.Type {
	case config.SourceInline:
		return datasource.FromStrings(src.Inline), nil
	case config.SourceDir:
		return datasource.DirSource{Dir: src.Path}, nil
	case config.SourceBadger:
		return datasource.OpenBadger(src.Path)
	default:
		return nil, fmt.Errorf("unknown datasource type %q", src.Type)
	}
}
