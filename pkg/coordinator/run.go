package coordinator

import (
	"context"
	"fmt"

	"github.com/quernlabs/quern/pkg/config"
	"github.com/quernlabs/quern/pkg/datasource"
	"github.com/quernlabs/quern/pkg/status"
	"github.com/quernlabs/quern/pkg/task"
)

// newManager builds the task manager the configuration asks for.
func newManager(cfg *config.CoordinatorConfig, ds datasource.Datasource) (task.Manager, error) {
	switch cfg.Manager.Mode {
	case config.ManagerMemory:
		return task.NewMemory(ds), nil
	case config.ManagerSQLite:
		return task.NewPersistent(ds, cfg.Manager.Path, cfg.Manager.Resume)
	case config.ManagerBatch:
		return task.NewBatch(ds, cfg.Manager.Path, cfg.Manager.BatchSize, cfg.Manager.Resume)
	default:
		return nil, fmt.Errorf("coordinator: unknown manager mode %q", cfg.Manager.Mode)
	}
}

// Run executes one job to completion: it serves workers until the task
// manager finishes, then returns the final results. When the status
// server is enabled it runs alongside for the duration of the job. Run
// is the library entry point behind the coordinator CLI command.
func Run(ctx context.Context, cfg *config.CoordinatorConfig, ds datasource.Datasource) ([]task.Result, error) {
	tm, err := newManager(cfg, ds)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tm.Close() }()

	srv := New(Config{
		BindAddress:     cfg.BindAddress,
		Port:            cfg.Port,
		Secret:          cfg.Secret,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, JobSpec{
		MapFunc:     cfg.Job.Map,
		ReduceFunc:  cfg.Job.Reduce,
		CollectFunc: cfg.Job.Collect,
	}, tm)

	if cfg.Status.Enabled {
		statusCtx, stopStatus := context.WithCancel(ctx)
		defer stopStatus()
		go func() { _ = status.New(cfg.Status.Address, srv).Serve(statusCtx) }()
	}

	if err := srv.Serve(ctx); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return tm.Results()
}
