package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quernlabs/quern/pkg/config"
)

var (
	initForce  bool
	initWorker bool
)

var initCmd = &cobra.Command{
	Use:   "init <path>",
	Short: "Write a sample configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if _, err := os.Stat(path); err == nil && !initForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		var cfg any = config.DefaultCoordinatorConfig()
		if initWorker {
			cfg = config.DefaultWorkerConfig()
		}
		if err := config.Save(cfg, path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")
	initCmd.Flags().BoolVar(&initWorker, "worker", false, "write a worker config instead of a coordinator config")
}
