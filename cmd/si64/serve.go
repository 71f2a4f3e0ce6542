package si64

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/si64-net/si64/pkg/config"
	"github.com/si64-net/si64/pkg/node"
	"github.com/si64-net/si64/pkg/system"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		cm := system.NewCleanupManager()
		defer cm.Cleanup()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		coordinator, err := node.New(ctx, cfg, cm)
		if err != nil {
			return err
		}

		log.Info().Str("Address", cfg.ListenAddress).Msg("starting coordinator")
		return coordinator.Start(ctx, cm)
	},
}
