package serve

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/agentguild/guild/pkg/config"
	"github.com/agentguild/guild/pkg/ledger"
	"github.com/agentguild/guild/pkg/ledger/writequeue"
	"github.com/agentguild/guild/pkg/logger"
	"github.com/agentguild/guild/pkg/marketstore"
	"github.com/agentguild/guild/pkg/marketstore/boltdb"
	"github.com/agentguild/guild/pkg/marketstore/inmemory"
	"github.com/agentguild/guild/pkg/orchestrator"
	"github.com/agentguild/guild/pkg/replay"
	"github.com/agentguild/guild/pkg/system"
)

// NewCmd returns the `guild serve` command: it wires the store, the
// ledger client, the attestation queue, the lifecycle endpoint, and
// the scheduler, then runs until interrupted.
func NewCmd() *cobra.Command {
	var envFile string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the marketplace node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	serveCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file to load before reading the environment")
	return serveCmd
}

func run(ctx context.Context, cfg config.GuildConfig) error {
	logger.SetLevel(cfg.LogLevel)
	cm := system.NewCleanupManager()
	defer cm.Cleanup()

	store, err := openStore(ctx, cfg, cm)
	if err != nil {
		return err
	}

	client := ledger.NewClient(ledger.RPCParams{
		Endpoint:   cfg.Ledger.Endpoint,
		ChainID:    cfg.Ledger.ChainID,
		AccountID:  cfg.Ledger.AccountID,
		SigningKey: cfg.Ledger.SigningKey,
		TokenID:    cfg.Ledger.TokenID,
		ChannelID:  cfg.Ledger.ChannelID,
		Store:      store,
	})

	queue := writequeue.NewQueue(writequeue.QueueParams{
		Client:           client,
		Store:            store,
		InterSubmitDelay: cfg.Ledger.DrainDelay,
	})
	queue.Start(ctx)
	cm.RegisterCallback(func() error {
		return queue.Stop(ctx)
	})

	endpoint := orchestrator.NewEndpoint(orchestrator.EndpointParams{
		Store:     store,
		Ledger:    client,
		Publisher: queue,
	})

	scheduler := orchestrator.NewScheduler(orchestrator.SchedulerParams{
		Store:                 store,
		Endpoint:              endpoint,
		Interval:              cfg.Scheduler.Interval,
		OpenJobsLowWater:      cfg.Scheduler.OpenJobsTarget,
		StaleAssignmentWindow: cfg.Scheduler.WatchdogWindow,
	})
	scheduler.Start(ctx)
	cm.RegisterCallback(func() error {
		scheduler.Stop()
		return nil
	})

	reconstructor := replay.NewReconstructor(replay.ReconstructorParams{
		Client:   client,
		Lookback: cfg.Replay.LookbackBlocks,
		CacheTTL: cfg.Replay.CacheTTL,
	})
	// prime the cache so the first read after startup is served warm;
	// a mock-backed ledger has nothing to replay
	if client.Live() {
		if _, err := reconstructor.Reconstruct(ctx); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("initial ledger replay failed")
		}
	}

	log.Ctx(ctx).Info().
		Str("Store", cfg.Store.Backend).
		Bool("LedgerLive", client.Live()).
		Msg("marketplace node running")

	<-ctx.Done()
	log.Ctx(ctx).Info().Msg("shutting down")
	return nil
}

func openStore(ctx context.Context, cfg config.GuildConfig, cm *system.CleanupManager) (marketstore.Store, error) {
	if cfg.Store.Backend == config.StoreBackendBolt {
		store, err := boltdb.NewBoltStore(cfg.Store.BoltPath)
		if err != nil {
			return nil, err
		}
		cm.RegisterCallback(func() error {
			return store.Close(ctx)
		})
		log.Ctx(ctx).Info().Str("Path", cfg.Store.BoltPath).Msg("opened bolt store")
		return store, nil
	}
	return inmemory.NewInMemoryStore(), nil
}
