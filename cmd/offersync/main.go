// offersync - keeps a local view of an on-chain offer registry and
// subscribes the active account to its offers.
package main

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/offersync/internal/artifact"
	"github.com/mbd888/offersync/internal/config"
	"github.com/mbd888/offersync/internal/engine"
	"github.com/mbd888/offersync/internal/logging"
	"github.com/mbd888/offersync/internal/metrics"
	"github.com/mbd888/offersync/internal/provider"
	"github.com/mbd888/offersync/internal/realtime"
	"github.com/mbd888/offersync/internal/server"
	"github.com/mbd888/offersync/internal/traces"
	"github.com/mbd888/offersync/internal/wallet"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	bootLogger := logging.New("info", "text")
	bootLogger.Info("starting offersync",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		return err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"rpc", cfg.RPCURL,
		"wallet_mode", cfg.WalletMode,
		"registry", cfg.RegistryAddress,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := traces.Init(ctx, traces.Options{
		Endpoint:    cfg.OTLPEndpoint,
		Version:     Version,
		Environment: cfg.Env,
		SampleRatio: cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = shutdownTracing(sctx)
	}()

	art := artifact.EntityOfferRegistry()
	if cfg.RegistryArtifact != "" {
		if art, err = artifact.LoadFile(cfg.RegistryArtifact); err != nil {
			logger.Error("failed to load registry artifact", "path", cfg.RegistryArtifact, "error", err)
			return err
		}
	}

	// Set by the factory once the node answers; only keyring mode can switch accounts.
	var keyring atomic.Pointer[wallet.Keyring]
	host := provider.NewNodeHost(provider.NodeHostConfig{
		RPCURL:       cfg.RPCURL,
		WSURL:        cfg.WSURL,
		PollInterval: time.Second,
		Timeout:      cfg.ReadyTimeout,
		Factory: func(ctx context.Context, rr *ethclient.Client) (provider.Provider, error) {
			if cfg.WalletMode == config.WalletModeNode {
				return wallet.NewNodeAccounts(rr.Client(), cfg.AccountPollInterval, logger), nil
			}
			k, err := wallet.NewKeyring(cfg.PrivateKeys, rr, wallet.WithChainID(cfg.ChainID))
			if err != nil {
				return nil, err
			}
			keyring.Store(k)
			return k, nil
		},
	}, logger)

	hub := realtime.NewHub(logger)
	eng := engine.New(provider.NewBootstrapper(host, logger), engine.Config{
		Artifact:           art,
		GasLimit:           cfg.GasLimit,
		CatalogConcurrency: cfg.CatalogConcurrency,
		RegistryAddress:    cfg.RegistryAddress,
		Logger:             logger,
	}, engine.WithNotifier(hub))

	srv, err := server.New(cfg, eng, hub,
		server.WithLogger(logger),
		server.WithHealthCheck("rpc", rpcCheck(cfg.RPCURL)),
		server.WithAccountSelector(func(_ context.Context, addr common.Address) error {
			k := keyring.Load()
			if k == nil {
				return server.ErrSelectUnsupported
			}
			return k.Select(addr)
		}),
	)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		return err
	}

	go metrics.StartRuntimeCollector(ctx, 15*time.Second)

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		return err
	}
	return nil
}

// rpcCheck reports whether the request/response endpoint answers.
func rpcCheck(url string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			return err
		}
		defer client.Close()
		_, err = client.ChainID(ctx)
		return err
	}
}
