// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	isatty "github.com/mattn/go-isatty"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/ethereum/go-ethereum/log"

	adminapi "github.com/voteguard/core/api/admin"
	healthapi "github.com/voteguard/core/api/admin/health"
	"github.com/voteguard/core/config"
	"github.com/voteguard/core/consensus"
	"github.com/voteguard/core/gc"
	"github.com/voteguard/core/metrics"
	"github.com/voteguard/core/store/kvstore"
	"github.com/voteguard/core/store/sqlstore"
	"github.com/voteguard/core/transport"
)

var (
	version   string
	gitCommit string

	logLevel = new(slog.LevelVar)
)

func fullVersion() string {
	if gitCommit == "" {
		return version + "-dev"
	}
	return fmt.Sprintf("%s-%s", version, gitCommit)
}

func main() {
	app := cli.App{
		Version:   fullVersion(),
		Name:      "voted",
		Usage:     "Byzantine-fault-tolerant threshold-signing vote consensus daemon",
		Copyright: "2026 Voteguard authors",
		Flags:     config.Flags,
		Action:    runAction,
		Commands: []cli.Command{
			{
				Name:   "solo",
				Usage:  "run without the mesh transport (no votes are sent or received over the network), for test & dev",
				Flags:  config.Flags,
				Action: soloAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogger(verbosity int) {
	handler := log.NewTerminalHandlerWithLevel(os.Stderr, logLevel, isatty.IsTerminal(os.Stderr.Fd()))
	logLevel.Set(verbosityToLevel(verbosity))
	log.SetDefault(log.NewLogger(handler))
}

func verbosityToLevel(v int) slog.Level {
	switch {
	case v <= 0:
		return log.LevelCrit
	case v == 1:
		return log.LevelError
	case v == 2:
		return log.LevelWarn
	case v == 3:
		return log.LevelInfo
	case v == 4:
		return log.LevelDebug
	default:
		return log.LevelTrace
	}
}

func runAction(ctx *cli.Context) error {
	return run(ctx, false)
}

func soloAction(ctx *cli.Context) error {
	return run(ctx, true)
}

// run wires the whole consensus core into a single running daemon: the
// durable and ephemeral stores, the vote processor, the GC reaper, the
// mesh transport (or no transport in solo mode), and the admin/metrics
// HTTP surfaces. It blocks until SIGINT/SIGTERM.
func run(cliCtx *cli.Context, solo bool) error {
	cfg, err := config.FromCLI(cliCtx)
	if err != nil {
		return err
	}
	initLogger(cfg.Verbosity)
	defer log.Info("voted: exited")

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sqlStore, err := openSQLStore(rootCtx, cfg)
	if err != nil {
		return fmt.Errorf("voted: open sql store: %w", err)
	}
	defer func() { log.Info("voted: closing durable store"); sqlStore.Close() }()

	kvStore, err := openKVStore(cfg)
	if err != nil {
		return fmt.Errorf("voted: open kv store: %w", err)
	}
	defer func() { log.Info("voted: closing kv store"); kvStore.Close() }()

	if err := kvStore.PutConfig(rootCtx, kvstore.ConfigTotalNodesKey, cfg.Consensus.TotalNodes); err != nil {
		return fmt.Errorf("voted: publish cluster config: %w", err)
	}
	if err := kvStore.PutConfig(rootCtx, kvstore.ConfigThresholdKey, cfg.Consensus.Threshold); err != nil {
		return fmt.Errorf("voted: publish cluster config: %w", err)
	}

	metrics.InitializePrometheusMetrics()

	peerDir := transport.NewPeerDirectory(sqlStore, transport.DefaultPeerDirectoryConfig())
	for _, peer := range cfg.Peers {
		peerDir.Register(consensus.PeerId(peer.PeerID), consensus.NodeId(peer.NodeID))
	}
	detector := consensus.NewByzantineDetector(kvStore, sqlStore, peerDir, cfg.Consensus)

	processor, err := consensus.NewVoteProcessor(rootCtx, detector, kvStore, sqlStore, nil, cfg.Consensus)
	if err != nil {
		return fmt.Errorf("voted: reconcile on startup: %w", err)
	}
	defer processor.Close()

	if solo {
		log.Info("voted: running solo, no mesh transport")
	} else {
		certs := transport.NewCertificateManager(cfg.CACertPath, cfg.NodeCertPath, cfg.NodeKeyPath)
		cfg.Mesh.TLS = certs
		mesh := transport.NewQuicMesh(cfg.Mesh, processor)
		if err := mesh.Start(rootCtx); err != nil {
			return fmt.Errorf("voted: start mesh: %w", err)
		}
		defer func() { log.Info("voted: stopping mesh"); mesh.Stop() }()
	}

	reaper := gc.New(kvStore, sqlStore, cfg.GC)
	reaper.Start()
	defer func() { log.Info("voted: stopping gc reaper"); reaper.Stop() }()

	var apiLogsEnabled atomic.Bool
	apiLogsEnabled.Store(true)
	health := healthapi.New(
		func() int { return processor.RegistrySize() },
		reaper.LastCycle,
		func(ctx context.Context) error {
			_, _, err := kvStore.GetConfig(ctx, kvstore.ConfigTotalNodesKey)
			return err
		},
		sqlPinger(sqlStore),
	)
	adminHandler := adminapi.New(logLevel, health, &apiLogsEnabled)
	adminSrv := &http.Server{Addr: cfg.AdminAddr, Handler: adminHandler}
	go func() {
		log.Info("voted: admin HTTP surface listening", "addr", cfg.AdminAddr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("voted: admin server failed", "err", err)
		}
	}()
	defer func() { log.Info("voted: stopping admin server"); _ = adminSrv.Shutdown(context.Background()) }()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.HTTPHandler()}
	go func() {
		log.Info("voted: metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("voted: metrics server failed", "err", err)
		}
	}()
	defer func() { log.Info("voted: stopping metrics server"); _ = metricsSrv.Shutdown(context.Background()) }()

	log.Info("voted: ready", "totalNodes", cfg.Consensus.TotalNodes, "threshold", cfg.Consensus.Threshold, "solo", solo)

	<-rootCtx.Done()
	log.Info("voted: shutdown signal received")
	return nil
}

func openSQLStore(ctx context.Context, cfg config.Config) (sqlstore.Store, error) {
	switch cfg.SQLDriver {
	case "postgres":
		return sqlstore.OpenPostgres(ctx, cfg.SQLDSN, cfg.SQLMaxConns)
	default:
		return sqlstore.OpenSQLite(ctx, cfg.SQLDSN)
	}
}

func openKVStore(cfg config.Config) (kvstore.Store, error) {
	if len(cfg.EtcdEndpoints) == 0 {
		return kvstore.NewMemStore(), nil
	}
	return kvstore.NewEtcdStore(cfg.EtcdEndpoints, cfg.EtcdDialTimeout)
}

func sqlPinger(store sqlstore.Store) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := store.ListNonTerminalTransactions(ctx)
		return err
	}
}
