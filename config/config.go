// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package config loads the consensus daemon's process-wide configuration:
// a YAML file for the cluster's structural shape (total nodes, threshold,
// peer addresses), layered under CLI flags for the
// per-instance runtime knobs, the way cmd/thor/flags.go layers flags over
// the genesis/network selection.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	cli "gopkg.in/urfave/cli.v1"

	"github.com/voteguard/core/consensus"
	"github.com/voteguard/core/gc"
	"github.com/voteguard/core/transport"
)

// PeerConfig is one other cluster member's mesh address and node ID, as
// found in the cluster YAML file's peers list. PeerID is the
// transport-layer identity the member stamps on its votes; it defaults to
// the mesh address when the file doesn't name one.
type PeerConfig struct {
	NodeID uint64 `yaml:"nodeId"`
	Addr   string `yaml:"addr"`
	PeerID string `yaml:"peerId"`
}

// ClusterFile is the structural, rarely-changing shape of the cluster:
// who the members are and what it takes to reach consensus. Loaded once
// at startup from the path named by the --cluster-config flag.
type ClusterFile struct {
	TotalNodes uint64       `yaml:"totalNodes"`
	Threshold  uint64       `yaml:"threshold"`
	Peers      []PeerConfig `yaml:"peers"`
}

// LoadClusterFile reads and validates the cluster YAML file at path.
func LoadClusterFile(path string) (ClusterFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ClusterFile{}, fmt.Errorf("config: read cluster file: %w", err)
	}
	var cf ClusterFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return ClusterFile{}, fmt.Errorf("config: parse cluster file: %w", err)
	}
	for i := range cf.Peers {
		if cf.Peers[i].PeerID == "" {
			cf.Peers[i].PeerID = cf.Peers[i].Addr
		}
	}
	return cf, nil
}

// Config is the fully resolved, runtime configuration of one node in the
// cluster: consensus parameters, storage endpoints, the mesh transport,
// GC cadences, and the admin/metrics HTTP surfaces.
type Config struct {
	Consensus consensus.ConsensusConfig
	Peers     []PeerConfig

	SQLDriver   string // "postgres" | "sqlite"
	SQLDSN      string
	SQLMaxConns int

	EtcdEndpoints   []string
	EtcdDialTimeout time.Duration

	GC gc.Config

	Mesh         transport.MeshConfig
	CACertPath   string
	NodeCertPath string
	NodeKeyPath  string

	AdminAddr   string
	MetricsAddr string
	Verbosity   int
}

// Validate checks the consensus parameters (via ConsensusConfig.Validate,
// which rejects e.g. a cluster.yaml with threshold > totalNodes) and the
// SQL store settings, so a bad configuration fails before any store opens.
func (c Config) Validate() error {
	if err := c.Consensus.Validate(); err != nil {
		return err
	}
	if c.SQLDriver != "postgres" && c.SQLDriver != "sqlite" {
		return fmt.Errorf("config: sql-driver must be postgres or sqlite, got %q", c.SQLDriver)
	}
	if c.SQLDSN == "" {
		return fmt.Errorf("config: sql-dsn must not be empty")
	}
	return nil
}

var (
	ClusterConfigFlag = cli.StringFlag{
		Name:  "cluster-config",
		Usage: "path to the cluster YAML file (totalNodes, threshold, peers)",
	}
	VoteTimeoutFlag = cli.IntFlag{
		Name:  "vote-timeout-secs",
		Value: 30,
		Usage: "seconds a transaction's FSM may stay in Collecting (recorded in the consensus config; AbortTimeout is called by an external watchdog)",
	}
	SQLDriverFlag = cli.StringFlag{
		Name:  "sql-driver",
		Value: "sqlite",
		Usage: "durable store driver (postgres|sqlite)",
	}
	SQLDSNFlag = cli.StringFlag{
		Name:  "sql-dsn",
		Value: "voted.db",
		Usage: "durable store DSN (postgres connection string, or sqlite file path)",
	}
	SQLMaxConnsFlag = cli.IntFlag{
		Name:  "sql-max-conns",
		Value: 10,
		Usage: "maximum open connections to the durable store",
	}
	EtcdEndpointsFlag = cli.StringFlag{
		Name:  "etcd-endpoints",
		Usage: "comma separated list of etcd endpoints (ephemeral KV store); empty uses an in-process store",
	}
	EtcdDialTimeoutFlag = cli.IntFlag{
		Name:  "etcd-dial-timeout-secs",
		Value: 5,
		Usage: "etcd client dial timeout in seconds",
	}
	EtcdTTLHoursFlag = cli.IntFlag{
		Name:  "etcd-ttl-hours",
		Value: 1,
		Usage: "hours a confirmed transaction's ephemeral KV state survives before GC reclaims it",
	}
	ArchiveDaysFlag = cli.IntFlag{
		Name:  "archive-days",
		Value: 30,
		Usage: "days a completed voting round survives in the live durable tables before archival",
	}
	MeshAddrFlag = cli.StringFlag{
		Name:  "mesh-addr",
		Value: "0.0.0.0:9700",
		Usage: "QUIC mesh listening address",
	}
	BootstrapPeersFlag = cli.StringFlag{
		Name:  "bootstrap-peers",
		Usage: "comma separated list of host:port mesh addresses to dial at startup",
	}
	CACertFlag = cli.StringFlag{
		Name:  "ca-cert",
		Usage: "path to the cluster CA certificate (PEM)",
	}
	NodeCertFlag = cli.StringFlag{
		Name:  "node-cert",
		Usage: "path to this node's certificate (PEM)",
	}
	NodeKeyFlag = cli.StringFlag{
		Name:  "node-key",
		Usage: "path to this node's private key (PEM)",
	}
	AdminAddrFlag = cli.StringFlag{
		Name:  "admin-addr",
		Value: "localhost:8770",
		Usage: "admin HTTP surface listening address (health, loglevel, apilogs)",
	}
	MetricsAddrFlag = cli.StringFlag{
		Name:  "metrics-addr",
		Value: "localhost:9090",
		Usage: "Prometheus metrics listening address",
	}
	VerbosityFlag = cli.IntFlag{
		Name:  "verbosity",
		Value: 3,
		Usage: "log verbosity (0=crit .. 5=trace)",
	}
)

// Flags is the full flag set the daemon's root command and solo command
// share.
var Flags = []cli.Flag{
	ClusterConfigFlag,
	VoteTimeoutFlag,
	SQLDriverFlag,
	SQLDSNFlag,
	SQLMaxConnsFlag,
	EtcdEndpointsFlag,
	EtcdDialTimeoutFlag,
	EtcdTTLHoursFlag,
	ArchiveDaysFlag,
	MeshAddrFlag,
	BootstrapPeersFlag,
	CACertFlag,
	NodeCertFlag,
	NodeKeyFlag,
	AdminAddrFlag,
	MetricsAddrFlag,
	VerbosityFlag,
}

// FromCLI resolves a Config from a parsed cli.Context plus the cluster
// YAML file named by --cluster-config.
func FromCLI(ctx *cli.Context) (Config, error) {
	clusterPath := ctx.String(ClusterConfigFlag.Name)
	var cf ClusterFile
	if clusterPath != "" {
		var err error
		cf, err = LoadClusterFile(clusterPath)
		if err != nil {
			return Config{}, err
		}
	}

	cfg := Config{
		Consensus: consensus.ConsensusConfig{
			TotalNodes:      cf.TotalNodes,
			Threshold:       cf.Threshold,
			VoteTimeoutSecs: uint64(ctx.Int(VoteTimeoutFlag.Name)),
		},
		Peers:           cf.Peers,
		SQLDriver:       ctx.String(SQLDriverFlag.Name),
		SQLDSN:          ctx.String(SQLDSNFlag.Name),
		SQLMaxConns:     ctx.Int(SQLMaxConnsFlag.Name),
		EtcdEndpoints:   splitNonEmpty(ctx.String(EtcdEndpointsFlag.Name)),
		EtcdDialTimeout: time.Duration(ctx.Int(EtcdDialTimeoutFlag.Name)) * time.Second,
		GC: gc.Config{
			KVReclaimInterval: time.Hour,
			ArchiveInterval:   24 * time.Hour,
			EtcdTTL:           time.Duration(ctx.Int(EtcdTTLHoursFlag.Name)) * time.Hour,
			ArchiveCutoff:     time.Duration(ctx.Int(ArchiveDaysFlag.Name)) * 24 * time.Hour,
		},
		Mesh: transport.MeshConfig{
			ListenAddr:     ctx.String(MeshAddrFlag.Name),
			BootstrapPeers: splitNonEmpty(ctx.String(BootstrapPeersFlag.Name)),
		},
		CACertPath:   ctx.String(CACertFlag.Name),
		NodeCertPath: ctx.String(NodeCertFlag.Name),
		NodeKeyPath:  ctx.String(NodeKeyFlag.Name),
		AdminAddr:    ctx.String(AdminAddrFlag.Name),
		MetricsAddr:  ctx.String(MetricsAddrFlag.Name),
		Verbosity:    ctx.Int(VerbosityFlag.Name),
	}
	return cfg, cfg.Validate()
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
