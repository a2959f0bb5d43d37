// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package transport

import (
	"bufio"
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	quic "github.com/lucas-clemente/quic-go"

	"github.com/voteguard/core/co"
	"github.com/voteguard/core/consensus"
)

var meshLogger = log.New("pkg", "transport")

// heartbeatInterval paces the reconnect loop toward bootstrap peers.
const heartbeatInterval = 30 * time.Second

// MeshConfig describes one node's place in the cluster mesh.
type MeshConfig struct {
	ListenAddr     string
	BootstrapPeers []string
	TLS            *CertificateManager
}

// QuicMesh is an mTLS-secured QUIC BroadcastBus: one QUIC listener
// accepting inbound connections, one outbound connection per bootstrap
// peer, a 30-second reconnect heartbeat, and message-level deduplication
// keyed deterministically per vote, so a vote rebroadcast by multiple
// peers is only ever delivered once.
type QuicMesh struct {
	cfg     MeshConfig
	handler VoteHandler

	listener quic.Listener

	mu    sync.Mutex
	seen  map[string]struct{}
	peers map[string]quic.Connection

	choes *co.Choes
}

// NewQuicMesh builds a mesh bound to cfg. Call Start to begin listening
// and dialing bootstrap peers.
func NewQuicMesh(cfg MeshConfig, handler VoteHandler) *QuicMesh {
	return &QuicMesh{
		cfg:     cfg,
		handler: handler,
		seen:    make(map[string]struct{}),
		peers:   make(map[string]quic.Connection),
		choes:   co.NewChoes(),
	}
}

// Start begins listening for inbound connections and dials every bootstrap
// peer, then launches the reconnect heartbeat loop.
func (m *QuicMesh) Start(ctx context.Context) error {
	serverTLS, err := m.cfg.TLS.LoadServerConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(m.cfg.ListenAddr, serverTLS, nil)
	if err != nil {
		return err
	}
	m.listener = listener

	m.choes.Go(m.acceptLoop)
	m.discoverPeers(ctx)
	m.choes.Go(m.heartbeatLoop)
	return nil
}

// Stop closes the listener, every outbound connection, and waits for the
// background loops to return.
func (m *QuicMesh) Stop() {
	m.choes.Stop()
	if m.listener != nil {
		_ = m.listener.Close()
	}
	m.mu.Lock()
	for addr, conn := range m.peers {
		_ = conn.CloseWithError(0, "shutting down")
		delete(m.peers, addr)
	}
	m.mu.Unlock()
	m.choes.Wait()
}

func (m *QuicMesh) acceptLoop(stop chan struct{}) {
	for {
		conn, err := m.listener.Accept(context.Background())
		if err != nil {
			select {
			case <-stop:
				return
			default:
				meshLogger.Warn("mesh: accept failed", "err", err)
				return
			}
		}
		m.choes.Go(func(innerStop chan struct{}) {
			m.serveConn(conn)
		})
	}
}

func (m *QuicMesh) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			connected := len(m.peers)
			m.mu.Unlock()
			meshLogger.Info("mesh: heartbeat", "connectedPeers", connected)
			m.pingPeers(context.Background())
			m.discoverPeers(context.Background())
		}
	}
}

// pingPeers sends one ping to every connected peer. A peer whose
// connection has died fails the stream open or write; its connection is
// torn down by serveConn returning, and the following discoverPeers
// redials it.
func (m *QuicMesh) pingPeers(ctx context.Context) {
	payload, err := pingMessage()
	if err != nil {
		return
	}
	payload = append(payload, '\n')

	m.mu.Lock()
	conns := make([]quic.Connection, 0, len(m.peers))
	for _, conn := range m.peers {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			meshLogger.Debug("mesh: ping open stream failed", "err", err)
			continue
		}
		if _, err := stream.Write(payload); err != nil {
			meshLogger.Debug("mesh: ping write failed", "err", err)
		}
		_ = stream.Close()
	}
}

// discoverPeers dials every bootstrap peer this node isn't already
// connected to. Failures are logged and retried on the next heartbeat, so
// a peer that's still booting is picked up eventually.
func (m *QuicMesh) discoverPeers(ctx context.Context) {
	clientTLS, err := m.cfg.TLS.LoadClientConfig()
	if err != nil {
		meshLogger.Warn("mesh: load client tls config failed", "err", err)
		return
	}
	for _, addr := range m.cfg.BootstrapPeers {
		m.mu.Lock()
		_, connected := m.peers[addr]
		m.mu.Unlock()
		if connected {
			continue
		}

		conn, err := quic.DialAddrContext(ctx, addr, clientTLS, nil)
		if err != nil {
			meshLogger.Warn("mesh: dial bootstrap peer failed", "addr", addr, "err", err)
			continue
		}
		meshLogger.Info("mesh: connected to peer", "addr", addr)

		m.mu.Lock()
		m.peers[addr] = conn
		m.mu.Unlock()

		m.choes.Go(func(stop chan struct{}) {
			m.serveConn(conn)
			m.mu.Lock()
			delete(m.peers, addr)
			m.mu.Unlock()
		})
	}
}

func (m *QuicMesh) serveConn(conn quic.Connection) {
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		go m.serveStream(stream)
	}
}

func (m *QuicMesh) serveStream(stream quic.Stream) {
	defer stream.Close()
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		msg, err := decodeWireMessage(scanner.Bytes())
		if err != nil {
			meshLogger.Warn("mesh: decode wire message failed", "err", err)
			continue
		}
		switch msg.Kind {
		case wireKindVote:
			if msg.Vote != nil {
				m.OnVote(msg.Vote.toVote())
			}
		case wireKindPing:
			if pong, err := pongMessage(); err == nil {
				pong = append(pong, '\n')
				_, _ = stream.Write(pong)
			}
		case wireKindPong:
			// liveness only, no core action
		}
	}
}

// OnVote delivers an inbound vote to the handler exactly once, deduped
// on the vote's deterministic (txId, nodeId, roundId) identity.
func (m *QuicMesh) OnVote(vote consensus.Vote) {
	key := dedupeKey(vote)
	m.mu.Lock()
	if _, dup := m.seen[key]; dup {
		m.mu.Unlock()
		return
	}
	m.seen[key] = struct{}{}
	m.mu.Unlock()

	if m.handler != nil {
		if _, err := m.handler.ProcessVote(context.Background(), vote); err != nil {
			meshLogger.Warn("mesh: process vote failed", "txId", vote.TxID, "err", err)
		}
	}
}

// Broadcast delivers vote to the local handler and fans it out to every
// connected peer over a fresh unidirectional-style stream per send.
func (m *QuicMesh) Broadcast(ctx context.Context, vote consensus.Vote) error {
	m.OnVote(vote)

	payload, err := encodeVoteMessage(vote)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')

	m.mu.Lock()
	conns := make([]quic.Connection, 0, len(m.peers))
	for _, conn := range m.peers {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			meshLogger.Warn("mesh: open stream failed", "err", err)
			continue
		}
		if _, err := stream.Write(payload); err != nil {
			meshLogger.Warn("mesh: write vote failed", "err", err)
		}
		_ = stream.Close()
	}
	return nil
}
