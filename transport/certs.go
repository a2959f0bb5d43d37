// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package transport

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"
)

// expiryWarningWindow is the renewal threshold a node's own leaf
// certificate is checked against.
const expiryWarningWindow = 30 * 24 * time.Hour

// CertificateManager loads the node's mTLS identity and the cluster CA
// from disk and builds the tls.Config the QUIC mesh dials and listens
// with: one node cert/key pair, one CA pool shared by every peer, mutual
// authentication required in both directions.
type CertificateManager struct {
	caCertPath   string
	nodeCertPath string
	nodeKeyPath  string
}

// NewCertificateManager builds a manager pointed at the given PEM files.
func NewCertificateManager(caCertPath, nodeCertPath, nodeKeyPath string) *CertificateManager {
	return &CertificateManager{
		caCertPath:   caCertPath,
		nodeCertPath: nodeCertPath,
		nodeKeyPath:  nodeKeyPath,
	}
}

// LoadServerConfig builds a tls.Config suitable for the QUIC listener
// side: presents the node's own certificate and requires (and verifies)
// a client certificate signed by the cluster CA.
func (m *CertificateManager) LoadServerConfig() (*tls.Config, error) {
	cert, pool, err := m.loadIdentity()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"voteguard-mesh"},
	}, nil
}

// LoadClientConfig builds a tls.Config suitable for dialing a peer:
// presents the node's own certificate and verifies the peer's
// certificate against the cluster CA.
func (m *CertificateManager) LoadClientConfig() (*tls.Config, error) {
	cert, pool, err := m.loadIdentity()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"voteguard-mesh"},
	}, nil
}

func (m *CertificateManager) loadIdentity() (tls.Certificate, *x509.CertPool, error) {
	cert, err := tls.LoadX509KeyPair(m.nodeCertPath, m.nodeKeyPath)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("transport: load node cert/key: %w", err)
	}

	caPEM, err := os.ReadFile(m.caCertPath)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("transport: read CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return tls.Certificate{}, nil, fmt.Errorf("transport: no certificates found in %s", m.caCertPath)
	}

	return cert, pool, nil
}

// ExpiresWithin30Days reports whether the node's own leaf certificate is
// within its renewal window, mirroring
// CertificateManager::verify_certificate_expiry.
func (m *CertificateManager) ExpiresWithin30Days() (bool, error) {
	pemBytes, err := os.ReadFile(m.nodeCertPath)
	if err != nil {
		return false, fmt.Errorf("transport: read node cert: %w", err)
	}
	cert, err := parseLeafCertificate(pemBytes)
	if err != nil {
		return false, err
	}
	return time.Until(cert.NotAfter) < expiryWarningWindow, nil
}

func parseLeafCertificate(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("transport: no PEM block found in certificate file")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("transport: parse leaf certificate: %w", err)
	}
	return cert, nil
}
