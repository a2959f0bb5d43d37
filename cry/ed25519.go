// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package cry holds the vote-signature cryptography used by the consensus
// core: Ed25519 verification against the canonical vote message, and the
// public key / signature length checks guarding it.
package cry

import (
	"crypto/ed25519"
	"fmt"
)

// ErrCrypto wraps every failure this package returns, so callers can test
// for it without caring whether the root cause is a length mismatch or a
// failed signature check.
type ErrCrypto struct {
	msg string
}

func (e *ErrCrypto) Error() string {
	return e.msg
}

func cryptoErrorf(format string, args ...interface{}) error {
	return &ErrCrypto{msg: fmt.Sprintf(format, args...)}
}

// CanonicalMessage builds the exact byte sequence a vote's signature is
// computed over: "vote:{roundID}:{txID}:{approve}", with roundID rendered
// in decimal. Any change here breaks interop with every node signing
// votes against this layout.
func CanonicalMessage(roundID int64, txID string, approve bool) []byte {
	return []byte(fmt.Sprintf("vote:%d:%s:%t", roundID, txID, approve))
}

// VerifyVote checks that signature is a valid Ed25519 signature by
// publicKey over CanonicalMessage(roundID, txID, approve).
func VerifyVote(publicKey, signature []byte, roundID int64, txID string, approve bool) error {
	if len(signature) == 0 {
		return cryptoErrorf("empty signature")
	}
	if len(publicKey) == 0 {
		return cryptoErrorf("empty public key")
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return cryptoErrorf("invalid public key length: %d (expected %d)", len(publicKey), ed25519.PublicKeySize)
	}
	if len(signature) != ed25519.SignatureSize {
		return cryptoErrorf("invalid signature length: %d (expected %d)", len(signature), ed25519.SignatureSize)
	}

	msg := CanonicalMessage(roundID, txID, approve)
	if !ed25519.Verify(ed25519.PublicKey(publicKey), msg, signature) {
		return cryptoErrorf("signature verification failed")
	}
	return nil
}

// KeyPair is a convenience wrapper around an Ed25519 key pair, used by
// tests to mint votes without a full signer process.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh random Ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, cryptoErrorf("generate key: %v", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// Sign signs roundID/txID/approve with the key pair's private key,
// producing a signature verifiable by VerifyVote.
func (kp *KeyPair) Sign(roundID int64, txID string, approve bool) []byte {
	msg := CanonicalMessage(roundID, txID, approve)
	return ed25519.Sign(kp.Private, msg)
}
