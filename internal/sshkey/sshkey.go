// Package sshkey manages the gateway's SSH identity. In shell mode the
// gateway logs into VMs with this key, so its public half must be in the
// guest's authorized_keys (the configure recipe usually installs it).
package sshkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// ErrNoKey is returned when the key pair has not been generated.
var ErrNoKey = errors.New("SSH key not generated; run 'vmlab ssh keygen' first")

// Manager handles the gateway key pair.
type Manager struct {
	privPath string
	pubPath  string
}

// New returns a manager storing keys in {dataDir}/ssh/.
func New(dataDir string) *Manager {
	return FromPath(filepath.Join(dataDir, "ssh", "vmlab"))
}

// FromPath returns a manager for the private key at path. The public key
// lives next to it with a .pub suffix.
func FromPath(path string) *Manager {
	return &Manager{privPath: path, pubPath: path + ".pub"}
}

// PrivateKeyPath returns where the private key is stored.
func (m *Manager) PrivateKeyPath() string { return m.privPath }

// EnsureKeyPair generates an ed25519 key pair if it doesn't exist. It
// reports whether a new pair was created.
func (m *Manager) EnsureKeyPair() (created bool, err error) {
	if m.KeyPairExists() {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(m.privPath), 0o700); err != nil {
		return false, fmt.Errorf("create ssh directory: %w", err)
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return false, fmt.Errorf("generate ed25519 key: %w", err)
	}

	if err := writePrivateKey(m.privPath, privKey); err != nil {
		return false, fmt.Errorf("write private key: %w", err)
	}
	if err := writePublicKey(m.pubPath, pubKey); err != nil {
		os.Remove(m.privPath)
		return false, fmt.Errorf("write public key: %w", err)
	}
	return true, nil
}

// KeyPairExists returns true if both halves of the key exist.
func (m *Manager) KeyPairExists() bool {
	_, privErr := os.Stat(m.privPath)
	_, pubErr := os.Stat(m.pubPath)
	return privErr == nil && pubErr == nil
}

// PublicKey returns the public key in authorized_keys format.
func (m *Manager) PublicKey() (string, error) {
	content, err := os.ReadFile(m.pubPath)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoKey
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

// Signer loads the private key for SSH client authentication.
func (m *Manager) Signer() (ssh.Signer, error) {
	pemData, err := os.ReadFile(m.privPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoKey
	}
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(pemData)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", m.privPath, err)
	}
	return signer, nil
}

func writePrivateKey(path string, privKey ed25519.PrivateKey) error {
	block, err := ssh.MarshalPrivateKey(privKey, "vmlab gateway key")
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0o600)
}

func writePublicKey(path string, pubKey ed25519.PublicKey) error {
	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return fmt.Errorf("convert public key: %w", err)
	}
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPubKey))) + " vmlab@gateway\n"
	return os.WriteFile(path, []byte(line), 0o644)
}
