package federation

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rzbill/chorus/internal/errs"
	"github.com/rzbill/chorus/internal/event"
)

// Signer signs events authored on this server.
type Signer struct {
	server string
	key    ed25519.PrivateKey
}

func NewSigner(server string, key ed25519.PrivateKey) *Signer {
	return &Signer{server: server, key: key}
}

func (s *Signer) Server() string { return s.server }

func (s *Signer) PublicKey() ed25519.PublicKey { return s.key.Public().(ed25519.PublicKey) }

// Sign returns ev with its signature set. The signature covers every field
// except the local position and the signature itself.
func (s *Signer) Sign(ev event.Event) (event.Event, error) {
	msg, err := event.SigningBytes(ev)
	if err != nil {
		return event.Event{}, errs.WrapInvalid(err, "federation", "sign")
	}
	ev.Signature = ed25519.Sign(s.key, msg)
	return ev, nil
}

// Verify checks ev's signature against pub and returns errs.ErrForged on
// mismatch.
func Verify(pub ed25519.PublicKey, ev event.Event) error {
	if len(ev.Signature) != ed25519.SignatureSize {
		return errs.WrapSecurity(errs.ErrForged, "federation", "verify")
	}
	msg, err := event.SigningBytes(ev)
	if err != nil {
		return errs.WrapSecurity(errs.ErrForged, "federation", "verify")
	}
	if !ed25519.Verify(pub, msg, ev.Signature) {
		return errs.WrapSecurity(errs.ErrForged, "federation", "verify")
	}
	return nil
}

// LoadOrCreateKey reads a base64 ed25519 seed from path, generating and
// writing a new one (mode 0600) when the file does not exist.
func LoadOrCreateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		seed, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(raw)))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("server key %s: not a base64 ed25519 seed", path)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read server key: %w", err)
	}
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate server key: %w", err)
	}
	if err := WriteKey(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

// WriteKey stores key's seed at path, creating parent directories.
func WriteKey(path string, key ed25519.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	enc := base64.StdEncoding.EncodeToString(key.Seed()) + "\n"
	if err := os.WriteFile(path, []byte(enc), 0o600); err != nil {
		return fmt.Errorf("write server key: %w", err)
	}
	return nil
}

// ParsePublicKey decodes a base64 ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("not a base64 ed25519 public key")
	}
	return ed25519.PublicKey(raw), nil
}

// EncodePublicKey is the inverse of ParsePublicKey.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}
