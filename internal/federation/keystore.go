package federation

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"github.com/rzbill/chorus/internal/errs"
	"github.com/rzbill/chorus/internal/storage"
)

const (
	keyTrusted byte = 1
	keyRevoked byte = 2
)

// KeyStore holds the verification key of every known server, persisted
// under vk/{server}. A trusted key never changes; it can only be revoked.
type KeyStore struct {
	db storage.Engine

	mu    sync.RWMutex
	cache map[string]keyEntry
}

type keyEntry struct {
	state byte
	pub   ed25519.PublicKey
}

func NewKeyStore(db storage.Engine) *KeyStore {
	return &KeyStore{db: db, cache: make(map[string]keyEntry)}
}

func keyStoreKey(server string) []byte { return []byte("vk/" + server) }

func (k *KeyStore) load(ctx context.Context, server string) (keyEntry, bool, error) {
	k.mu.RLock()
	e, ok := k.cache[server]
	k.mu.RUnlock()
	if ok {
		return e, true, nil
	}
	raw, err := k.db.Get(ctx, keyStoreKey(server))
	if errors.Is(err, errs.ErrNotFound) {
		return keyEntry{}, false, nil
	}
	if err != nil {
		return keyEntry{}, false, err
	}
	if len(raw) != 1+ed25519.PublicKeySize {
		return keyEntry{}, false, errs.Corrupt(keyStoreKey(server), fmt.Errorf("key record has %d bytes", len(raw)))
	}
	e = keyEntry{state: raw[0], pub: ed25519.PublicKey(append([]byte(nil), raw[1:]...))}
	k.mu.Lock()
	k.cache[server] = e
	k.mu.Unlock()
	return e, true, nil
}

func (k *KeyStore) store(ctx context.Context, server string, e keyEntry) error {
	val := append([]byte{e.state}, e.pub...)
	if err := k.db.PutBatch(ctx, []storage.Entry{storage.Put(keyStoreKey(server), val)}); err != nil {
		return err
	}
	k.mu.Lock()
	k.cache[server] = e
	k.mu.Unlock()
	return nil
}

// Trust records pub as server's key. Trusting the same key again is a no-op;
// a different key fails with errs.ErrKeyConflict, and a revoked key stays
// revoked.
func (k *KeyStore) Trust(ctx context.Context, server string, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return errs.WrapInvalid(fmt.Errorf("public key has %d bytes", len(pub)), "keystore", "trust")
	}
	e, ok, err := k.load(ctx, server)
	if err != nil {
		return err
	}
	if ok {
		if !bytes.Equal(e.pub, pub) {
			return errs.WrapSecurity(errs.ErrKeyConflict, "keystore", "trust")
		}
		if e.state == keyRevoked {
			return errs.WrapSecurity(errs.ErrRevokedKey, "keystore", "trust")
		}
		return nil
	}
	return k.store(ctx, server, keyEntry{state: keyTrusted, pub: append(ed25519.PublicKey(nil), pub...)})
}

// Revoke marks server's key revoked. Events from it no longer verify.
func (k *KeyStore) Revoke(ctx context.Context, server string) error {
	e, ok, err := k.load(ctx, server)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrUnknownPeer
	}
	if e.state == keyRevoked {
		return nil
	}
	e.state = keyRevoked
	return k.store(ctx, server, e)
}

// Lookup returns server's trusted key, errs.ErrUnknownPeer or errs.ErrRevokedKey.
func (k *KeyStore) Lookup(ctx context.Context, server string) (ed25519.PublicKey, error) {
	e, ok, err := k.load(ctx, server)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.ErrUnknownPeer
	}
	if e.state == keyRevoked {
		return nil, errs.ErrRevokedKey
	}
	return e.pub, nil
}
