package main

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
)

// KeyStore holds the bridge's nostr identity. The key comes from
// NOSTR_SECRET_KEY when set, otherwise a fresh one is generated at startup
// and every previously paired client is invalidated.
type KeyStore struct {
	secretKey string
	publicKey string
}

func NewKeyStore(secretKey string) (*KeyStore, error) {
	if secretKey == "" {
		secretKey = nostr.GeneratePrivateKey()
	}
	if !nostr.IsValid32ByteHex(secretKey) {
		return nil, fmt.Errorf("invalid wallet secret key, expected 64 hex characters")
	}

	publicKey, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive wallet public key: %w", err)
	}

	return &KeyStore{secretKey: secretKey, publicKey: publicKey}, nil
}

func (k *KeyStore) WalletPublicKey() string {
	return k.publicKey
}

// SharedSecret derives the nip04 conversation key between the wallet
// identity and a client pubkey.
func (k *KeyStore) SharedSecret(clientPubkey string) ([]byte, error) {
	secret, err := nip04.ComputeSharedSecret(clientPubkey, k.secretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	return secret, nil
}

func (k *KeyStore) Sign(ev *nostr.Event) error {
	return ev.Sign(k.secretKey)
}
