package main

import (
	"crypto/rand"
	"database/sql/driver"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"
)

var encryptionKey []byte

func init() {
	keyStr := os.Getenv("CHACHA_ENCRYPTION_KEY")
	if keyStr == "" {
		keyStr = "defaultKey12345678901234567890123456"
	}

	encryptionKey = []byte(keyStr)
	if len(encryptionKey) != chacha20poly1305.KeySize {
		newKey := make([]byte, chacha20poly1305.KeySize)
		copy(newKey, encryptionKey)
		encryptionKey = newKey
	}
}

// encryptSecret encrypts a client secret before it is written to the
// database.
func encryptSecret(plaintext string) (string, error) {
	aead, err := chacha20poly1305.New(encryptionKey)
	if err != nil {
		return "", fmt.Errorf("failed to create AEAD: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := aead.Seal(nil, nonce, []byte(plaintext), nil)

	combined := make([]byte, len(nonce)+len(ciphertext))
	copy(combined, nonce)
	copy(combined[len(nonce):], ciphertext)

	return base64.StdEncoding.EncodeToString(combined), nil
}

func decryptSecret(encoded string) (string, error) {
	combined, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64 string: %w", err)
	}

	aead, err := chacha20poly1305.New(encryptionKey)
	if err != nil {
		return "", fmt.Errorf("failed to create AEAD: %w", err)
	}

	if len(combined) < aead.NonceSize() {
		return "", fmt.Errorf("ciphertext too short, expected at least %d bytes, got %d", aead.NonceSize(), len(combined))
	}
	nonce := combined[:aead.NonceSize()]
	ciphertext := combined[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}

	return string(plaintext), nil
}

// StringList stores a []string column as JSON.
type StringList []string

func (s StringList) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *StringList) Scan(value interface{}) error {
	if value == nil {
		*s = StringList{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to scan StringList: %v", value)
	}
	return json.Unmarshal(bytes, s)
}

// MethodList stores a []Method column as JSON.
type MethodList []Method

func (m MethodList) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *MethodList) Scan(value interface{}) error {
	if value == nil {
		*m = MethodList{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to scan MethodList: %v", value)
	}
	return json.Unmarshal(bytes, m)
}

func (m MethodList) Contains(method Method) bool {
	for _, v := range m {
		if v == method {
			return true
		}
	}
	return false
}

// Connection is one authorized client. Immutable once registered;
// re-pairing the same client pubkey replaces the whole value.
type Connection struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	ClientPubkey string     `db:"client_pubkey" json:"client_pubkey"`
	WalletPubkey string     `db:"wallet_pubkey" json:"wallet_pubkey"`
	ClientSecret string     `db:"client_secret" json:"-"`
	SharedSecret []byte     `db:"-" json:"-"`
	Relays       StringList `db:"relays" json:"relays"`
	Permissions  MethodList `db:"permissions" json:"permissions"`
	LUD16        string     `db:"lud16" json:"lud16,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// Allows reports whether a method is permitted on this connection. An
// empty permission set grants every supported method; this default-open
// behavior is part of the pairing contract.
func (c *Connection) Allows(method Method) bool {
	if len(c.Permissions) == 0 {
		return true
	}
	return c.Permissions.Contains(method)
}

// ConnectionRegistry is the in-memory table of authorized clients, keyed
// by client pubkey. Written during pairing, read on every inbound event.
type ConnectionRegistry struct {
	conns *xsync.MapOf[string, *Connection]
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: xsync.NewMapOf[string, *Connection](),
	}
}

func (r *ConnectionRegistry) Register(conn *Connection) {
	if conn != nil {
		r.conns.Store(conn.ClientPubkey, conn)
	}
}

func (r *ConnectionRegistry) Lookup(clientPubkey string) (*Connection, bool) {
	return r.conns.Load(clientPubkey)
}

func (r *ConnectionRegistry) Size() int {
	return r.conns.Size()
}

func (r *ConnectionRegistry) All() []*Connection {
	conns := make([]*Connection, 0, r.conns.Size())
	r.conns.Range(func(_ string, conn *Connection) bool {
		conns = append(conns, conn)
		return true
	})
	return conns
}

// Reset drops every connection. Only called on explicit service reset;
// connections never expire on their own.
func (r *ConnectionRegistry) Reset() {
	r.conns.Clear()
}

type ConnectionRepository struct{}

var connectionRepository = &ConnectionRepository{}

// Upsert persists a connection when Postgres is configured. Secrets are
// encrypted at rest. A no-op in memory-only mode.
func (r *ConnectionRepository) Upsert(conn *Connection) error {
	if db == nil {
		return nil
	}

	encryptedSecret, err := encryptSecret(conn.ClientSecret)
	if err != nil {
		return fmt.Errorf("failed to encrypt client secret: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO wallet_connections (
			id, client_pubkey, wallet_pubkey, client_secret, relays, permissions, lud16, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		ON CONFLICT (client_pubkey) DO UPDATE SET
			wallet_pubkey = EXCLUDED.wallet_pubkey,
			client_secret = EXCLUDED.client_secret,
			relays = EXCLUDED.relays,
			permissions = EXCLUDED.permissions,
			lud16 = EXCLUDED.lud16,
			created_at = EXCLUDED.created_at`,
		conn.ID, conn.ClientPubkey, conn.WalletPubkey, encryptedSecret,
		conn.Relays, conn.Permissions, conn.LUD16, conn.CreatedAt)

	return err
}

func (r *ConnectionRepository) GetAll() ([]*Connection, error) {
	conns := []*Connection{}
	if db == nil {
		return conns, nil
	}

	err := db.Select(&conns, "SELECT * FROM wallet_connections ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}

	for _, conn := range conns {
		decryptedSecret, err := decryptSecret(conn.ClientSecret)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt client secret: %w", err)
		}
		conn.ClientSecret = decryptedSecret
	}

	return conns, nil
}

// ConnectionService pairs clients and reloads persisted connections.
type ConnectionService struct {
	keys       *KeyStore
	registry   *ConnectionRegistry
	repository *ConnectionRepository
}

func NewConnectionService(keys *KeyStore, registry *ConnectionRegistry) *ConnectionService {
	return &ConnectionService{
		keys:       keys,
		registry:   registry,
		repository: connectionRepository,
	}
}

// Pair creates a new connection for a fresh client secret and returns it
// together with the connection string the client imports.
func (s *ConnectionService) Pair(relays []string, permissions []Method, lud16 string) (*Connection, string, error) {
	clientSecret := nostr.GeneratePrivateKey()

	clientPubkey, err := nostr.GetPublicKey(clientSecret)
	if err != nil {
		return nil, "", fmt.Errorf("failed to derive client public key: %w", err)
	}

	sharedSecret, err := s.keys.SharedSecret(clientPubkey)
	if err != nil {
		return nil, "", err
	}

	conn := &Connection{
		ID:           uuid.New(),
		ClientPubkey: clientPubkey,
		WalletPubkey: s.keys.WalletPublicKey(),
		ClientSecret: clientSecret,
		SharedSecret: sharedSecret,
		Relays:       relays,
		Permissions:  permissions,
		LUD16:        lud16,
		CreatedAt:    time.Now(),
	}

	s.registry.Register(conn)

	if err := s.repository.Upsert(conn); err != nil {
		log.WithError(err).Warn("Failed to persist wallet connection")
	}

	uri := GenerateConnectionString(ConnectionString{
		WalletPubkey: conn.WalletPubkey,
		Secret:       conn.ClientSecret,
		Relays:       conn.Relays,
		LUD16:        conn.LUD16,
	})

	return conn, uri, nil
}

// LoadPersisted registers connections stored by previous runs. Rows paired
// against a different wallet pubkey are skipped: without the matching
// wallet key their shared secret can never be recomputed.
func (s *ConnectionService) LoadPersisted() error {
	conns, err := s.repository.GetAll()
	if err != nil {
		return fmt.Errorf("failed to load wallet connections: %w", err)
	}

	for _, conn := range conns {
		if conn.WalletPubkey != s.keys.WalletPublicKey() {
			log.WithField("client_pubkey", conn.ClientPubkey).
				Warn("Skipping persisted connection paired with a different wallet key")
			continue
		}

		sharedSecret, err := s.keys.SharedSecret(conn.ClientPubkey)
		if err != nil {
			log.WithError(err).WithField("client_pubkey", conn.ClientPubkey).
				Warn("Skipping persisted connection with invalid pubkey")
			continue
		}
		conn.SharedSecret = sharedSecret

		s.registry.Register(conn)
	}

	return nil
}
