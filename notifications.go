package main

import (
	"context"
	"encoding/json"

	"github.com/nbd-wtf/go-nostr"
	log "github.com/sirupsen/logrus"
)

// NotificationPublisher pushes unsolicited kind-23196 events to a single
// connected client.
type NotificationPublisher struct {
	keys      *KeyStore
	registry  *ConnectionRegistry
	publisher RelayPublisher
}

func NewNotificationPublisher(keys *KeyStore, registry *ConnectionRegistry, publisher RelayPublisher) *NotificationPublisher {
	return &NotificationPublisher{
		keys:      keys,
		registry:  registry,
		publisher: publisher,
	}
}

// Notify encrypts and publishes a notification for a known client. An
// unknown client pubkey is a silent no-op: there is no requester to
// report an error to.
func (p *NotificationPublisher) Notify(ctx context.Context, clientPubkey string, kind NotificationKind, payload interface{}) {
	conn, ok := p.registry.Lookup(clientPubkey)
	if !ok {
		log.WithField("client", clientPubkey).Debug("Dropping notification for unknown client")
		return
	}

	content, err := json.Marshal(Notification{
		NotificationType: kind,
		Notification:     payload,
	})
	if err != nil {
		log.WithError(err).Error("Failed to marshal notification")
		return
	}

	encrypted, err := EncryptContent(conn.SharedSecret, string(content))
	if err != nil {
		log.WithError(err).Error("Failed to encrypt notification")
		return
	}

	ev := nostr.Event{
		Kind:      KindNWCNotification,
		PubKey:    p.keys.WalletPublicKey(),
		CreatedAt: nostr.Now(),
		Content:   encrypted,
		Tags:      nostr.Tags{nostr.Tag{"p", conn.ClientPubkey}},
	}

	if err := p.keys.Sign(&ev); err != nil {
		log.WithError(err).Error("Failed to sign notification event")
		return
	}

	p.publisher.Publish(ctx, ev)
}

// NotifyAll fans a payment notification out to every connection; the node
// has no per-client routing for its own payment events.
func (p *NotificationPublisher) NotifyAll(ctx context.Context, kind NotificationKind, payload interface{}) {
	for _, conn := range p.registry.All() {
		p.Notify(ctx, conn.ClientPubkey, kind, payload)
	}
}
