package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/stretchr/testify/require"
)

func newTestNotifier(t *testing.T) (*NotificationPublisher, *capturePublisher, *ConnectionService) {
	t.Helper()
	keys, err := NewKeyStore("")
	require.NoError(t, err)

	registry := NewConnectionRegistry()
	publisher := &capturePublisher{}
	return NewNotificationPublisher(keys, registry, publisher), publisher, NewConnectionService(keys, registry)
}

func TestNotifyUnknownClientIsSilentNoOp(t *testing.T) {
	notifier, publisher, _ := newTestNotifier(t)

	notifier.Notify(context.Background(), "deadbeef", NotificationPaymentReceived, Transaction{PaymentHash: "aa"})
	require.Empty(t, publisher.all())
}

func TestNotifyKnownClient(t *testing.T) {
	notifier, publisher, service := newTestNotifier(t)
	conn := pairClient(t, service)

	tx := Transaction{Type: "incoming", PaymentHash: "feed", Amount: 1000}
	notifier.Notify(context.Background(), conn.ClientPubkey, NotificationPaymentReceived, tx)

	ev := publisher.single(t)
	require.Equal(t, KindNWCNotification, ev.Kind)
	require.Equal(t, conn.ClientPubkey, tagValue(ev, "p"))

	shared, err := nip04.ComputeSharedSecret(conn.WalletPubkey, conn.ClientSecret)
	require.NoError(t, err)
	plaintext, err := nip04.Decrypt(ev.Content, shared)
	require.NoError(t, err)

	var notification struct {
		NotificationType NotificationKind `json:"notification_type"`
		Notification     Transaction      `json:"notification"`
	}
	require.NoError(t, json.Unmarshal([]byte(plaintext), &notification))
	require.Equal(t, NotificationPaymentReceived, notification.NotificationType)
	require.Equal(t, "feed", notification.Notification.PaymentHash)
	require.EqualValues(t, 1000, notification.Notification.Amount)
}

func TestNotifyAllReachesEveryConnection(t *testing.T) {
	notifier, publisher, service := newTestNotifier(t)
	alice := pairClient(t, service)
	bob := pairClient(t, service)

	notifier.NotifyAll(context.Background(), NotificationPaymentSent, Transaction{PaymentHash: "cc"})

	events := publisher.all()
	require.Len(t, events, 2)

	recipients := []string{tagValue(events[0], "p"), tagValue(events[1], "p")}
	require.ElementsMatch(t, []string{alice.ClientPubkey, bob.ClientPubkey}, recipients)

	for _, ev := range events {
		require.True(t, nostr.IsValid32ByteHex(ev.PubKey))
		require.Equal(t, KindNWCNotification, ev.Kind)
	}
}
