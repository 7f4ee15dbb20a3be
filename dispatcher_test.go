package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu    sync.Mutex
	calls []string

	balance           int64
	nodePubkey        string
	payErr            error
	keysendErr        error
	lookupResult      *Transaction
	lookupErr         error
	transactions      []Transaction
	blockUntilCtxDone bool
}

func (b *fakeBackend) record(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, name)
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *fakeBackend) PayInvoice(ctx context.Context, params PayInvoiceParams) (*PayInvoiceResult, error) {
	b.record("pay_invoice")
	if b.payErr != nil {
		return nil, b.payErr
	}
	return &PayInvoiceResult{Preimage: "00ff", PaymentHash: "hash-" + params.Invoice}, nil
}

func (b *fakeBackend) PayKeysend(ctx context.Context, params PayKeysendParams) (*PayInvoiceResult, error) {
	b.record("pay_keysend")
	if b.keysendErr != nil {
		return nil, b.keysendErr
	}
	return &PayInvoiceResult{PaymentHash: "keysend-" + params.Pubkey}, nil
}

func (b *fakeBackend) MakeInvoice(ctx context.Context, params MakeInvoiceParams) (*MakeInvoiceResult, error) {
	b.record("make_invoice")
	expiry := params.Expiry
	if expiry <= 0 {
		expiry = defaultInvoiceExpiry
	}
	now := time.Now().Unix()
	return &MakeInvoiceResult{
		Type:        "incoming",
		Invoice:     fmt.Sprintf("lnbcrt%d", params.Amount),
		Description: params.Description,
		PaymentHash: "abcd1234",
		Amount:      params.Amount,
		CreatedAt:   now,
		ExpiresAt:   now + expiry,
	}, nil
}

func (b *fakeBackend) LookupInvoice(ctx context.Context, params LookupInvoiceParams) (*Transaction, error) {
	b.record("lookup_invoice")
	if b.lookupErr != nil {
		return nil, b.lookupErr
	}
	return b.lookupResult, nil
}

func (b *fakeBackend) ListTransactions(ctx context.Context, params ListTransactionsParams) ([]Transaction, error) {
	b.record("list_transactions")
	return b.transactions, nil
}

func (b *fakeBackend) GetBalance(ctx context.Context) (int64, error) {
	b.record("get_balance")
	if b.blockUntilCtxDone {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return b.balance, nil
}

func (b *fakeBackend) GetNodeInfo(ctx context.Context) (*NodeInfo, error) {
	b.record("get_info")
	return &NodeInfo{Pubkey: b.nodePubkey, Network: "regtest"}, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []nostr.Event
}

func (p *capturePublisher) Publish(_ context.Context, ev nostr.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *capturePublisher) all() []nostr.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]nostr.Event{}, p.events...)
}

func (p *capturePublisher) single(t *testing.T) nostr.Event {
	t.Helper()
	events := p.all()
	require.Len(t, events, 1)
	return events[0]
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeBackend, *capturePublisher, *ConnectionService) {
	t.Helper()
	keys, err := NewKeyStore("")
	require.NoError(t, err)

	backend := &fakeBackend{balance: 21000, nodePubkey: "02abcdef"}
	publisher := &capturePublisher{}
	registry := NewConnectionRegistry()
	dispatcher := NewDispatcher(keys, registry, backend, publisher)
	service := NewConnectionService(keys, registry)
	return dispatcher, backend, publisher, service
}

func pairClient(t *testing.T, service *ConnectionService, permissions ...Method) *Connection {
	t.Helper()
	conn, _, err := service.Pair([]string{"wss://relay.example.com"}, permissions, "")
	require.NoError(t, err)
	return conn
}

func requestEvent(t *testing.T, conn *Connection, method Method, params interface{}) nostr.Event {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	payload, err := json.Marshal(Request{Method: method, Params: raw})
	require.NoError(t, err)

	shared, err := nip04.ComputeSharedSecret(conn.WalletPubkey, conn.ClientSecret)
	require.NoError(t, err)
	encrypted, err := nip04.Encrypt(string(payload), shared)
	require.NoError(t, err)

	ev := nostr.Event{
		Kind:      nostr.KindNWCWalletRequest,
		CreatedAt: nostr.Now(),
		Content:   encrypted,
		Tags:      nostr.Tags{nostr.Tag{"p", conn.WalletPubkey}},
	}
	require.NoError(t, ev.Sign(conn.ClientSecret))
	return ev
}

type responseEnvelope struct {
	ResultType string          `json:"result_type"`
	Result     json.RawMessage `json:"result"`
	Error      *ResponseError  `json:"error"`
}

func decryptResponse(t *testing.T, clientSecret, walletPubkey string, ev nostr.Event) responseEnvelope {
	t.Helper()
	shared, err := nip04.ComputeSharedSecret(walletPubkey, clientSecret)
	require.NoError(t, err)
	plaintext, err := nip04.Decrypt(ev.Content, shared)
	require.NoError(t, err)

	var resp responseEnvelope
	require.NoError(t, json.Unmarshal([]byte(plaintext), &resp))
	return resp
}

func tagValue(ev nostr.Event, name string) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

func TestUnknownSenderGetsUnauthorized(t *testing.T) {
	dispatcher, backend, publisher, _ := newTestDispatcher(t)

	strangerSecret := nostr.GeneratePrivateKey()
	stranger := &Connection{
		ClientSecret: strangerSecret,
		WalletPubkey: dispatcher.keys.WalletPublicKey(),
	}
	ev := requestEvent(t, stranger, MethodGetBalance, nil)

	dispatcher.handleEvent(ev)

	response := publisher.single(t)
	require.Equal(t, nostr.KindNWCWalletResponse, response.Kind)
	require.Equal(t, ev.ID, tagValue(response, "e"))

	resp := decryptResponse(t, strangerSecret, dispatcher.keys.WalletPublicKey(), response)
	require.NotNil(t, resp.Error)
	require.Equal(t, ErrCodeUnauthorized, resp.Error.Code)
	require.Zero(t, backend.callCount(), "backend must never run for unregistered senders")
}

func TestCorruptPayloadFromKnownSenderGetsInternal(t *testing.T) {
	dispatcher, backend, publisher, service := newTestDispatcher(t)
	conn := pairClient(t, service)

	ev := nostr.Event{
		Kind:      nostr.KindNWCWalletRequest,
		CreatedAt: nostr.Now(),
		Content:   "garbage?iv=garbage",
		Tags:      nostr.Tags{nostr.Tag{"p", conn.WalletPubkey}},
	}
	require.NoError(t, ev.Sign(conn.ClientSecret))

	dispatcher.handleEvent(ev)

	resp := decryptResponse(t, conn.ClientSecret, conn.WalletPubkey, publisher.single(t))
	require.NotNil(t, resp.Error)
	require.Equal(t, ErrCodeInternal, resp.Error.Code)
	require.Zero(t, backend.callCount())
}

func TestUnsupportedMethodGetsNotImplemented(t *testing.T) {
	dispatcher, _, publisher, service := newTestDispatcher(t)
	conn := pairClient(t, service)

	ev := requestEvent(t, conn, Method("sign_message"), map[string]string{"message": "hi"})
	dispatcher.handleEvent(ev)

	resp := decryptResponse(t, conn.ClientSecret, conn.WalletPubkey, publisher.single(t))
	require.NotNil(t, resp.Error)
	require.Equal(t, ErrCodeNotImplemented, resp.Error.Code)
}

func TestPermissionOutsideWhitelistGetsRestricted(t *testing.T) {
	dispatcher, backend, publisher, service := newTestDispatcher(t)
	conn := pairClient(t, service, MethodGetBalance)

	ev := requestEvent(t, conn, MethodPayInvoice, PayInvoiceParams{Invoice: "lnbcrt1"})
	dispatcher.handleEvent(ev)

	resp := decryptResponse(t, conn.ClientSecret, conn.WalletPubkey, publisher.single(t))
	require.NotNil(t, resp.Error)
	require.Equal(t, ErrCodeRestricted, resp.Error.Code)
	require.Equal(t, string(MethodPayInvoice), resp.ResultType)
	require.Zero(t, backend.callCount(), "restricted methods must not reach the backend")
}

func TestEmptyPermissionSetAllowsEverySupportedMethod(t *testing.T) {
	dispatcher, _, publisher, service := newTestDispatcher(t)
	conn := pairClient(t, service)

	ev := requestEvent(t, conn, MethodGetBalance, nil)
	dispatcher.handleEvent(ev)

	resp := decryptResponse(t, conn.ClientSecret, conn.WalletPubkey, publisher.single(t))
	require.Nil(t, resp.Error)

	var result GetBalanceResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.EqualValues(t, 21000, result.Balance)
}

func TestMakeInvoiceEchoesRequestedFields(t *testing.T) {
	dispatcher, _, publisher, service := newTestDispatcher(t)
	conn := pairClient(t, service)

	ev := requestEvent(t, conn, MethodMakeInvoice, MakeInvoiceParams{Amount: 5000})
	dispatcher.handleEvent(ev)

	resp := decryptResponse(t, conn.ClientSecret, conn.WalletPubkey, publisher.single(t))
	require.Nil(t, resp.Error)
	require.Equal(t, string(MethodMakeInvoice), resp.ResultType)

	var result MakeInvoiceResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.NotEmpty(t, result.Invoice)
	require.EqualValues(t, 5000, result.Amount)
	require.LessOrEqual(t, result.CreatedAt, result.ExpiresAt)
}

func TestPayInvoiceFailureMapsToPaymentFailed(t *testing.T) {
	dispatcher, backend, publisher, service := newTestDispatcher(t)
	backend.payErr = NewBackendError(ErrCodePaymentFailed, "invoice expired")
	conn := pairClient(t, service)

	ev := requestEvent(t, conn, MethodPayInvoice, PayInvoiceParams{Invoice: "lnbcrt-expired"})
	dispatcher.handleEvent(ev)

	resp := decryptResponse(t, conn.ClientSecret, conn.WalletPubkey, publisher.single(t))
	require.NotNil(t, resp.Error)
	require.Equal(t, ErrCodePaymentFailed, resp.Error.Code)
	require.Nil(t, resp.Result)
}

func TestGetInfoMatchesPublishedInfoEvent(t *testing.T) {
	dispatcher, _, publisher, service := newTestDispatcher(t)
	conn := pairClient(t, service)

	require.NoError(t, dispatcher.PublishInfoEvent(context.Background()))
	infoEvent := publisher.single(t)
	require.Equal(t, nostr.KindNWCWalletInfo, infoEvent.Kind)
	advertised := strings.Fields(infoEvent.Content)
	require.Equal(t, strings.Join(dispatcher.Notifications(), " "), tagValue(infoEvent, "notifications"))

	ev := requestEvent(t, conn, MethodGetInfo, nil)
	dispatcher.handleEvent(ev)

	events := publisher.all()
	require.Len(t, events, 2)
	resp := decryptResponse(t, conn.ClientSecret, conn.WalletPubkey, events[1])
	require.Nil(t, resp.Error)

	var result GetInfoResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Equal(t, advertised, result.Methods)
	require.Equal(t, "02abcdef", result.Pubkey)
	require.Equal(t, dispatcher.Notifications(), result.Notifications)
}

func TestConcurrentRequestsAreCorrelatedByRequestID(t *testing.T) {
	dispatcher, _, publisher, service := newTestDispatcher(t)
	alice := pairClient(t, service)
	bob := pairClient(t, service)

	aliceReq := requestEvent(t, alice, MethodGetBalance, nil)
	bobReq := requestEvent(t, bob, MethodGetBalance, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dispatcher.handleEvent(aliceReq)
	}()
	go func() {
		defer wg.Done()
		dispatcher.handleEvent(bobReq)
	}()
	wg.Wait()

	events := publisher.all()
	require.Len(t, events, 2)

	matched := 0
	for _, ev := range events {
		switch tagValue(ev, "p") {
		case alice.ClientPubkey:
			require.Equal(t, aliceReq.ID, tagValue(ev, "e"))
			resp := decryptResponse(t, alice.ClientSecret, alice.WalletPubkey, ev)
			require.Nil(t, resp.Error)
			matched++
		case bob.ClientPubkey:
			require.Equal(t, bobReq.ID, tagValue(ev, "e"))
			resp := decryptResponse(t, bob.ClientSecret, bob.WalletPubkey, ev)
			require.Nil(t, resp.Error)
			matched++
		}
	}
	require.Equal(t, 2, matched)
}

func TestMultiPayInvoicePublishesOneResponsePerEntry(t *testing.T) {
	dispatcher, _, publisher, service := newTestDispatcher(t)
	conn := pairClient(t, service)

	ev := requestEvent(t, conn, MethodMultiPayInvoice, MultiPayInvoiceParams{
		Invoices: []MultiPayInvoiceEntry{
			{ID: "first", Invoice: "lnbcrt-a"},
			{ID: "second", Invoice: "lnbcrt-b"},
		},
	})
	dispatcher.handleEvent(ev)

	events := publisher.all()
	require.Len(t, events, 2)

	ids := []string{}
	for _, response := range events {
		require.Equal(t, ev.ID, tagValue(response, "e"))
		ids = append(ids, tagValue(response, "d"))

		resp := decryptResponse(t, conn.ClientSecret, conn.WalletPubkey, response)
		require.Nil(t, resp.Error)
		require.Equal(t, string(MethodMultiPayInvoice), resp.ResultType)
	}
	require.ElementsMatch(t, []string{"first", "second"}, ids)
}

func TestHungBackendCallTimesOutWithInternal(t *testing.T) {
	dispatcher, backend, publisher, service := newTestDispatcher(t)
	backend.blockUntilCtxDone = true
	dispatcher.timeout = 50 * time.Millisecond
	conn := pairClient(t, service)

	ev := requestEvent(t, conn, MethodGetBalance, nil)
	dispatcher.handleEvent(ev)

	resp := decryptResponse(t, conn.ClientSecret, conn.WalletPubkey, publisher.single(t))
	require.NotNil(t, resp.Error)
	require.Equal(t, ErrCodeInternal, resp.Error.Code)
}
