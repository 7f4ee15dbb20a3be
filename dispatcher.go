package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// RelayPublisher is the one relay-side primitive the bridge needs besides
// a subscription: fire-and-forget publication of a signed event.
type RelayPublisher interface {
	Publish(ctx context.Context, ev nostr.Event)
}

type poolPublisher struct {
	pool   *nostr.SimplePool
	relays []string
}

func (p *poolPublisher) Publish(ctx context.Context, ev nostr.Event) {
	p.pool.PublishMany(ctx, p.relays, ev)
}

const (
	dispatchTimeout = 30 * time.Second
	publishTimeout  = 10 * time.Second
	inboundBuffer   = 64
)

// Dispatcher consumes kind-23194 request events, authorizes them against
// the connection registry, executes them on the wallet backend and
// publishes encrypted kind-23195 responses correlated by `e` tag.
type Dispatcher struct {
	keys      *KeyStore
	registry  *ConnectionRegistry
	backend   WalletBackend
	publisher RelayPublisher

	pool   *nostr.SimplePool
	relays []string

	events  chan nostr.Event
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
}

func NewDispatcher(keys *KeyStore, registry *ConnectionRegistry, backend WalletBackend, publisher RelayPublisher) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		keys:      keys,
		registry:  registry,
		backend:   backend,
		publisher: publisher,
		events:    make(chan nostr.Event, inboundBuffer),
		timeout:   dispatchTimeout,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// NewRelayDispatcher wires a Dispatcher to a SimplePool subscription over
// the given relays.
func NewRelayDispatcher(keys *KeyStore, registry *ConnectionRegistry, backend WalletBackend, relays []string) *Dispatcher {
	d := NewDispatcher(keys, registry, backend, nil)
	d.pool = nostr.NewSimplePool(d.ctx)
	d.relays = relays
	d.publisher = &poolPublisher{pool: d.pool, relays: relays}
	return d
}

func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Methods returns the advertised capability list; get_info and the 13194
// info event must always agree with it.
func (d *Dispatcher) Methods() []string {
	return MethodNames(SupportedMethods)
}

func (d *Dispatcher) Notifications() []string {
	return NotificationNames(SupportedNotifications)
}

// PublishInfoEvent announces the bridge's capabilities as a kind-13194
// event: space-separated methods in the content, notification kinds in
// the `notifications` tag.
func (d *Dispatcher) PublishInfoEvent(ctx context.Context) error {
	ev := nostr.Event{
		Kind:      nostr.KindNWCWalletInfo,
		PubKey:    d.keys.WalletPublicKey(),
		CreatedAt: nostr.Now(),
		Content:   strings.Join(d.Methods(), " "),
		Tags: nostr.Tags{
			nostr.Tag{"notifications", strings.Join(d.Notifications(), " ")},
			nostr.Tag{"encryption", "nip04"},
		},
	}

	if err := d.keys.Sign(&ev); err != nil {
		return fmt.Errorf("failed to sign info event: %w", err)
	}

	d.publisher.Publish(ctx, ev)
	return nil
}

// Start subscribes to request events addressed to the wallet pubkey and
// begins dispatching. Every inbound event runs its full pipeline in its
// own goroutine; clients correlate by `e` tag, not by ordering.
func (d *Dispatcher) Start() {
	since := nostr.Now()
	filter := nostr.Filter{
		Kinds: []int{nostr.KindNWCWalletRequest},
		Since: &since,
		Tags:  nostr.TagMap{"p": []string{d.keys.WalletPublicKey()}},
	}

	sub := d.pool.SubscribeMany(d.ctx, d.relays, filter)

	go func() {
		for event := range sub {
			if event.Event == nil {
				continue
			}
			select {
			case d.events <- *event.Event:
			case <-d.ctx.Done():
				return
			}
		}
	}()

	go d.run()
	d.running.Store(true)

	log.WithFields(log.Fields{
		"pubkey": d.keys.WalletPublicKey(),
		"relays": d.relays,
	}).Info("Wallet service listening for requests")
}

func (d *Dispatcher) run() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case ev := <-d.events:
			go d.handleEvent(ev)
		}
	}
}

// Stop cancels the relay subscription and in-flight dispatches. The
// registry is discarded by the caller only after Stop returns.
func (d *Dispatcher) Stop() {
	d.running.Store(false)
	d.cancel()
}

func (d *Dispatcher) handleEvent(ev nostr.Event) {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	conn, ok := d.registry.Lookup(ev.PubKey)
	if !ok {
		// Unknown sender: no connection, but the shared secret is still
		// derivable from the event pubkey, so the rejection can be
		// delivered encrypted.
		secret, err := d.keys.SharedSecret(ev.PubKey)
		if err != nil {
			log.WithField("pubkey", ev.PubKey).Debug("Dropping request with invalid sender pubkey")
			return
		}
		d.publishResponse(ev.PubKey, secret, ev.ID, Response{
			Error: &ResponseError{Code: ErrCodeUnauthorized, Message: "connection not found"},
		}, "")
		return
	}

	plaintext, err := DecryptContent(conn.SharedSecret, ev.Content)
	if err != nil {
		log.WithError(err).WithField("client", ev.PubKey).Warn("Failed to decrypt request")
		d.publishResponse(conn.ClientPubkey, conn.SharedSecret, ev.ID, Response{
			Error: &ResponseError{Code: ErrCodeInternal, Message: "failed to decrypt request"},
		}, "")
		return
	}

	method := Method(gjson.Get(plaintext, "method").String())

	var request Request
	if err := json.Unmarshal([]byte(plaintext), &request); err != nil {
		d.publishResponse(conn.ClientPubkey, conn.SharedSecret, ev.ID, Response{
			ResultType: method,
			Error:      &ResponseError{Code: ErrCodeInternal, Message: "failed to parse request"},
		}, "")
		return
	}

	if !IsSupportedMethod(request.Method) {
		d.publishResponse(conn.ClientPubkey, conn.SharedSecret, ev.ID, Response{
			ResultType: request.Method,
			Error:      &ResponseError{Code: ErrCodeNotImplemented, Message: "method is not supported by this wallet service"},
		}, "")
		return
	}

	if !conn.Allows(request.Method) {
		d.publishResponse(conn.ClientPubkey, conn.SharedSecret, ev.ID, Response{
			ResultType: request.Method,
			Error:      &ResponseError{Code: ErrCodeRestricted, Message: "connection does not permit this method"},
		}, "")
		return
	}

	switch request.Method {
	case MethodMultiPayInvoice:
		d.handleMultiPayInvoice(ctx, conn, ev, request)
	case MethodMultiPayKeysend:
		d.handleMultiPayKeysend(ctx, conn, ev, request)
	default:
		result, err := d.execute(ctx, request)
		d.publishResponse(conn.ClientPubkey, conn.SharedSecret, ev.ID, buildResponse(request.Method, result, err), "")
	}
}

// execute runs a single-response method against the backend.
func (d *Dispatcher) execute(ctx context.Context, request Request) (interface{}, error) {
	switch request.Method {
	case MethodGetInfo:
		return d.getInfo(ctx)
	case MethodGetBalance:
		balance, err := d.backend.GetBalance(ctx)
		if err != nil {
			return nil, err
		}
		return &GetBalanceResult{Balance: balance}, nil
	case MethodMakeInvoice:
		var params MakeInvoiceParams
		if err := json.Unmarshal(request.Params, &params); err != nil {
			return nil, fmt.Errorf("failed to parse make_invoice params: %w", err)
		}
		return d.backend.MakeInvoice(ctx, params)
	case MethodPayInvoice:
		var params PayInvoiceParams
		if err := json.Unmarshal(request.Params, &params); err != nil {
			return nil, fmt.Errorf("failed to parse pay_invoice params: %w", err)
		}
		return d.backend.PayInvoice(ctx, params)
	case MethodPayKeysend:
		var params PayKeysendParams
		if err := json.Unmarshal(request.Params, &params); err != nil {
			return nil, fmt.Errorf("failed to parse pay_keysend params: %w", err)
		}
		return d.backend.PayKeysend(ctx, params)
	case MethodLookupInvoice:
		var params LookupInvoiceParams
		if err := json.Unmarshal(request.Params, &params); err != nil {
			return nil, fmt.Errorf("failed to parse lookup_invoice params: %w", err)
		}
		return d.backend.LookupInvoice(ctx, params)
	case MethodListTransactions:
		var params ListTransactionsParams
		if err := json.Unmarshal(request.Params, &params); err != nil {
			return nil, fmt.Errorf("failed to parse list_transactions params: %w", err)
		}
		transactions, err := d.backend.ListTransactions(ctx, params)
		if err != nil {
			return nil, err
		}
		return &ListTransactionsResult{Transactions: transactions}, nil
	default:
		return nil, NewBackendError(ErrCodeNotImplemented, "method is not supported by this wallet service")
	}
}

func (d *Dispatcher) getInfo(ctx context.Context) (*GetInfoResult, error) {
	info, err := d.backend.GetNodeInfo(ctx)
	if err != nil {
		return nil, err
	}
	return &GetInfoResult{
		Alias:         info.Alias,
		Pubkey:        info.Pubkey,
		Network:       info.Network,
		BlockHeight:   info.BlockHeight,
		Methods:       d.Methods(),
		Notifications: d.Notifications(),
	}, nil
}

// handleMultiPayInvoice publishes one response per inner invoice, each
// carrying a `d` tag so the client can match partial outcomes.
func (d *Dispatcher) handleMultiPayInvoice(ctx context.Context, conn *Connection, ev nostr.Event, request Request) {
	var params MultiPayInvoiceParams
	if err := json.Unmarshal(request.Params, &params); err != nil {
		d.publishResponse(conn.ClientPubkey, conn.SharedSecret, ev.ID, Response{
			ResultType: request.Method,
			Error:      &ResponseError{Code: ErrCodeInternal, Message: "failed to parse multi_pay_invoice params"},
		}, "")
		return
	}

	for _, entry := range params.Invoices {
		result, err := d.backend.PayInvoice(ctx, PayInvoiceParams{Invoice: entry.Invoice, Amount: entry.Amount})
		id := entry.ID
		if id == "" && result != nil {
			id = result.PaymentHash
		}
		d.publishResponse(conn.ClientPubkey, conn.SharedSecret, ev.ID, buildResponse(request.Method, responseValue(result, err), err), id)
	}
}

func (d *Dispatcher) handleMultiPayKeysend(ctx context.Context, conn *Connection, ev nostr.Event, request Request) {
	var params MultiPayKeysendParams
	if err := json.Unmarshal(request.Params, &params); err != nil {
		d.publishResponse(conn.ClientPubkey, conn.SharedSecret, ev.ID, Response{
			ResultType: request.Method,
			Error:      &ResponseError{Code: ErrCodeInternal, Message: "failed to parse multi_pay_keysend params"},
		}, "")
		return
	}

	for _, entry := range params.Keysends {
		result, err := d.backend.PayKeysend(ctx, entry.PayKeysendParams)
		id := entry.ID
		if id == "" && result != nil {
			id = result.PaymentHash
		}
		d.publishResponse(conn.ClientPubkey, conn.SharedSecret, ev.ID, buildResponse(request.Method, responseValue(result, err), err), id)
	}
}

// responseValue keeps a typed nil pointer out of the response's Result
// field when the call failed.
func responseValue(result *PayInvoiceResult, err error) interface{} {
	if err != nil || result == nil {
		return nil
	}
	return result
}

// buildResponse wraps a backend outcome into a protocol response, mapping
// failures onto the closed error taxonomy.
func buildResponse(method Method, result interface{}, err error) Response {
	if err != nil {
		return Response{
			ResultType: method,
			Error:      &ResponseError{Code: errorCodeFor(err), Message: err.Error()},
		}
	}
	return Response{ResultType: method, Result: result}
}

func errorCodeFor(err error) ErrorCode {
	var backendErr *BackendError
	if errors.As(err, &backendErr) {
		return backendErr.Code
	}
	// Parse failures, dispatch timeouts and anything unclassified.
	return ErrCodeInternal
}

// publishResponse encrypts a response for the client and publishes it as a
// kind-23195 event tagged p=<client> and e=<request id>, plus an optional
// d tag for multi-payment entries.
func (d *Dispatcher) publishResponse(clientPubkey string, sharedSecret []byte, requestID string, response Response, dTag string) {
	payload, err := json.Marshal(response)
	if err != nil {
		log.WithError(err).Error("Failed to marshal response")
		return
	}

	encrypted, err := EncryptContent(sharedSecret, string(payload))
	if err != nil {
		log.WithError(err).Error("Failed to encrypt response")
		return
	}

	tags := nostr.Tags{
		nostr.Tag{"p", clientPubkey},
		nostr.Tag{"e", requestID},
	}
	if dTag != "" {
		tags = append(tags, nostr.Tag{"d", dTag})
	}

	ev := nostr.Event{
		Kind:      nostr.KindNWCWalletResponse,
		PubKey:    d.keys.WalletPublicKey(),
		CreatedAt: nostr.Now(),
		Content:   encrypted,
		Tags:      tags,
	}

	if err := d.keys.Sign(&ev); err != nil {
		log.WithError(err).Error("Failed to sign response event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	d.publisher.Publish(ctx, ev)
}
