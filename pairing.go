package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/nbd-wtf/go-nostr"
	"github.com/skip2/go-qrcode"
)

const connectionScheme = "nostr+walletconnect"

var (
	ErrBadScheme     = errors.New("connection string: incorrect scheme")
	ErrInvalidPubkey = errors.New("connection string: invalid wallet public key")
	ErrMissingRelay  = errors.New("connection string: missing relay parameter")
	ErrInvalidSecret = errors.New("connection string: missing or invalid secret parameter")
)

// ConnectionString is the out-of-band pairing payload a client imports.
type ConnectionString struct {
	WalletPubkey string
	Secret       string
	Relays       []string
	LUD16        string
}

// GenerateConnectionString encodes
// nostr+walletconnect://<pubkey>?relay=...&secret=...[&lud16=...].
func GenerateConnectionString(cs ConnectionString) string {
	var sb strings.Builder
	sb.WriteString(connectionScheme)
	sb.WriteString("://")
	sb.WriteString(cs.WalletPubkey)
	sb.WriteString("?")

	params := url.Values{}
	for _, relay := range cs.Relays {
		params.Add("relay", relay)
	}
	params.Set("secret", cs.Secret)
	if cs.LUD16 != "" {
		params.Set("lud16", cs.LUD16)
	}
	sb.WriteString(params.Encode())

	return sb.String()
}

// ParseConnectionString is the inverse of GenerateConnectionString.
// Failures are the structured Err* values above, not bare parse errors.
func ParseConnectionString(uri string) (*ConnectionString, error) {
	p, err := url.Parse(uri)
	if err != nil {
		return nil, ErrBadScheme
	}
	if p.Scheme != connectionScheme {
		return nil, ErrBadScheme
	}
	if !nostr.IsValid32ByteHex(p.Host) {
		return nil, ErrInvalidPubkey
	}

	query := p.Query()
	relays := query["relay"]
	if len(relays) == 0 {
		return nil, ErrMissingRelay
	}
	secret := query.Get("secret")
	if !nostr.IsValid32ByteHex(secret) {
		return nil, ErrInvalidSecret
	}

	return &ConnectionString{
		WalletPubkey: p.Host,
		Secret:       secret,
		Relays:       relays,
		LUD16:        query.Get("lud16"),
	}, nil
}

type ConnectionHandler struct {
	Validator *validator.Validate
	service   *ConnectionService
	registry  *ConnectionRegistry
	relays    []string
}

func NewConnectionHandler(service *ConnectionService, registry *ConnectionRegistry, relays []string) *ConnectionHandler {
	return &ConnectionHandler{
		Validator: validator.New(),
		service:   service,
		registry:  registry,
		relays:    relays,
	}
}

func (h *ConnectionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Relays      []string `json:"relays" validate:"omitempty,dive,url"`
		Permissions []string `json:"permissions" validate:"omitempty,dive,oneof=pay_invoice multi_pay_invoice pay_keysend multi_pay_keysend make_invoice lookup_invoice list_transactions get_balance get_info"`
		LUD16       string   `json:"lud16" validate:"omitempty,email"`
	}

	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		JsonResponse(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}

	if err := h.Validator.Struct(input); err != nil {
		JsonResponse(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}

	relays := input.Relays
	if len(relays) == 0 {
		relays = h.relays
	}

	permissions := make([]Method, 0, len(input.Permissions))
	for _, p := range input.Permissions {
		permissions = append(permissions, Method(p))
	}

	conn, uri, err := h.service.Pair(relays, permissions, input.LUD16)
	if err != nil {
		JsonResponse(w, http.StatusInternalServerError, "Error creating connection", err.Error())
		return
	}

	JsonResponse(w, http.StatusCreated, "Connection created successfully", map[string]interface{}{
		"connection":        conn,
		"connection_string": uri,
	})
}

func (h *ConnectionHandler) GetAll(w http.ResponseWriter, r *http.Request) {
	JsonResponse(w, http.StatusOK, "Connections retrieved successfully", h.registry.All())
}

// QR renders the connection string of a paired client as a PNG, for the
// wallet UI to display during pairing.
func (h *ConnectionHandler) QR(w http.ResponseWriter, r *http.Request) {
	clientPubkey := chi.URLParam(r, "pubkey")

	conn, ok := h.registry.Lookup(clientPubkey)
	if !ok {
		JsonResponse(w, http.StatusNotFound, "Connection not found", nil)
		return
	}

	uri := GenerateConnectionString(ConnectionString{
		WalletPubkey: conn.WalletPubkey,
		Secret:       conn.ClientSecret,
		Relays:       conn.Relays,
		LUD16:        conn.LUD16,
	})

	png, err := qrcode.Encode(uri, qrcode.Medium, 256)
	if err != nil {
		JsonResponse(w, http.StatusInternalServerError, "Error generating QR code", err.Error())
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}
