package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WalletBackend is the set of node operations the dispatcher invokes.
type WalletBackend interface {
	PayInvoice(ctx context.Context, params PayInvoiceParams) (*PayInvoiceResult, error)
	PayKeysend(ctx context.Context, params PayKeysendParams) (*PayInvoiceResult, error)
	MakeInvoice(ctx context.Context, params MakeInvoiceParams) (*MakeInvoiceResult, error)
	LookupInvoice(ctx context.Context, params LookupInvoiceParams) (*Transaction, error)
	ListTransactions(ctx context.Context, params ListTransactionsParams) ([]Transaction, error)
	GetBalance(ctx context.Context) (int64, error)
	GetNodeInfo(ctx context.Context) (*NodeInfo, error)
}

type NodeInfo struct {
	Pubkey      string `json:"pubkey"`
	Network     string `json:"network,omitempty"`
	BlockHeight uint32 `json:"block_height,omitempty"`
	Alias       string `json:"alias,omitempty"`
}

// BackendError carries the protocol error code a failed node call maps to.
type BackendError struct {
	Code    ErrorCode
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewBackendError(code ErrorCode, message string) *BackendError {
	return &BackendError{Code: code, Message: message}
}

const defaultInvoiceExpiry = 3600

// NodeBackend talks to the RGB Lightning node's HTTP API.
type NodeBackend struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewNodeBackend(baseURL, token string) *NodeBackend {
	return &NodeBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 25 * time.Second},
	}
}

func (b *NodeBackend) call(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reqBody)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("node request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = fmt.Sprintf("node returned status %d", resp.StatusCode)
		}
		return resp.StatusCode, fmt.Errorf("%s", apiErr.Error)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode node response: %w", err)
		}
	}

	return resp.StatusCode, nil
}

func (b *NodeBackend) PayInvoice(ctx context.Context, params PayInvoiceParams) (*PayInvoiceResult, error) {
	request := struct {
		Invoice string `json:"invoice"`
		AmtMsat *int64 `json:"amt_msat,omitempty"`
	}{
		Invoice: params.Invoice,
		AmtMsat: params.Amount,
	}

	var result struct {
		PaymentHash string `json:"payment_hash"`
		Preimage    string `json:"payment_preimage"`
		FeeMsat     int64  `json:"fee_msat"`
		Status      string `json:"status"`
	}

	if _, err := b.call(ctx, http.MethodPost, "/sendpayment", request, &result); err != nil {
		return nil, NewBackendError(ErrCodePaymentFailed, err.Error())
	}

	if result.Status == "Failed" {
		return nil, NewBackendError(ErrCodePaymentFailed, "payment failed")
	}

	return &PayInvoiceResult{
		Preimage:    result.Preimage,
		PaymentHash: result.PaymentHash,
		FeesPaid:    result.FeeMsat,
	}, nil
}

func (b *NodeBackend) PayKeysend(ctx context.Context, params PayKeysendParams) (*PayInvoiceResult, error) {
	request := struct {
		DestPubkey string      `json:"dest_pubkey"`
		AmtMsat    int64       `json:"amt_msat"`
		Preimage   string      `json:"preimage,omitempty"`
		TLVRecords []TLVRecord `json:"tlv_records,omitempty"`
	}{
		DestPubkey: params.Pubkey,
		AmtMsat:    params.Amount,
		Preimage:   params.Preimage,
		TLVRecords: params.TLVRecords,
	}

	var result struct {
		PaymentHash string `json:"payment_hash"`
		Preimage    string `json:"payment_preimage"`
		FeeMsat     int64  `json:"fee_msat"`
	}

	status, err := b.call(ctx, http.MethodPost, "/keysend", request, &result)
	if err != nil {
		if status == http.StatusNotFound || status == http.StatusNotImplemented {
			return nil, NewBackendError(ErrCodeNotImplemented, "keysend is not supported by this node")
		}
		return nil, NewBackendError(ErrCodePaymentFailed, err.Error())
	}

	return &PayInvoiceResult{
		Preimage:    result.Preimage,
		PaymentHash: result.PaymentHash,
		FeesPaid:    result.FeeMsat,
	}, nil
}

func (b *NodeBackend) MakeInvoice(ctx context.Context, params MakeInvoiceParams) (*MakeInvoiceResult, error) {
	expiry := params.Expiry
	if expiry <= 0 {
		expiry = defaultInvoiceExpiry
	}

	request := struct {
		AmtMsat     int64  `json:"amt_msat"`
		ExpirySec   int64  `json:"expiry_sec"`
		Description string `json:"description,omitempty"`
		AssetID     string `json:"asset_id,omitempty"`
		AssetAmount uint64 `json:"asset_amount,omitempty"`
	}{
		AmtMsat:     params.Amount,
		ExpirySec:   expiry,
		Description: params.Description,
		AssetID:     params.AssetID,
		AssetAmount: params.AssetAmount,
	}

	var result struct {
		Invoice     string `json:"invoice"`
		PaymentHash string `json:"payment_hash"`
	}

	if _, err := b.call(ctx, http.MethodPost, "/lninvoice", request, &result); err != nil {
		return nil, NewBackendError(ErrCodeInternal, err.Error())
	}

	now := time.Now().Unix()
	return &MakeInvoiceResult{
		Type:            "incoming",
		Invoice:         result.Invoice,
		Description:     params.Description,
		DescriptionHash: params.DescriptionHash,
		PaymentHash:     result.PaymentHash,
		Amount:          params.Amount,
		CreatedAt:       now,
		ExpiresAt:       now + expiry,
	}, nil
}

func (b *NodeBackend) LookupInvoice(ctx context.Context, params LookupInvoiceParams) (*Transaction, error) {
	request := struct {
		PaymentHash string `json:"payment_hash,omitempty"`
		Invoice     string `json:"invoice,omitempty"`
	}{
		PaymentHash: params.PaymentHash,
		Invoice:     params.Invoice,
	}

	var result Transaction
	status, err := b.call(ctx, http.MethodPost, "/invoicestatus", request, &result)
	if err != nil {
		if status == http.StatusNotFound {
			return nil, NewBackendError(ErrCodeNotFound, "invoice not found")
		}
		return nil, NewBackendError(ErrCodeInternal, err.Error())
	}

	return &result, nil
}

func (b *NodeBackend) ListTransactions(ctx context.Context, params ListTransactionsParams) ([]Transaction, error) {
	var result struct {
		Payments []Transaction `json:"payments"`
	}

	status, err := b.call(ctx, http.MethodGet, "/listpayments", nil, &result)
	if err != nil {
		// Older nodes don't expose payment history; an empty list is a
		// legitimate answer.
		if status == http.StatusNotFound || status == http.StatusNotImplemented {
			return []Transaction{}, nil
		}
		return nil, NewBackendError(ErrCodeInternal, err.Error())
	}

	transactions := result.Payments
	if transactions == nil {
		transactions = []Transaction{}
	}
	return filterTransactions(transactions, params), nil
}

func filterTransactions(transactions []Transaction, params ListTransactionsParams) []Transaction {
	filtered := make([]Transaction, 0, len(transactions))
	for _, tx := range transactions {
		if params.From > 0 && tx.CreatedAt < params.From {
			continue
		}
		if params.To > 0 && tx.CreatedAt > params.To {
			continue
		}
		if params.Type != "" && tx.Type != params.Type {
			continue
		}
		if !params.Unpaid && tx.SettledAt == 0 && tx.Type == "incoming" {
			continue
		}
		filtered = append(filtered, tx)
	}

	if params.Offset > 0 {
		if params.Offset >= len(filtered) {
			return []Transaction{}
		}
		filtered = filtered[params.Offset:]
	}
	if params.Limit > 0 && params.Limit < len(filtered) {
		filtered = filtered[:params.Limit]
	}
	return filtered
}

func (b *NodeBackend) GetBalance(ctx context.Context) (int64, error) {
	var result struct {
		Vanilla struct {
			SettledSats   int64 `json:"settled"`
			FutureSats    int64 `json:"future"`
			SpendableSats int64 `json:"spendable"`
		} `json:"vanilla"`
	}

	if _, err := b.call(ctx, http.MethodGet, "/btcbalance", nil, &result); err != nil {
		return 0, NewBackendError(ErrCodeInternal, err.Error())
	}

	return result.Vanilla.SpendableSats * 1000, nil
}

func (b *NodeBackend) GetNodeInfo(ctx context.Context) (*NodeInfo, error) {
	var result struct {
		Pubkey      string `json:"pubkey"`
		Network     string `json:"network"`
		BlockHeight uint32 `json:"block_height"`
		Alias       string `json:"alias"`
	}

	if _, err := b.call(ctx, http.MethodGet, "/nodeinfo", nil, &result); err != nil {
		return nil, NewBackendError(ErrCodeInternal, err.Error())
	}

	return &NodeInfo{
		Pubkey:      result.Pubkey,
		Network:     result.Network,
		BlockHeight: result.BlockHeight,
		Alias:       result.Alias,
	}, nil
}
