package main

import "encoding/json"

// KindNWCNotification is the NIP-47 notification event kind. go-nostr ships
// constants for 13194/23194/23195 but not this one.
const KindNWCNotification = 23196

type Method string

const (
	MethodPayInvoice       Method = "pay_invoice"
	MethodMultiPayInvoice  Method = "multi_pay_invoice"
	MethodPayKeysend       Method = "pay_keysend"
	MethodMultiPayKeysend  Method = "multi_pay_keysend"
	MethodMakeInvoice      Method = "make_invoice"
	MethodLookupInvoice    Method = "lookup_invoice"
	MethodListTransactions Method = "list_transactions"
	MethodGetBalance       Method = "get_balance"
	MethodGetInfo          Method = "get_info"
)

// SupportedMethods is the single source of truth for the bridge's
// capabilities: the 13194 info event, get_info responses and the status
// endpoint all derive from it.
var SupportedMethods = []Method{
	MethodPayInvoice,
	MethodMultiPayInvoice,
	MethodPayKeysend,
	MethodMultiPayKeysend,
	MethodMakeInvoice,
	MethodLookupInvoice,
	MethodListTransactions,
	MethodGetBalance,
	MethodGetInfo,
}

func IsSupportedMethod(m Method) bool {
	for _, s := range SupportedMethods {
		if s == m {
			return true
		}
	}
	return false
}

func MethodNames(methods []Method) []string {
	names := make([]string, len(methods))
	for i, m := range methods {
		names[i] = string(m)
	}
	return names
}

type ErrorCode string

const (
	ErrCodeRateLimited         ErrorCode = "RATE_LIMITED"
	ErrCodeNotImplemented      ErrorCode = "NOT_IMPLEMENTED"
	ErrCodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
	ErrCodeQuotaExceeded       ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeRestricted          ErrorCode = "RESTRICTED"
	ErrCodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	ErrCodeInternal            ErrorCode = "INTERNAL"
	ErrCodeOther               ErrorCode = "OTHER"
	ErrCodePaymentFailed       ErrorCode = "PAYMENT_FAILED"
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"
)

type NotificationKind string

const (
	NotificationPaymentReceived NotificationKind = "payment_received"
	NotificationPaymentSent     NotificationKind = "payment_sent"
)

var SupportedNotifications = []NotificationKind{
	NotificationPaymentReceived,
	NotificationPaymentSent,
}

func NotificationNames(kinds []NotificationKind) []string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return names
}

// Request is the decrypted content of a kind-23194 event.
type Request struct {
	Method Method          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response is the plaintext of a kind-23195 event. Exactly one of
// Result/Error is set.
type Response struct {
	ResultType Method         `json:"result_type"`
	Result     interface{}    `json:"result,omitempty"`
	Error      *ResponseError `json:"error,omitempty"`
}

type ResponseError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Notification is the plaintext of a kind-23196 event, pushed without a
// corresponding request.
type Notification struct {
	NotificationType NotificationKind `json:"notification_type"`
	Notification     interface{}      `json:"notification"`
}

type PayInvoiceParams struct {
	Invoice string `json:"invoice"`
	Amount  *int64 `json:"amount,omitempty"`
}

type PayInvoiceResult struct {
	Preimage    string `json:"preimage,omitempty"`
	PaymentHash string `json:"payment_hash"`
	FeesPaid    int64  `json:"fees_paid,omitempty"`
}

type MultiPayInvoiceEntry struct {
	ID      string `json:"id,omitempty"`
	Invoice string `json:"invoice"`
	Amount  *int64 `json:"amount,omitempty"`
}

type MultiPayInvoiceParams struct {
	Invoices []MultiPayInvoiceEntry `json:"invoices"`
}

type TLVRecord struct {
	Type  uint64 `json:"type"`
	Value string `json:"value"`
}

type PayKeysendParams struct {
	Amount     int64       `json:"amount"`
	Pubkey     string      `json:"pubkey"`
	Preimage   string      `json:"preimage,omitempty"`
	TLVRecords []TLVRecord `json:"tlv_records,omitempty"`
}

type MultiPayKeysendEntry struct {
	ID string `json:"id,omitempty"`
	PayKeysendParams
}

type MultiPayKeysendParams struct {
	Keysends []MultiPayKeysendEntry `json:"keysends"`
}

type MakeInvoiceParams struct {
	Amount          int64  `json:"amount"`
	Description     string `json:"description,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
	Expiry          int64  `json:"expiry,omitempty"`
	AssetID         string `json:"asset_id,omitempty"`
	AssetAmount     uint64 `json:"asset_amount,omitempty"`
}

type MakeInvoiceResult struct {
	Type            string `json:"type"`
	Invoice         string `json:"invoice"`
	Description     string `json:"description,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
	PaymentHash     string `json:"payment_hash"`
	Amount          int64  `json:"amount"`
	CreatedAt       int64  `json:"created_at"`
	ExpiresAt       int64  `json:"expires_at"`
}

type LookupInvoiceParams struct {
	PaymentHash string `json:"payment_hash,omitempty"`
	Invoice     string `json:"invoice,omitempty"`
}

type Transaction struct {
	Type            string `json:"type"`
	Invoice         string `json:"invoice,omitempty"`
	Description     string `json:"description,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
	Preimage        string `json:"preimage,omitempty"`
	PaymentHash     string `json:"payment_hash"`
	Amount          int64  `json:"amount"`
	FeesPaid        int64  `json:"fees_paid,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	ExpiresAt       int64  `json:"expires_at,omitempty"`
	SettledAt       int64  `json:"settled_at,omitempty"`
}

type ListTransactionsParams struct {
	From   int64  `json:"from,omitempty"`
	To     int64  `json:"to,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
	Unpaid bool   `json:"unpaid,omitempty"`
	Type   string `json:"type,omitempty"`
}

type ListTransactionsResult struct {
	Transactions []Transaction `json:"transactions"`
}

type GetBalanceResult struct {
	Balance int64 `json:"balance"`
}

type GetInfoResult struct {
	Alias         string   `json:"alias,omitempty"`
	Pubkey        string   `json:"pubkey"`
	Network       string   `json:"network,omitempty"`
	BlockHeight   uint32   `json:"block_height,omitempty"`
	Methods       []string `json:"methods"`
	Notifications []string `json:"notifications"`
}
