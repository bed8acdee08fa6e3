package xrpl

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/fxrplabs/bridgebot/internal/domain"
)

// rippleEpochOffset converts ledger close times (seconds since 2000-01-01)
// to Unix time.
const rippleEpochOffset = 946684800

// command is an outbound request on the XRPL WebSocket. The same envelope
// covers subscribe/unsubscribe (Accounts) and account_tx (Account/Limit).
type command struct {
	ID       int64    `json:"id"`
	Command  string   `json:"command"`
	Accounts []string `json:"accounts,omitempty"`

	Account        string `json:"account,omitempty"`
	LedgerIndexMin int64  `json:"ledger_index_min,omitempty"`
	LedgerIndexMax int64  `json:"ledger_index_max,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// response is the generic reply envelope for request/response commands.
type response struct {
	ID     int64           `json:"id"`
	Status string          `json:"status"`
	Error  string          `json:"error"`
	Result json.RawMessage `json:"result"`
}

// txEnvelope is one message on the transactions stream. Depending on the
// server's API version the transaction body arrives under "transaction" or
// "tx_json"; NormalizePayment accepts either.
type txEnvelope struct {
	Type         string          `json:"type"`
	EngineResult string          `json:"engine_result"`
	Validated    *bool           `json:"validated"`
	LedgerIndex  uint64          `json:"ledger_index"`
	Hash         string          `json:"hash"`
	CloseTime    int64           `json:"close_time"`
	Transaction  json.RawMessage `json:"transaction"`
	TxJSON       json.RawMessage `json:"tx_json"`
	Meta         *txMeta         `json:"meta"`
}

type txMeta struct {
	TransactionResult string          `json:"TransactionResult"`
	DeliveredAmount   json.RawMessage `json:"delivered_amount"`
}

// rawTransaction is the ledger-side transaction body. Amount was renamed to
// DeliverMax in API v2; both are tried.
type rawTransaction struct {
	TransactionType string          `json:"TransactionType"`
	Account         string          `json:"Account"`
	Destination     string          `json:"Destination"`
	Amount          json.RawMessage `json:"Amount"`
	DeliverMax      json.RawMessage `json:"DeliverMax"`
	Hash            string          `json:"hash"`
	Date            int64           `json:"date"`
	LedgerIndex     uint64          `json:"ledger_index"`
	Memos           []memoWrapper   `json:"Memos"`
}

type memoWrapper struct {
	Memo memoFields `json:"Memo"`
}

type memoFields struct {
	MemoData string `json:"MemoData"`
}

// accountTxResult is the result payload of an account_tx query.
type accountTxResult struct {
	Account      string           `json:"account"`
	Transactions []accountTxEntry `json:"transactions"`
}

type accountTxEntry struct {
	Validated bool            `json:"validated"`
	Tx        json.RawMessage `json:"tx"`
	TxJSON    json.RawMessage `json:"tx_json"`
	Hash      string          `json:"hash"`
	Meta      *txMeta         `json:"meta"`
}

// ParseDrops interprets a ledger amount field. Native XRP amounts are JSON
// strings of integer drops; issued-currency amounts are objects and are
// rejected (only the base asset is bridged).
func ParseDrops(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	drops, err := strconv.ParseInt(s, 10, 64)
	if err != nil || drops < 0 {
		return 0, false
	}
	return drops, true
}

// DecodeMemo decodes a hex-encoded memo payload. The charset is validated
// before use; invalid hex yields an empty string rather than an error.
func DecodeMemo(memoHex string) string {
	if memoHex == "" || len(memoHex)%2 != 0 {
		return ""
	}
	for _, c := range memoHex {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return ""
		}
	}
	decoded, err := hex.DecodeString(memoHex)
	if err != nil {
		return ""
	}
	return string(decoded)
}

// rippleTime converts a ledger close time to UTC wall time. A zero input
// yields the zero time.
func rippleTime(date int64) time.Time {
	if date == 0 {
		return time.Time{}
	}
	return time.Unix(date+rippleEpochOffset, 0).UTC()
}

// NormalizePayment converts one transactions-stream envelope into the
// canonical PaymentEvent. It returns false for anything that is not a
// validated, successful, native-XRP Payment.
func NormalizePayment(env txEnvelope) (domain.PaymentEvent, bool) {
	raw := env.Transaction
	if len(raw) == 0 {
		raw = env.TxJSON
	}
	if len(raw) == 0 {
		return domain.PaymentEvent{}, false
	}

	var tx rawTransaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return domain.PaymentEvent{}, false
	}
	if tx.TransactionType != "Payment" || tx.Destination == "" {
		return domain.PaymentEvent{}, false
	}
	if env.Validated != nil && !*env.Validated {
		return domain.PaymentEvent{}, false
	}
	if env.EngineResult != "" && env.EngineResult != "tesSUCCESS" {
		return domain.PaymentEvent{}, false
	}
	if env.Meta != nil && env.Meta.TransactionResult != "" && env.Meta.TransactionResult != "tesSUCCESS" {
		return domain.PaymentEvent{}, false
	}

	// Prefer the metadata's delivered amount; partial payments can deliver
	// less than the face Amount.
	var drops int64
	var ok bool
	if env.Meta != nil && len(env.Meta.DeliveredAmount) > 0 {
		drops, ok = ParseDrops(env.Meta.DeliveredAmount)
	}
	if !ok {
		drops, ok = ParseDrops(tx.Amount)
	}
	if !ok {
		drops, ok = ParseDrops(tx.DeliverMax)
	}
	if !ok {
		return domain.PaymentEvent{}, false
	}

	hash := tx.Hash
	if hash == "" {
		hash = env.Hash
	}
	ledgerIndex := tx.LedgerIndex
	if ledgerIndex == 0 {
		ledgerIndex = env.LedgerIndex
	}
	closedAt := rippleTime(tx.Date)
	if closedAt.IsZero() && env.CloseTime != 0 {
		closedAt = rippleTime(env.CloseTime)
	}

	memo := ""
	if len(tx.Memos) > 0 {
		memo = DecodeMemo(tx.Memos[0].Memo.MemoData)
	}

	return domain.PaymentEvent{
		TxHash:      hash,
		Source:      tx.Account,
		Destination: tx.Destination,
		Drops:       drops,
		Memo:        memo,
		LedgerIndex: ledgerIndex,
		ClosedAt:    closedAt,
	}, true
}

// normalizeAccountTxEntry converts one account_tx history entry through the
// same normalization path as live stream events.
func normalizeAccountTxEntry(entry accountTxEntry) (domain.PaymentEvent, bool) {
	raw := entry.Tx
	if len(raw) == 0 {
		raw = entry.TxJSON
	}
	env := txEnvelope{
		Transaction: raw,
		Hash:        entry.Hash,
		Validated:   &entry.Validated,
		Meta:        entry.Meta,
	}
	return NormalizePayment(env)
}
