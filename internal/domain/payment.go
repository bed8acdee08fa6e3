package domain

import "time"

// PaymentEvent is the canonical shape of an XRPL payment observed on the
// subscription feed or during historical backfill. The XRPL boundary
// normalizes the ledger's polymorphic transaction envelopes into this struct
// immediately on receipt; all downstream code operates only on this shape.
type PaymentEvent struct {
	TxHash      string
	Source      string
	Destination string

	// Drops is the delivered amount in the ledger's smallest unit
	// (1 XRP = 1e6 drops). Issued-currency payments never reach this type.
	Drops int64

	// Memo is the first memo decoded from hex, empty when absent or when the
	// hex payload failed charset validation.
	Memo string

	LedgerIndex uint64
	ClosedAt    time.Time
}

// XRPAmount returns the float64 display amount from fixed-point drops.
func (e PaymentEvent) XRPAmount() float64 {
	return float64(e.Drops) / 1e6
}
