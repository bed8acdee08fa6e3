package domain

import "time"

// RedemptionStatus tracks the FXRP -> XRP redemption lifecycle.
type RedemptionStatus string

const (
	RedemptionStatusRequested     RedemptionStatus = "requested"
	RedemptionStatusAwaitingProof RedemptionStatus = "awaiting_proof"
	RedemptionStatusXRPLReceived  RedemptionStatus = "xrpl_received"
	RedemptionStatusCompleted     RedemptionStatus = "completed"
	RedemptionStatusFailed        RedemptionStatus = "failed"
)

// Terminal reports whether the status ends the redemption's lifecycle.
func (s RedemptionStatus) Terminal() bool {
	return s == RedemptionStatusCompleted || s == RedemptionStatusFailed
}

// RedemptionUserStatus is the user-facing completion flag. It is updated
// independently of Status so a user can see "completed" slightly before
// back-office bookkeeping closes the record.
type RedemptionUserStatus string

const (
	RedemptionUserPending   RedemptionUserStatus = "pending"
	RedemptionUserCompleted RedemptionUserStatus = "completed"
)

// RedemptionBackendStatus flags records needing operator attention.
type RedemptionBackendStatus string

const (
	RedemptionBackendNormal       RedemptionBackendStatus = "normal"
	RedemptionBackendManualReview RedemptionBackendStatus = "manual_review"
	RedemptionBackendRetryPending RedemptionBackendStatus = "retry_pending"
)

// RedemptionMatchTTL bounds automatic matching: a redemption older than this
// is excluded from payout matching even if still open.
const RedemptionMatchTTL = 24 * time.Hour

// RedemptionOperation represents one FXRP redemption awaiting an XRP payout
// from a liquidity agent to the user's XRPL address.
type RedemptionOperation struct {
	ID            string
	WalletAddress string // payee's XRPL address

	// AgentUnderlyingAddress is the expected payer. It may be unknown at
	// creation and learned later; matching tolerates the unknown case.
	AgentUnderlyingAddress string

	ShareAmount  float64
	FXRPRedeemed float64

	// ExpectedXRPDrops is the net payable amount in drops after protocol
	// fees. It is the authoritative match key and must compare exactly.
	ExpectedXRPDrops int64

	// XRPSent is the legacy decimal amount recorded before the fee-aware
	// drops field existed; used only as a fallback match key.
	XRPSent float64

	Status        RedemptionStatus
	UserStatus    RedemptionUserStatus
	BackendStatus RedemptionBackendStatus

	XRPLPayoutTxHash string
	ErrorMessage     string

	RequestedAt time.Time
	CompletedAt *time.Time
}

// MatchableAt reports whether the redemption is eligible for automatic
// payout matching at the given time.
func (r RedemptionOperation) MatchableAt(now time.Time) bool {
	return r.Status == RedemptionStatusAwaitingProof &&
		now.Sub(r.RequestedAt) < RedemptionMatchTTL
}
