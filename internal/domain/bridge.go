package domain

import "time"

// BridgeStatus tracks the XRP -> FXRP deposit lifecycle.
type BridgeStatus string

const (
	BridgeStatusCreated         BridgeStatus = "created"
	BridgeStatusAwaitingPayment BridgeStatus = "awaiting_payment"
	BridgeStatusXRPLConfirmed   BridgeStatus = "xrpl_confirmed"
	BridgeStatusProofGenerated  BridgeStatus = "fdc_proof_generated"
	BridgeStatusProofTimeout    BridgeStatus = "fdc_timeout"
	BridgeStatusMinting         BridgeStatus = "minting"
	BridgeStatusVaultMinted     BridgeStatus = "vault_minted"
	BridgeStatusCompleted       BridgeStatus = "completed"
	BridgeStatusVaultMintFailed BridgeStatus = "vault_mint_failed"
	BridgeStatusFailed          BridgeStatus = "failed"
	BridgeStatusCancelled       BridgeStatus = "cancelled"
)

// Terminal reports whether the status ends the operation's lifecycle.
// vault_minted counts as terminal for subscription bookkeeping even though
// back-office completion may still flip it to completed.
func (s BridgeStatus) Terminal() bool {
	switch s {
	case BridgeStatusVaultMinted, BridgeStatusCompleted, BridgeStatusFailed, BridgeStatusCancelled:
		return true
	default:
		return false
	}
}

// BridgeOperation represents one XRP deposit being bridged into FXRP on the
// settlement chain.
type BridgeOperation struct {
	ID            string
	WalletAddress string // depositor's XRPL address

	XRPDrops     int64 // fixed-point: XRP * 1e6, the amount the depositor pays
	FXRPExpected float64
	FXRPReceived float64

	Status BridgeStatus

	// PaymentReference is the memo the depositor attaches to the XRPL
	// payment; it correlates the on-ledger payment with this operation.
	PaymentReference string

	// Set once collateral is reserved with a liquidity agent.
	CollateralReservationID string
	AgentVaultAddress       string // agent's vault on the settlement chain
	AgentUnderlyingAddress  string // agent's XRPL address receiving the deposit
	MintingFeeBips          int

	XRPLTxHash      string
	FDCProofData    string
	FlareTxHash     string
	VaultMintTxHash string // set at most once; freezes the operation

	ErrorMessage string
	RetryCount   int

	CreatedAt       time.Time
	XRPLConfirmedAt *time.Time
	CompletedAt     *time.Time
}

// XRPAmount returns the float64 display amount from fixed-point drops.
func (o BridgeOperation) XRPAmount() float64 {
	return float64(o.XRPDrops) / 1e6
}

// MintCompleted reports whether the vault mint transaction has already been
// recorded. Both the live handler and the watchdog must check this
// immediately before submitting any chain-mutating call.
func (o BridgeOperation) MintCompleted() bool {
	return o.VaultMintTxHash != ""
}
