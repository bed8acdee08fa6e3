package postgres

import (
	"strings"
	"testing"

	"github.com/fxrplabs/bridgebot/internal/domain"
)

// The SQL status lists must stay in lockstep with the domain Terminal
// helpers: a status missing from the list keeps its rows "open" forever.

func TestBridgeTerminalStatusesMatchDomain(t *testing.T) {
	statuses := []domain.BridgeStatus{
		domain.BridgeStatusCreated,
		domain.BridgeStatusAwaitingPayment,
		domain.BridgeStatusXRPLConfirmed,
		domain.BridgeStatusProofGenerated,
		domain.BridgeStatusProofTimeout,
		domain.BridgeStatusMinting,
		domain.BridgeStatusVaultMinted,
		domain.BridgeStatusCompleted,
		domain.BridgeStatusVaultMintFailed,
		domain.BridgeStatusFailed,
		domain.BridgeStatusCancelled,
	}
	for _, st := range statuses {
		inSQL := strings.Contains(bridgeTerminalStatuses, "'"+string(st)+"'")
		if inSQL != st.Terminal() {
			t.Errorf("status %s: in SQL list = %v, Terminal() = %v", st, inSQL, st.Terminal())
		}
	}
}

func TestRedemptionTerminalStatusesMatchDomain(t *testing.T) {
	statuses := []domain.RedemptionStatus{
		domain.RedemptionStatusRequested,
		domain.RedemptionStatusAwaitingProof,
		domain.RedemptionStatusXRPLReceived,
		domain.RedemptionStatusCompleted,
		domain.RedemptionStatusFailed,
	}
	for _, st := range statuses {
		inSQL := strings.Contains(redemptionTerminalStatuses, "'"+string(st)+"'")
		if inSQL != st.Terminal() {
			t.Errorf("status %s: in SQL list = %v, Terminal() = %v", st, inSQL, st.Terminal())
		}
	}
}
