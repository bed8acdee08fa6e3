package flare

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fxrplabs/bridgebot/internal/domain"
)

// Reservation is the result of reserving agent collateral for a minting.
type Reservation struct {
	ReservationID    string `json:"reservation_id"`
	PaymentReference string `json:"payment_reference"`
	AgentVault       string `json:"agent_vault"`
	AgentUnderlying  string `json:"agent_underlying_address"`
	MintingFeeBips   int64  `json:"minting_fee_bips"`
	PaymentDrops     int64  `json:"payment_drops,string"`
}

// PreparedTx is a settlement-chain call prepared by the minting service.
// The bridge signs and submits it through Client.SubmitTx.
type PreparedTx struct {
	To   string `json:"to"`
	Data string `json:"data"` // 0x-prefixed hex calldata
}

// DataBytes decodes the hex calldata.
func (p PreparedTx) DataBytes() ([]byte, error) {
	data, err := hex.DecodeString(strings.TrimPrefix(p.Data, "0x"))
	if err != nil {
		return nil, fmt.Errorf("flare: invalid prepared calldata: %w", err)
	}
	return data, nil
}

// MintingClient talks to the asset-manager minting service: agent selection,
// collateral reservation, and calldata preparation for minting and vault
// deposits.
type MintingClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewMintingClient creates a client for the minting service at baseURL.
func NewMintingClient(baseURL string) *MintingClient {
	return &MintingClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ReserveCollateral picks an agent with free capacity and reserves
// collateral for the given number of lots on behalf of wallet. Returns
// ErrNoAgentCapacity when no agent can cover the request.
func (m *MintingClient) ReserveCollateral(ctx context.Context, wallet string, lots int64) (Reservation, error) {
	reqBody := map[string]any{
		"wallet": wallet,
		"lots":   lots,
	}

	var res Reservation
	if err := m.post(ctx, "/v1/reservations", reqBody, &res); err != nil {
		if strings.Contains(err.Error(), "no agent") || strings.Contains(err.Error(), "insufficient free collateral") {
			return Reservation{}, domain.ErrNoAgentCapacity
		}
		return Reservation{}, fmt.Errorf("flare: reserve collateral: %w", err)
	}

	if res.ReservationID == "" || res.PaymentReference == "" {
		return Reservation{}, fmt.Errorf("flare: reserve collateral: incomplete reservation response")
	}

	return res, nil
}

// PrepareMinting builds the executeMinting calldata for a reservation and
// its payment proof. Returns ErrReservationGone when the reservation has
// expired on the asset manager.
func (m *MintingClient) PrepareMinting(ctx context.Context, reservationID string, proofData string) (PreparedTx, error) {
	reqBody := map[string]any{
		"reservation_id": reservationID,
		"proof":          proofData,
	}

	var tx PreparedTx
	if err := m.post(ctx, "/v1/mintings", reqBody, &tx); err != nil {
		if strings.Contains(err.Error(), "reservation") && strings.Contains(err.Error(), "expired") {
			return PreparedTx{}, domain.ErrReservationGone
		}
		return PreparedTx{}, fmt.Errorf("flare: prepare minting: %w", err)
	}

	return tx, nil
}

// PrepareVaultDeposit builds the calldata that deposits freshly minted FXRP
// into the yield vault for wallet.
func (m *MintingClient) PrepareVaultDeposit(ctx context.Context, wallet string, fxrpAmount float64) (PreparedTx, error) {
	reqBody := map[string]any{
		"wallet": wallet,
		"amount": fxrpAmount,
	}

	var tx PreparedTx
	if err := m.post(ctx, "/v1/vault-deposits", reqBody, &tx); err != nil {
		return PreparedTx{}, fmt.Errorf("flare: prepare vault deposit: %w", err)
	}

	return tx, nil
}

// VaultYieldRate returns the vault's current annualized yield rate in basis
// points, used by the drift alert check.
func (m *MintingClient) VaultYieldRate(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/v1/vault/yield", nil)
	if err != nil {
		return 0, fmt.Errorf("flare: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("flare: vault yield: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("flare: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("flare: vault yield: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		YieldBips float64 `json:"yield_bips"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("flare: decode vault yield: %w", err)
	}

	return out.YieldBips, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// post sends a JSON POST request and decodes the response into out.
func (m *MintingClient) post(ctx context.Context, path string, reqBody any, out any) error {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}
