// Package fdc requests payment attestation proofs from the Flare Data
// Connector verifier.
package fdc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fxrplabs/bridgebot/internal/domain"
)

// pollPeriod is the delay between proof readiness checks while waiting for
// an attestation round to finalize.
const pollPeriod = 10 * time.Second

// Client requests and retrieves payment proofs from an FDC verifier.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// proofDeadline bounds how long ProvePayment waits for a proof before
	// giving up with ErrProofUnavailable.
	proofDeadline time.Duration
}

// NewClient creates an FDC verifier client.
func NewClient(baseURL string, proofDeadline time.Duration) *Client {
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		proofDeadline: proofDeadline,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ProvePayment requests an attestation proof for the given XRPL payment and
// polls until the proof is available or the deadline elapses. The returned
// string is the ABI-encoded proof blob the asset manager expects.
//
// Returns domain.ErrProofUnavailable when the deadline passes without a
// finalized proof; the caller marks the operation fdc_timeout and the
// watchdog retries later, when the attestation round may have closed.
func (c *Client) ProvePayment(ctx context.Context, xrplTxHash string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.proofDeadline)
	defer cancel()

	if err := c.requestAttestation(ctx, xrplTxHash); err != nil {
		return "", err
	}

	ticker := time.NewTicker(pollPeriod)
	defer ticker.Stop()

	for {
		proof, ready, err := c.fetchProof(ctx, xrplTxHash)
		if err != nil {
			return "", err
		}
		if ready {
			return proof, nil
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("fdc: proof for %s: %w", xrplTxHash, domain.ErrProofUnavailable)
		case <-ticker.C:
		}
	}
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// requestAttestation submits the payment attestation request. Resubmitting
// an already-requested attestation is harmless.
func (c *Client) requestAttestation(ctx context.Context, xrplTxHash string) error {
	reqBody := map[string]any{
		"attestation_type": "Payment",
		"source":           "XRP",
		"transaction_id":   xrplTxHash,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("fdc: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/attestations", bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("fdc: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fdc: request attestation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("fdc: request attestation: HTTP %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// fetchProof checks whether the proof for the transaction has finalized.
func (c *Client) fetchProof(ctx context.Context, xrplTxHash string) (proof string, ready bool, err error) {
	url := fmt.Sprintf("%s/v1/attestations/%s/proof", c.baseURL, xrplTxHash)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false, fmt.Errorf("fdc: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("fdc: fetch proof: %w", err)
	}
	defer resp.Body.Close()

	// Not finalized yet.
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusAccepted {
		io.Copy(io.Discard, resp.Body)
		return "", false, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, fmt.Errorf("fdc: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("fdc: fetch proof: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		Status string `json:"status"`
		Proof  string `json:"proof"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", false, fmt.Errorf("fdc: decode proof: %w", err)
	}

	if out.Status != "" && out.Status != "finalized" {
		return "", false, nil
	}
	if out.Proof == "" {
		return "", false, nil
	}

	return out.Proof, true, nil
}
