// Package flare wraps the settlement-chain JSON-RPC endpoint: transaction
// submission, receipt confirmation, and node health probes.
package flare

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/fxrplabs/bridgebot/internal/crypto"
)

// Client submits signed transactions to the settlement chain and waits for
// their receipts.
type Client struct {
	eth    *ethclient.Client
	signer *crypto.Signer

	submitTimeout  time.Duration
	confirmTimeout time.Duration
	pollPeriod     time.Duration
}

// NewClient dials the settlement-chain RPC endpoint.
func NewClient(ctx context.Context, rpcURL string, signer *crypto.Signer, submitTimeout, confirmTimeout, pollPeriod time.Duration) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("flare: dial %s: %w", rpcURL, err)
	}

	return &Client{
		eth:            eth,
		signer:         signer,
		submitTimeout:  submitTimeout,
		confirmTimeout: confirmTimeout,
		pollPeriod:     pollPeriod,
	}, nil
}

// WalletAddress returns the bridge wallet address transactions are sent from.
func (c *Client) WalletAddress() common.Address {
	return c.signer.Address()
}

// SubmitTx builds, signs, and broadcasts a dynamic-fee transaction calling
// the given contract. It returns the transaction hash without waiting for
// inclusion; use WaitReceipt to confirm.
func (c *Client) SubmitTx(ctx context.Context, to common.Address, data []byte, value *big.Int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	from := c.signer.Address()

	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("flare: pending nonce: %w", err)
	}

	tipCap, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("flare: suggest gas tip: %w", err)
	}

	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("flare: latest header: %w", err)
	}

	// feeCap = 2*baseFee + tip leaves headroom for base fee growth over a
	// few blocks.
	feeCap := new(big.Int).Add(
		new(big.Int).Mul(head.BaseFee, big.NewInt(2)),
		tipCap,
	)

	if value == nil {
		value = big.NewInt(0)
	}

	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return "", fmt.Errorf("flare: estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.signer.ChainID(),
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	})

	signed, err := c.signer.SignTx(tx)
	if err != nil {
		return "", err
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("flare: send transaction: %w", err)
	}

	return signed.Hash().Hex(), nil
}

// WaitReceipt polls for the transaction receipt until it lands or the
// confirmation timeout elapses. A reverted transaction is an error.
func (c *Client) WaitReceipt(ctx context.Context, txHash string) error {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	hash := common.HexToHash(txHash)

	ticker := time.NewTicker(c.pollPeriod)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("flare: transaction %s reverted", txHash)
			}
			return nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return fmt.Errorf("flare: fetch receipt %s: %w", txHash, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("flare: confirmation timeout for %s: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Probe measures the round-trip latency of a block-number call. The alerting
// subsystem uses it as the RPC availability check.
func (c *Client) Probe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.eth.BlockNumber(ctx); err != nil {
		return 0, fmt.Errorf("flare: probe: %w", err)
	}
	return time.Since(start), nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}
