package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/GoPolymarket/capsettle/internal/manager"
	"github.com/GoPolymarket/capsettle/internal/pkg/logger"
	"github.com/GoPolymarket/capsettle/internal/pkg/metrics"
	"github.com/GoPolymarket/capsettle/internal/signer"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

const erc20ABI = `[
{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"}
]`

var transferEventSignature = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Backend is the subset of the Ethereum RPC client used here.
// *ethclient.Client satisfies it.
type Backend interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, fmt.Errorf("rpc url not configured")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect rpc: %w", err)
	}
	return client, nil
}

// TransferResult is the outcome of a broadcast transfer. Confirmed is false
// when the wait for a receipt ended before one was seen.
type TransferResult struct {
	TxHash      string
	Nonce       uint64
	Confirmed   bool
	Succeeded   bool
	GasUsed     uint64
	BlockNumber uint64
}

// BroadcastFunc is handed the hash and nonce of a transaction as soon as it
// may have reached the node, before the receipt wait starts.
type BroadcastFunc func(hash string, nonce uint64)

// Receipt is a looked-up transaction outcome.
type Receipt struct {
	Found     bool
	Succeeded bool
	GasUsed   uint64
}

type Options struct {
	GasPriceMultiplier float64
	GasLimitBufferPct  int64
	ConfirmTimeout     time.Duration
	PollInterval       time.Duration
}

// ERC20Client sends token transfers from the treasury signer.
type ERC20Client struct {
	backend        Backend
	signer         *signer.Signer
	nonces         *manager.NonceManager
	abi            abi.ABI
	gasMultiplier  decimal.Decimal
	gasBufferPct   int64
	confirmTimeout time.Duration
	pollInterval   time.Duration
}

// NewERC20Client builds a client. A nil signer yields a read-only client
// whose Ready reports ErrSignerNotReady.
func NewERC20Client(backend Backend, s *signer.Signer, opts Options) (*ERC20Client, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse abi: %w", err)
	}
	if opts.GasPriceMultiplier <= 0 {
		opts.GasPriceMultiplier = 1
	}
	if opts.GasLimitBufferPct < 0 {
		opts.GasLimitBufferPct = 0
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &ERC20Client{
		backend:        backend,
		signer:         s,
		nonces:         manager.NewNonceManager(backend),
		abi:            parsed,
		gasMultiplier:  decimal.NewFromFloat(opts.GasPriceMultiplier),
		gasBufferPct:   opts.GasLimitBufferPct,
		confirmTimeout: opts.ConfirmTimeout,
		pollInterval:   opts.PollInterval,
	}, nil
}

func (c *ERC20Client) Ready() error {
	if c == nil || c.signer == nil || c.backend == nil {
		return ErrSignerNotReady
	}
	return nil
}

func (c *ERC20Client) SignerAddress() string {
	if c == nil || c.signer == nil {
		return ""
	}
	return c.signer.Address().Hex()
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}

// Balance returns holder's balance of the token at asset.
func (c *ERC20Client) Balance(ctx context.Context, asset, holder string) (*big.Int, error) {
	token, err := parseAddress(asset)
	if err != nil {
		return nil, err
	}
	owner, err := parseAddress(holder)
	if err != nil {
		return nil, err
	}
	data, err := c.abi.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("failed to pack call data: %w", err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf call failed: %w", err)
	}
	values, err := c.abi.Unpack("balanceOf", out)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("unexpected balanceOf output: %x", out)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf type %T", values[0])
	}
	return balance, nil
}

// Transfer performs one submission attempt: fee price, gas estimate, fresh
// nonce, sign, send, then wait for the receipt up to the confirm timeout.
// Submission is serialized per signer; the receipt wait is not.
//
// A returned result with a hash means the transaction may have reached the
// node, even if err is also set. Only a send the node clearly refused returns
// no result. onBroadcast, if set, runs before the receipt wait.
func (c *ERC20Client) Transfer(ctx context.Context, asset, to string, amount *big.Int, onBroadcast BroadcastFunc) (*TransferResult, error) {
	if err := c.Ready(); err != nil {
		return nil, err
	}
	token, err := parseAddress(asset)
	if err != nil {
		return nil, err
	}
	dest, err := parseAddress(to)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	from := c.signer.Address()

	data, err := c.abi.Pack("transfer", dest, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack call data: %w", err)
	}

	// 1. fee price
	suggested, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", classifyRPCError(err))
	}
	gasPrice := decimal.NewFromBigInt(suggested, 0).Mul(c.gasMultiplier).Ceil().BigInt()

	// 2. gas estimate plus buffer
	estimate, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     from,
		To:       &token,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", classifyRPCError(err))
	}
	gasLimit := estimate * uint64(100+c.gasBufferPct) / 100

	// 3. fresh nonce under the signer lock
	nonce, release, err := c.nonces.Acquire(ctx, from)
	if err != nil {
		return nil, err
	}
	signed, err := c.signer.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &token,
		Value:    big.NewInt(0),
		Data:     data,
	}))
	if err != nil {
		release()
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	// 4. submit
	sendErr := c.backend.SendTransaction(ctx, signed)
	release()
	result := &TransferResult{TxHash: signed.Hash().Hex(), Nonce: nonce}
	if sendErr != nil {
		typed := classifyRPCError(sendErr)
		switch c.sendOutcome(ctx, signed.Hash(), typed) {
		case sendRejected:
			metrics.TransferAttempts.WithLabelValues("rejected").Inc()
			return nil, fmt.Errorf("send transaction: %w", typed)
		case sendUnknown:
			// the node may hold it; sending again could pay twice
			metrics.TransferAttempts.WithLabelValues("ambiguous").Inc()
			logger.Warn("send outcome unknown, leaving transaction to reconciliation",
				"tx_hash", result.TxHash, "nonce", nonce, "error", sendErr)
			if onBroadcast != nil {
				onBroadcast(result.TxHash, nonce)
			}
			return result, fmt.Errorf("%w: %s: %v", ErrSendAmbiguous, result.TxHash, sendErr)
		}
		logger.Warn("send reported an error but the node has the transaction",
			"tx_hash", result.TxHash, "error", sendErr)
	}
	metrics.TransferAttempts.WithLabelValues("broadcast").Inc()
	if onBroadcast != nil {
		onBroadcast(result.TxHash, nonce)
	}

	started := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()
	receipt, err := c.waitMined(waitCtx, signed.Hash())
	if err != nil {
		return result, fmt.Errorf("%w: %s: %v", ErrUnconfirmed, result.TxHash, err)
	}
	metrics.TransferLatency.Observe(time.Since(started).Seconds())

	result.Confirmed = true
	result.Succeeded = receipt.Status == types.ReceiptStatusSuccessful
	result.GasUsed = receipt.GasUsed
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if !result.Succeeded {
		return result, fmt.Errorf("%w: %s", ErrReverted, result.TxHash)
	}
	return result, nil
}

const lookupTimeout = 10 * time.Second

type sendResult int

const (
	sendRejected sendResult = iota
	sendKnown
	sendUnknown
)

// sendOutcome decides what a failed SendTransaction means. Typed errors are
// node rejections. For anything else the node is asked for the transaction:
// found means broadcast, NotFound means rejected, any other answer is unknown.
func (c *ERC20Client) sendOutcome(ctx context.Context, hash common.Hash, sendErr error) sendResult {
	if !isUntyped(sendErr) {
		return sendRejected
	}
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
	defer cancel()
	tx, _, err := c.backend.TransactionByHash(lookupCtx, hash)
	switch {
	case err == nil && tx != nil:
		return sendKnown
	case errors.Is(err, ethereum.NotFound):
		return sendRejected
	default:
		return sendUnknown
	}
}

func isUntyped(err error) bool {
	for _, m := range rpcErrorMap {
		if errors.Is(err, m.err) {
			return false
		}
	}
	return true
}

func (c *ERC20Client) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			logger.Debug("receipt lookup failed", "tx_hash", hash.Hex(), "error", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Receipt looks up a transaction's receipt. Found is false while the
// transaction is unknown or unmined.
func (c *ERC20Client) Receipt(ctx context.Context, txHash string) (Receipt, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return Receipt{}, nil
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt == nil {
		return Receipt{}, nil
	}
	return Receipt{
		Found:     true,
		Succeeded: receipt.Status == types.ReceiptStatusSuccessful,
		GasUsed:   receipt.GasUsed,
	}, nil
}

// Dropped reports whether a broadcast transaction can no longer be mined:
// the node does not know it, it has no receipt, and the signer's mined nonce
// has moved past its nonce.
func (c *ERC20Client) Dropped(ctx context.Context, txHash string, nonce uint64) (bool, error) {
	if err := c.Ready(); err != nil {
		return false, err
	}
	hash := common.HexToHash(txHash)
	tx, _, err := c.backend.TransactionByHash(ctx, hash)
	if err == nil && tx != nil {
		return false, nil
	}
	if err != nil && !errors.Is(err, ethereum.NotFound) {
		return false, fmt.Errorf("lookup transaction: %w", err)
	}
	mined, err := c.backend.NonceAt(ctx, c.signer.Address(), nil)
	if err != nil {
		return false, fmt.Errorf("fetch nonce: %w", err)
	}
	if mined <= nonce {
		return false, nil
	}
	// it may have been mined between the lookups
	receipt, err := c.Receipt(ctx, txHash)
	if err != nil {
		return false, err
	}
	return !receipt.Found, nil
}

// FindTransfers returns hashes of Transfer events of exactly amount from the
// signer to `to` within the last lookback blocks, newest first.
func (c *ERC20Client) FindTransfers(ctx context.Context, asset, to string, amount *big.Int, lookback uint64) ([]string, error) {
	if err := c.Ready(); err != nil {
		return nil, err
	}
	token, err := parseAddress(asset)
	if err != nil {
		return nil, err
	}
	dest, err := parseAddress(to)
	if err != nil {
		return nil, err
	}
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}
	start := uint64(0)
	if head > lookback {
		start = head - lookback
	}
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(start),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{token},
		Topics: [][]common.Hash{
			{transferEventSignature},
			{common.BytesToHash(c.signer.Address().Bytes())},
			{common.BytesToHash(dest.Bytes())},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("filter logs: %w", err)
	}

	var hashes []string
	for i := len(logs) - 1; i >= 0; i-- {
		lg := logs[i]
		if lg.Removed || lg.Address != token || len(lg.Topics) < 3 || lg.Topics[0] != transferEventSignature {
			continue
		}
		if common.BytesToAddress(lg.Topics[2].Bytes()) != dest {
			continue
		}
		if new(big.Int).SetBytes(lg.Data).Cmp(amount) == 0 {
			hashes = append(hashes, lg.TxHash.Hex())
		}
	}
	return hashes, nil
}
