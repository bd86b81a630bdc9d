package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"roomnight/observability"
)

// ErrIndeterminate is returned when a confirmation wait times out before the
// receipt is observed. The transaction may still land; callers must not treat
// this as success or failure.
var ErrIndeterminate = errors.New("ledger: confirmation timed out, outcome indeterminate")

// RevertError reports an on-chain revert with the decoded reason when the
// node surfaced one.
type RevertError struct {
	TxHash common.Hash
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("ledger: transaction %s reverted", e.TxHash.Hex())
	}
	return fmt.Sprintf("ledger: transaction %s reverted: %s", e.TxHash.Hex(), e.Reason)
}

// IsRevert reports whether err carries an on-chain revert.
func IsRevert(err error) bool {
	var revert *RevertError
	return errors.As(err, &revert)
}

// Signer produces signed transactions for a single ledger identity.
type Signer interface {
	Address() common.Address
	SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error)
}

// Client is the subset of the Ethereum RPC surface the gateway depends on.
type Client interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*gethtypes.Transaction, bool, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
}

// Gateway is a stateless adapter over the room-night token and escrow
// contracts. It submits signed calls and waits for confirmation; it never
// retries on its own.
type Gateway struct {
	client         Client
	chainID        *big.Int
	tokenAddr      common.Address
	escrowAddr     common.Address
	confirmTimeout time.Duration
	pollInterval   time.Duration
	metrics        *observability.LedgerMetrics
	nowFn          func() time.Time
}

// Option customises the gateway.
type Option func(*Gateway)

// WithConfirmTimeout bounds each confirmation wait.
func WithConfirmTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.confirmTimeout = d }
}

// WithPollInterval configures the receipt polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(g *Gateway) { g.pollInterval = d }
}

// NewGateway constructs a gateway bound to the deployed contract addresses.
func NewGateway(client Client, chainID *big.Int, tokenAddr, escrowAddr common.Address, opts ...Option) *Gateway {
	g := &Gateway{
		client:         client,
		chainID:        chainID,
		tokenAddr:      tokenAddr,
		escrowAddr:     escrowAddr,
		confirmTimeout: 90 * time.Second,
		pollInterval:   2 * time.Second,
		metrics:        observability.Ledger(),
		nowFn:          time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// MintTokens submits mintTokens(to, tokenId, quantity, 0x).
func (g *Gateway) MintTokens(ctx context.Context, s Signer, to common.Address, tokenID, qty uint64) (common.Hash, error) {
	data, err := tokenABI.Pack("mintTokens", to, new(big.Int).SetUint64(tokenID), new(big.Int).SetUint64(qty), []byte{})
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack mintTokens: %w", err)
	}
	return g.submit(ctx, s, g.tokenAddr, nil, data, "mint")
}

// Transfer submits safeTransferFrom(from, to, id, amount, 0x).
func (g *Gateway) Transfer(ctx context.Context, s Signer, from, to common.Address, tokenID, qty uint64) (common.Hash, error) {
	data, err := tokenABI.Pack("safeTransferFrom", from, to, new(big.Int).SetUint64(tokenID), new(big.Int).SetUint64(qty), []byte{})
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack safeTransferFrom: %w", err)
	}
	return g.submit(ctx, s, g.tokenAddr, nil, data, "transfer")
}

// Burn submits burn(account, id, value).
func (g *Gateway) Burn(ctx context.Context, s Signer, holder common.Address, tokenID, qty uint64) (common.Hash, error) {
	data, err := tokenABI.Pack("burn", holder, new(big.Int).SetUint64(tokenID), new(big.Int).SetUint64(qty))
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack burn: %w", err)
	}
	return g.submit(ctx, s, g.tokenAddr, nil, data, "burn")
}

// CreateRoomType submits createRoomType(hotelId, name).
func (g *Gateway) CreateRoomType(ctx context.Context, s Signer, hotelID, name string) (common.Hash, error) {
	data, err := tokenABI.Pack("createRoomType", hotelID, name)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack createRoomType: %w", err)
	}
	return g.submit(ctx, s, g.tokenAddr, nil, data, "create_room_type")
}

// FundGas sends a plain value transfer, used to seed freshly generated
// custodial wallets with gas money.
func (g *Gateway) FundGas(ctx context.Context, s Signer, to common.Address, amount *big.Int) (common.Hash, error) {
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("ledger: gas funding amount must be positive")
	}
	return g.submit(ctx, s, to, amount, nil, "fund_gas")
}

// NextTokenID reads the monotonically increasing id allocator via eth_call.
func (g *Gateway) NextTokenID(ctx context.Context) (uint64, error) {
	data, err := tokenABI.Pack("nextTokenId")
	if err != nil {
		return 0, fmt.Errorf("pack nextTokenId: %w", err)
	}
	out, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &g.tokenAddr, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("call nextTokenId: %w", err)
	}
	values, err := tokenABI.Unpack("nextTokenId", out)
	if err != nil {
		return 0, fmt.Errorf("unpack nextTokenId: %w", err)
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("nextTokenId returned %d values", len(values))
	}
	id, ok := values[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("nextTokenId returned non-integer value")
	}
	if !id.IsUint64() {
		return 0, fmt.Errorf("nextTokenId %s out of range", id.String())
	}
	return id.Uint64(), nil
}

// HeadBlock returns the current chain head height.
func (g *Gateway) HeadBlock(ctx context.Context) (uint64, error) {
	header, err := g.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("fetch head: %w", err)
	}
	if header == nil || header.Number == nil {
		return 0, fmt.Errorf("ledger: head metadata unavailable")
	}
	return header.Number.Uint64(), nil
}

func (g *Gateway) submit(ctx context.Context, s Signer, to common.Address, value *big.Int, data []byte, operation string) (common.Hash, error) {
	if s == nil {
		return common.Hash{}, fmt.Errorf("ledger: signer required")
	}
	from := s.Address()
	nonce, err := g.client.PendingNonceAt(ctx, from)
	if err != nil {
		g.metrics.RecordSubmission(operation, "nonce_error")
		return common.Hash{}, fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		g.metrics.RecordSubmission(operation, "gas_error")
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}
	msg := ethereum.CallMsg{From: from, To: &to, Value: value, Data: data}
	gasLimit, err := g.client.EstimateGas(ctx, msg)
	if err != nil {
		g.metrics.RecordSubmission(operation, "estimate_error")
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := s.SignTx(tx, g.chainID)
	if err != nil {
		g.metrics.RecordSubmission(operation, "sign_error")
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}
	if err := g.client.SendTransaction(ctx, signed); err != nil {
		g.metrics.RecordSubmission(operation, "send_error")
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}
	g.metrics.RecordSubmission(operation, "submitted")
	return signed.Hash(), nil
}

// AwaitConfirmation blocks until the transaction is mined or the configured
// timeout elapses. It returns nil on success, a RevertError on failure, and
// ErrIndeterminate when the outcome could not be observed in time.
func (g *Gateway) AwaitConfirmation(ctx context.Context, txHash common.Hash) error {
	start := g.nowFn()
	waitCtx, cancel := context.WithTimeout(ctx, g.confirmTimeout)
	defer cancel()
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := g.client.TransactionReceipt(waitCtx, txHash)
		switch {
		case err == nil && receipt != nil:
			g.metrics.ObserveConfirmation(g.nowFn().Sub(start))
			if receipt.Status == gethtypes.ReceiptStatusSuccessful {
				return nil
			}
			return &RevertError{TxHash: txHash, Reason: g.revertReason(waitCtx, txHash, receipt.BlockNumber)}
		case errors.Is(err, ethereum.NotFound):
			// Not mined yet; keep polling.
		case err != nil:
			if waitCtx.Err() != nil {
				return ErrIndeterminate
			}
			return fmt.Errorf("fetch receipt: %w", err)
		}
		select {
		case <-waitCtx.Done():
			return ErrIndeterminate
		case <-ticker.C:
		}
	}
}

// revertReason replays the failed transaction as a call at its block to
// recover the revert string. Best effort: an empty reason means the node did
// not expose revert data.
func (g *Gateway) revertReason(ctx context.Context, txHash common.Hash, blockNumber *big.Int) string {
	tx, _, err := g.client.TransactionByHash(ctx, txHash)
	if err != nil || tx == nil {
		return ""
	}
	from, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(g.chainID), tx)
	if err != nil {
		return ""
	}
	msg := ethereum.CallMsg{
		From:     from,
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}
	_, callErr := g.client.CallContract(ctx, msg, blockNumber)
	if callErr == nil {
		return ""
	}
	var dataErr rpc.DataError
	if errors.As(callErr, &dataErr) {
		if encoded, ok := dataErr.ErrorData().(string); ok {
			if raw, decodeErr := hexutil.Decode(encoded); decodeErr == nil {
				if reason, unpackErr := unpackRevert(raw); unpackErr == nil {
					return reason
				}
			}
		}
	}
	return callErr.Error()
}
