package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	roomcrypto "roomnight/crypto"
)

var (
	testTokenAddr  = common.HexToAddress("0x000000000000000000000000000000000000aaaa")
	testEscrowAddr = common.HexToAddress("0x000000000000000000000000000000000000bbbb")
	testChainID    = big.NewInt(1337)
)

type testSigner struct {
	key *roomcrypto.PrivateKey
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	key, err := roomcrypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &testSigner{key: key}
}

func (s *testSigner) Address() common.Address { return s.key.Address() }

func (s *testSigner) SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error) {
	return gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), s.key.PrivateKey)
}

type fakeClient struct {
	nonce        uint64
	nonceErr     error
	gasPrice     *big.Int
	estimateErr  error
	sendErr      error
	sent         []*gethtypes.Transaction
	receipts     map[common.Hash]*gethtypes.Receipt
	callResult   []byte
	callErr      error
	logs         []gethtypes.Log
	lastQuery    ethereum.FilterQuery
	headNumber   *big.Int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		gasPrice:   big.NewInt(1_000_000_000),
		receipts:   make(map[common.Hash]*gethtypes.Receipt),
		headNumber: big.NewInt(1000),
	}
}

func (c *fakeClient) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	return &gethtypes.Header{Number: new(big.Int).Set(c.headNumber)}, nil
}

func (c *fakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return c.nonce, c.nonceErr
}

func (c *fakeClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return c.gasPrice, nil
}

func (c *fakeClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if c.estimateErr != nil {
		return 0, c.estimateErr
	}
	return 90_000, nil
}

func (c *fakeClient) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, tx)
	return nil
}

func (c *fakeClient) TransactionReceipt(_ context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	receipt, ok := c.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (c *fakeClient) TransactionByHash(_ context.Context, txHash common.Hash) (*gethtypes.Transaction, bool, error) {
	for _, tx := range c.sent {
		if tx.Hash() == txHash {
			return tx, false, nil
		}
	}
	return nil, false, ethereum.NotFound
}

func (c *fakeClient) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return c.callResult, c.callErr
}

func (c *fakeClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	c.lastQuery = q
	return c.logs, nil
}

func newTestGateway(client *fakeClient, opts ...Option) *Gateway {
	base := []Option{WithConfirmTimeout(200 * time.Millisecond), WithPollInterval(10 * time.Millisecond)}
	return NewGateway(client, testChainID, testTokenAddr, testEscrowAddr, append(base, opts...)...)
}

func TestMintTokensSubmitsSignedCall(t *testing.T) {
	client := newFakeClient()
	client.nonce = 7
	g := newTestGateway(client)
	signer := newTestSigner(t)

	hash, err := g.MintTokens(context.Background(), signer, common.HexToAddress("0x1"), 3, 5)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("sent = %d txs, want 1", len(client.sent))
	}
	tx := client.sent[0]
	if tx.Hash() != hash {
		t.Fatalf("returned hash does not match submitted tx")
	}
	if tx.Nonce() != 7 {
		t.Fatalf("nonce = %d, want 7", tx.Nonce())
	}
	if *tx.To() != testTokenAddr {
		t.Fatalf("to = %s, want token contract", tx.To().Hex())
	}
	from, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(testChainID), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if from != signer.Address() {
		t.Fatalf("sender = %s, want %s", from.Hex(), signer.Address().Hex())
	}
	method, err := tokenABI.MethodById(tx.Data()[:4])
	if err != nil || method.Name != "mintTokens" {
		t.Fatalf("calldata selects %v, want mintTokens", method)
	}
}

func TestSubmitSurfacesEstimateFailure(t *testing.T) {
	client := newFakeClient()
	client.estimateErr = errors.New("execution reverted")
	g := newTestGateway(client)

	if _, err := g.Transfer(context.Background(), newTestSigner(t), common.HexToAddress("0x1"), common.HexToAddress("0x2"), 1, 1); err == nil {
		t.Fatal("expected estimate failure to surface")
	}
	if len(client.sent) != 0 {
		t.Fatal("transaction sent despite failed estimate")
	}
}

func TestAwaitConfirmationSuccess(t *testing.T) {
	client := newFakeClient()
	g := newTestGateway(client)
	signer := newTestSigner(t)

	hash, err := g.Burn(context.Background(), signer, common.HexToAddress("0x1"), 1, 2)
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	client.receipts[hash] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful}

	if err := g.AwaitConfirmation(context.Background(), hash); err != nil {
		t.Fatalf("await: %v", err)
	}
}

func TestAwaitConfirmationTimesOutIndeterminate(t *testing.T) {
	client := newFakeClient()
	g := newTestGateway(client, WithConfirmTimeout(60*time.Millisecond))

	err := g.AwaitConfirmation(context.Background(), common.HexToHash("0xdead"))
	if !errors.Is(err, ErrIndeterminate) {
		t.Fatalf("err = %v, want ErrIndeterminate", err)
	}
}

type dataError struct {
	msg  string
	data string
}

func (e dataError) Error() string          { return e.msg }
func (e dataError) ErrorData() interface{} { return e.data }

func TestAwaitConfirmationDecodesRevertReason(t *testing.T) {
	client := newFakeClient()
	g := newTestGateway(client)
	signer := newTestSigner(t)

	hash, err := g.Transfer(context.Background(), signer, common.HexToAddress("0x1"), common.HexToAddress("0x2"), 1, 1)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	client.receipts[hash] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(99)}

	stringTy, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatalf("abi type: %v", err)
	}
	packed, err := abi.Arguments{{Type: stringTy}}.Pack("insufficient balance")
	if err != nil {
		t.Fatalf("pack reason: %v", err)
	}
	selector := ethcrypto.Keccak256([]byte("Error(string)"))[:4]
	client.callErr = dataError{msg: "execution reverted", data: hexutil.Encode(append(selector, packed...))}

	err = g.AwaitConfirmation(context.Background(), hash)
	if !IsRevert(err) {
		t.Fatalf("err = %v, want revert", err)
	}
	var revert *RevertError
	if !errors.As(err, &revert) {
		t.Fatalf("err = %T, want *RevertError", err)
	}
	if revert.Reason != "insufficient balance" {
		t.Fatalf("reason = %q, want decoded revert string", revert.Reason)
	}
	if revert.TxHash != hash {
		t.Fatalf("revert hash = %s, want %s", revert.TxHash.Hex(), hash.Hex())
	}
}

func TestNextTokenIDDecodesCallResult(t *testing.T) {
	client := newFakeClient()
	client.callResult = common.LeftPadBytes(big.NewInt(42).Bytes(), 32)
	g := newTestGateway(client)

	id, err := g.NextTokenID(context.Background())
	if err != nil {
		t.Fatalf("next token id: %v", err)
	}
	if id != 42 {
		t.Fatalf("id = %d, want 42", id)
	}
}

func TestFilterBookingRedeemedUnpacksLogs(t *testing.T) {
	client := newFakeClient()
	g := newTestGateway(client)

	quantity := big.NewInt(4)
	data, err := tokenABI.Events["BookingRedeemed"].Inputs.NonIndexed().Pack(quantity, "stay complete")
	if err != nil {
		t.Fatalf("pack event data: %v", err)
	}
	redeemer := common.HexToAddress("0xabc")
	client.logs = []gethtypes.Log{{
		Address: testTokenAddr,
		Topics: []common.Hash{
			bookingRedeemedTopic,
			common.BytesToHash(redeemer.Bytes()),
			common.BigToHash(big.NewInt(7)),
		},
		Data:        data,
		TxHash:      common.HexToHash("0x5"),
		Index:       2,
		BlockNumber: 120,
	}}

	events, err := g.FilterBookingRedeemed(context.Background(), 100, 120)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Redeemer != redeemer || ev.TokenID != 7 || ev.Quantity != 4 {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Details != "stay complete" {
		t.Fatalf("details = %q", ev.Details)
	}
	if ev.LogIndex != 2 || ev.BlockNumber != 120 {
		t.Fatalf("event position = %+v", ev)
	}

	if got := client.lastQuery.FromBlock.Uint64(); got != 100 {
		t.Fatalf("from = %d, want 100", got)
	}
	if got := client.lastQuery.ToBlock.Uint64(); got != 120 {
		t.Fatalf("to = %d, want 120", got)
	}
	if len(client.lastQuery.Addresses) != 1 || client.lastQuery.Addresses[0] != testTokenAddr {
		t.Fatalf("query addresses = %v", client.lastQuery.Addresses)
	}
}

func TestHeadBlock(t *testing.T) {
	client := newFakeClient()
	client.headNumber = big.NewInt(555)
	g := newTestGateway(client)

	head, err := g.HeadBlock(context.Background())
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head != 555 {
		t.Fatalf("head = %d, want 555", head)
	}
}
