package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"golang.org/x/time/rate"

	"agrichain/native/marketplace"
)

// Backend defines the subset of the Ethereum RPC used by the client.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// EVMConfig configures an EVMClient.
type EVMConfig struct {
	Contract            common.Address
	ChainID             *big.Int
	RequestsPerSecond   float64
	Burst               int
	ReceiptPollInterval time.Duration
}

// EVMClient talks to the deployed AgriChain contract.
type EVMClient struct {
	backend  Backend
	abi      abi.ABI
	contract common.Address
	chainID  *big.Int
	signers  SignerResolver
	limiter  *rate.Limiter
	poll     time.Duration
}

// DialEVM connects to the RPC endpoint and returns a client bound to the
// configured contract.
func DialEVM(ctx context.Context, endpoint string, cfg EVMConfig, signers SignerResolver) (*EVMClient, *ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, nil, fmt.Errorf("ledger rpc endpoint required")
	}
	conn, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, nil, unavailable("dial", err)
	}
	client, err := NewEVMClient(conn, cfg, signers)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return client, conn, nil
}

// NewEVMClient constructs a client over an existing backend.
func NewEVMClient(backend Backend, cfg EVMConfig, signers SignerResolver) (*EVMClient, error) {
	if backend == nil {
		return nil, fmt.Errorf("ledger backend required")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, fmt.Errorf("ledger contract address required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("ledger chain id must be positive")
	}
	parsed, err := ParseABI()
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	poll := cfg.ReceiptPollInterval
	if poll <= 0 {
		poll = time.Second
	}
	if signers == nil {
		signers = Signers{}
	}
	return &EVMClient{
		backend:  backend,
		abi:      parsed,
		contract: cfg.Contract,
		chainID:  new(big.Int).Set(cfg.ChainID),
		signers:  signers,
		limiter:  rate.NewLimiter(limit, burst),
		poll:     poll,
	}, nil
}

func (c *EVMClient) wait(ctx context.Context, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return unavailable(op, err)
	}
	return nil
}

func (c *EVMClient) call(ctx context.Context, op, method string, args ...interface{}) ([]interface{}, error) {
	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger %s: pack %s: %w", op, method, err)
	}
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	to := c.contract
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, classify(op, err)
	}
	values, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("ledger %s: %w: unpack %s: %w", op, ErrMalformedRecord, method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("ledger %s: %w: empty %s result", op, ErrMalformedRecord, method)
	}
	return values, nil
}

// GetTotalListings returns the ledger's listing counter.
func (c *EVMClient) GetTotalListings(ctx context.Context) (uint64, error) {
	values, err := c.call(ctx, "get total listings", methodTotal)
	if err != nil {
		return 0, err
	}
	total, ok := values[0].(*big.Int)
	if !ok || total == nil || !total.IsUint64() {
		return 0, fmt.Errorf("ledger get total listings: %w: unexpected counter %v", ErrMalformedRecord, values[0])
	}
	return total.Uint64(), nil
}

// GetAvailableListings returns the ids the ledger reports as unsold.
func (c *EVMClient) GetAvailableListings(ctx context.Context) ([]uint64, error) {
	values, err := c.call(ctx, "get available listings", methodAvailable)
	if err != nil {
		return nil, err
	}
	raw, ok := values[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("ledger get available listings: %w: unexpected result %T", ErrMalformedRecord, values[0])
	}
	ids := make([]uint64, 0, len(raw))
	for _, v := range raw {
		if v == nil || !v.IsUint64() {
			return nil, fmt.Errorf("ledger get available listings: %w: id %v", ErrMalformedRecord, v)
		}
		ids = append(ids, v.Uint64())
	}
	return ids, nil
}

// GetListing fetches one listing. Unknown ids fail with ErrNotFound.
func (c *EVMClient) GetListing(ctx context.Context, id uint64) (*Record, error) {
	if id == 0 {
		return nil, ErrNotFound
	}
	values, err := c.call(ctx, "get listing", methodDetails, new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	details := *abi.ConvertType(values[0], new(produceDetails)).(*produceDetails)
	if details.Id == nil || details.Id.Sign() == 0 {
		return nil, ErrNotFound
	}
	return details.record()
}

func (d produceDetails) record() (*Record, error) {
	fields := map[string]*big.Int{
		"id":               d.Id,
		"quantity":         d.Quantity,
		"listed_timestamp": d.ListedTimestamp,
		"sold_timestamp":   d.SoldTimestamp,
	}
	for name, v := range fields {
		if v == nil || !v.IsUint64() {
			return nil, fmt.Errorf("ledger get listing: %w: %s %v out of range", ErrMalformedRecord, name, v)
		}
	}
	price, overflow := uint256.FromBig(orZero(d.PricePerUnit))
	if overflow {
		return nil, fmt.Errorf("ledger get listing: %w: price overflow", ErrMalformedRecord)
	}
	total, overflow := uint256.FromBig(orZero(d.TotalPrice))
	if overflow {
		return nil, fmt.Errorf("ledger get listing: %w: total overflow", ErrMalformedRecord)
	}
	return &Record{
		ID:           d.Id.Uint64(),
		Farmer:       d.Farmer.Hex(),
		Name:         d.Name,
		Quantity:     d.Quantity.Uint64(),
		PricePerUnit: price,
		TotalPrice:   total,
		IsSold:       d.IsSold,
		Buyer:        d.Buyer.Hex(),
		ListedAt:     d.ListedTimestamp.Uint64(),
		SoldAt:       d.SoldTimestamp.Uint64(),
	}, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// SubmitListing sends listProduce signed by the farmer's signer and returns
// the id from the ProduceListed log.
func (c *EVMClient) SubmitListing(ctx context.Context, name string, quantity uint64, pricePerUnit *uint256.Int, farmer common.Address) (uint64, error) {
	if pricePerUnit == nil {
		pricePerUnit = new(uint256.Int)
	}
	input, err := c.abi.Pack(methodListProduce, name, new(big.Int).SetUint64(quantity), pricePerUnit.ToBig())
	if err != nil {
		return 0, fmt.Errorf("ledger submit listing: pack: %w", err)
	}
	receipt, err := c.transact(ctx, "submit listing", farmer, nil, input)
	if err != nil {
		return 0, err
	}
	listed := c.abi.Events[eventProduceListed].ID
	for _, log := range receipt.Logs {
		if log == nil || log.Address != c.contract || len(log.Topics) < 2 {
			continue
		}
		if log.Topics[0] != listed {
			continue
		}
		id := new(big.Int).SetBytes(log.Topics[1].Bytes())
		if !id.IsUint64() || id.Sign() == 0 {
			break
		}
		return id.Uint64(), nil
	}
	return 0, fmt.Errorf("ledger submit listing: %w: no %s log in %s", ErrMalformedRecord, eventProduceListed, receipt.TxHash.Hex())
}

// SubmitPurchase sends buyProduce with payment attached, signed by the
// buyer's signer.
func (c *EVMClient) SubmitPurchase(ctx context.Context, id uint64, buyer common.Address, payment *uint256.Int) (*marketplace.Receipt, error) {
	if payment == nil {
		payment = new(uint256.Int)
	}
	input, err := c.abi.Pack(methodBuyProduce, new(big.Int).SetUint64(id))
	if err != nil {
		return nil, fmt.Errorf("ledger submit purchase: pack: %w", err)
	}
	if _, err := c.transact(ctx, "submit purchase", buyer, payment.ToBig(), input); err != nil {
		return nil, err
	}
	rec, err := c.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	return &marketplace.Receipt{
		ID:         id,
		Buyer:      buyer,
		TotalPrice: rec.TotalPrice,
		SoldAt:     int64(rec.SoldAt),
	}, nil
}

func (c *EVMClient) transact(ctx context.Context, op string, from common.Address, value *big.Int, input []byte) (*gethtypes.Receipt, error) {
	if from == (common.Address{}) {
		field := "farmer"
		if op == "submit purchase" {
			field = "buyer"
		}
		return nil, &marketplace.ValidationError{Field: field, Reason: "must not be the zero address"}
	}
	signer, err := c.signers.SignerFor(from)
	if err != nil {
		return nil, fmt.Errorf("ledger %s: %w", op, err)
	}
	if value == nil {
		value = new(big.Int)
	}
	to := c.contract
	msg := ethereum.CallMsg{From: from, To: &to, Value: value, Data: input}

	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		return nil, classify(op, err)
	}
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, unavailable(op, err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, unavailable(op, err)
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     input,
	})
	signed, err := signer.SignTx(tx, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("ledger %s: sign: %w", op, err)
	}
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, classify(op, err)
	}
	receipt, err := c.waitMined(ctx, op, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return nil, &RevertError{Reason: fmt.Sprintf("transaction %s failed", signed.Hash().Hex())}
	}
	return receipt, nil
}

func (c *EVMClient) waitMined(ctx context.Context, op string, hash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		if err := c.wait(ctx, op); err != nil {
			return nil, err
		}
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, unavailable(op, err)
		}
		select {
		case <-ctx.Done():
			return nil, unavailable(op, ctx.Err())
		case <-ticker.C:
		}
	}
}

// classify maps an RPC error onto the marketplace taxonomy when it carries a
// recognised revert reason and onto ErrExternalUnavailable otherwise.
func classify(op string, err error) error {
	reason, reverted := revertReason(err)
	if !reverted {
		return unavailable(op, err)
	}
	if mapped := rejectionFor(reason); mapped != nil {
		return mapped
	}
	return &RevertError{Reason: reason}
}

func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(raw); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason, true
				}
			}
		}
	}
	msg := err.Error()
	if idx := strings.Index(msg, "execution reverted"); idx >= 0 {
		reason := strings.TrimSpace(strings.TrimPrefix(msg[idx+len("execution reverted"):], ":"))
		return reason, true
	}
	return "", false
}

func rejectionFor(reason string) error {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "not exist"), strings.Contains(lower, "not found"), strings.Contains(lower, "invalid produce id"):
		return ErrNotFound
	case strings.Contains(lower, "already sold"):
		return marketplace.ErrAlreadySold
	case strings.Contains(lower, "own produce"), strings.Contains(lower, "farmer cannot"):
		return marketplace.ErrOwnershipViolation
	case strings.Contains(lower, "payment"), strings.Contains(lower, "exact amount"), strings.Contains(lower, "incorrect value"):
		return marketplace.ErrPaymentMismatch
	case strings.Contains(lower, "name"):
		return &marketplace.ValidationError{Field: "name", Reason: reason}
	case strings.Contains(lower, "quantity"):
		return &marketplace.ValidationError{Field: "quantity", Reason: reason}
	case strings.Contains(lower, "price"):
		return &marketplace.ValidationError{Field: "pricePerUnit", Reason: reason}
	}
	return nil
}

var _ Client = (*EVMClient)(nil)
