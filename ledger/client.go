package ledger

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"sovrbridge/bridge"
)

// tokenABI is the slice of the POS credit token contract the bridge
// consumes: the burn entrypoint and the event it emits.
const tokenABI = `[
  {
    "type": "function",
    "name": "burnForPOS",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "payer", "type": "address"},
      {"name": "merchantId", "type": "bytes32"},
      {"name": "amount", "type": "uint256"},
      {"name": "complianceHash", "type": "bytes32"}
    ],
    "outputs": []
  },
  {
    "type": "event",
    "name": "TokensBurned",
    "inputs": [
      {"name": "payer", "type": "address", "indexed": true},
      {"name": "merchantId", "type": "bytes32", "indexed": false},
      {"name": "amount", "type": "uint256", "indexed": false},
      {"name": "complianceHash", "type": "bytes32", "indexed": false}
    ],
    "anonymous": false
  }
]`

const burnEventName = "TokensBurned"

// Client talks to the EVM ledger: it filters TokensBurned events for the
// watermark poller and submits signed burnForPOS calls for the executor.
// It implements bridge.LedgerQuerier and bridge.LedgerSubmitter.
type Client struct {
	eth      *ethclient.Client
	contract common.Address
	abi      abi.ABI
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	logger   *slog.Logger

	confirmations   uint64
	receiptInterval time.Duration
}

// ClientOption customises the ledger client.
type ClientOption func(*Client)

// WithConfirmations sets how many blocks behind the head the "confirmed"
// height trails.
func WithConfirmations(n uint64) ClientOption {
	return func(c *Client) { c.confirmations = n }
}

// WithReceiptInterval sets the receipt polling cadence.
func WithReceiptInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.receiptInterval = d }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// Dial connects to the RPC endpoint and prepares the bound contract. The
// signer key is supplied separately by the secret source; it never lives
// in configuration files.
func Dial(ctx context.Context, rpcURL, contractHex, signerKeyHex string, chainID int64, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(rpcURL) == "" {
		return nil, errors.New("ledger rpc url required")
	}
	if !common.IsHexAddress(contractHex) {
		return nil, fmt.Errorf("invalid contract address %q", contractHex)
	}
	parsedABI, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		return nil, fmt.Errorf("parse token abi: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(signerKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signer key: %w", err)
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	c := &Client{
		eth:             eth,
		contract:        common.HexToAddress(contractHex),
		abi:             parsedABI,
		key:             key,
		from:            crypto.PubkeyToAddress(key.PublicKey),
		chainID:         big.NewInt(chainID),
		logger:          slog.Default(),
		confirmations:   3,
		receiptInterval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	if c != nil && c.eth != nil {
		c.eth.Close()
	}
}

// SignerAddress returns the burn signer's address.
func (c *Client) SignerAddress() string {
	return c.from.Hex()
}

// CurrentHeight returns the confirmed chain height: the head minus the
// configured confirmation depth.
func (c *Client) CurrentHeight(ctx context.Context) (uint64, error) {
	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, bridge.TransientError("query block number", err)
	}
	if head < c.confirmations {
		return 0, nil
	}
	return head - c.confirmations, nil
}

// BurnEvents queries TokensBurned logs in the inclusive block range and
// returns them in ledger order. The poller never reorders events.
func (c *Client) BurnEvents(ctx context.Context, fromBlock, toBlock uint64) ([]bridge.BurnObserved, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{c.abi.Events[burnEventName].ID}},
	}
	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, bridge.TransientError("filter burn logs", err)
	}
	events := make([]bridge.BurnObserved, 0, len(logs))
	for _, entry := range logs {
		ev, err := c.decodeBurn(entry)
		if err != nil {
			c.logger.Error("undecodable burn log", "tx", entry.TxHash.Hex(), "block", entry.BlockNumber, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (c *Client) decodeBurn(entry types.Log) (bridge.BurnObserved, error) {
	if len(entry.Topics) < 2 {
		return bridge.BurnObserved{}, errors.New("missing payer topic")
	}
	values, err := c.abi.Unpack(burnEventName, entry.Data)
	if err != nil {
		return bridge.BurnObserved{}, fmt.Errorf("unpack event data: %w", err)
	}
	if len(values) != 3 {
		return bridge.BurnObserved{}, fmt.Errorf("unexpected field count %d", len(values))
	}
	merchantID, ok := values[0].([32]byte)
	if !ok {
		return bridge.BurnObserved{}, errors.New("merchant id is not bytes32")
	}
	amountWei, ok := values[1].(*big.Int)
	if !ok {
		return bridge.BurnObserved{}, errors.New("amount is not uint256")
	}
	complianceHash, ok := values[2].([32]byte)
	if !ok {
		return bridge.BurnObserved{}, errors.New("compliance hash is not bytes32")
	}
	minor, exact := WeiToMinor(amountWei)
	if !exact {
		// Correlation compares minor units exactly; an off-grid amount will
		// be attributed as a mismatch rather than silently accepted.
		c.logger.Warn("burn amount not on minor-unit grid", "tx", entry.TxHash.Hex(), "wei", amountWei.String())
	}
	payer := common.BytesToAddress(entry.Topics[1].Bytes())
	return bridge.BurnObserved{
		Reference:    "0x" + hex.EncodeToString(complianceHash[:]),
		PayerAddress: payer.Hex(),
		MerchantID:   "0x" + hex.EncodeToString(merchantID[:]),
		Amount:       minor,
		TxHash:       entry.TxHash.Hex(),
		BlockNumber:  entry.BlockNumber,
	}, nil
}

// SubmitBurn packs, signs, and broadcasts a burnForPOS call. A revert
// during gas estimation is surfaced as an external rejection with the
// node's reason preserved; infrastructure failures are transient.
func (c *Client) SubmitBurn(ctx context.Context, req bridge.BurnRequest) (string, error) {
	if !common.IsHexAddress(req.PayerAddress) {
		return "", bridge.RejectionError(bridge.SettlementID(req.Reference), fmt.Sprintf("invalid payer address %q", req.PayerAddress), nil)
	}
	payer := common.HexToAddress(req.PayerAddress)
	merchantID := bridge.MerchantKey(req.MerchantID)
	reference, err := referenceBytes(req.Reference)
	if err != nil {
		return "", bridge.RejectionError(bridge.SettlementID(req.Reference), "unusable correlation reference", err)
	}
	wei := MinorToWei(req.Amount)

	data, err := c.abi.Pack("burnForPOS", payer, merchantID, wei, reference)
	if err != nil {
		return "", fmt.Errorf("pack burnForPOS: %w", err)
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", bridge.TransientError("query nonce", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", bridge.TransientError("suggest gas price", err)
	}
	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: c.from,
		To:   &c.contract,
		Data: data,
	})
	if err != nil {
		// Estimation executes the call; a revert here means the burn would
		// fail on-chain (insufficient authorization, paused token).
		return "", bridge.RejectionError(bridge.SettlementID(req.Reference), "burn rejected by ledger", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Gas:      gasLimit + gasLimit/5,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("sign burn tx: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", bridge.TransientError("broadcast burn tx", err)
	}
	c.logger.Info("burn transaction broadcast", "tx", signed.Hash().Hex(), "payer", payer.Hex(), "wei", wei.String())
	return signed.Hash().Hex(), nil
}

// WaitForReceipt polls until the transaction is mined or the context
// expires.
func (c *Client) WaitForReceipt(ctx context.Context, txHash string) (bridge.Receipt, error) {
	hash := common.HexToHash(txHash)
	interval := c.receiptInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			out := bridge.Receipt{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
			}
			if receipt.Status == types.ReceiptStatusFailed {
				out.Reverted = true
				out.Reason = "burn transaction reverted"
			}
			return out, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return bridge.Receipt{}, bridge.TransientError("query receipt", err)
		}
		select {
		case <-ctx.Done():
			return bridge.Receipt{}, bridge.TransientError("wait for receipt", ctx.Err())
		case <-ticker.C:
		}
	}
}

func referenceBytes(reference string) ([32]byte, error) {
	var out [32]byte
	cleaned := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(reference), "0x"), "0X")
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return out, fmt.Errorf("decode reference: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("reference must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
