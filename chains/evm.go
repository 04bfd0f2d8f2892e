package chains

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/agentpay/agentpay/types"
)

const erc20ABI = `
[
  {
    "name": "transfer",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "to", "type": "address" },
      { "name": "value", "type": "uint256" }
    ],
    "outputs": [{ "name": "", "type": "bool" }]
  },
  {
    "name": "balanceOf",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{ "name": "owner", "type": "address" }],
    "outputs": [{ "name": "", "type": "uint256" }]
  }
]
`

var _ Adapter = (*EVMAdapter)(nil)

// EVMAdapter settles ERC20 transfers on EVM chains.
type EVMAdapter struct {
	chain    types.Chain
	rpcURL   string
	client   *ethclient.Client
	chainID  *big.Int
	tokenABI abi.ABI
	breaker  *rpcBreaker
}

// NewEVMAdapter connects to an EVM node. The chain id comes from the
// closed chain table, not from the node, so a misconfigured RPC endpoint
// cannot silently sign for the wrong chain.
func NewEVMAdapter(chain types.Chain, rpcURL string) (*EVMAdapter, error) {
	if !chain.IsEVM() {
		return nil, types.Errorf(types.ErrUnsupportedChain, "chain %s is not an EVM chain", chain)
	}
	chainID, ok := types.EVMChainID[chain]
	if !ok {
		return nil, types.Errorf(types.ErrUnsupportedChain, "no chain id known for %s", chain)
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, types.Errorf(types.ErrNetwork, "failed to connect to EVM RPC: %v", err)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, err
	}
	return &EVMAdapter{
		chain:    chain,
		rpcURL:   rpcURL,
		client:   client,
		chainID:  big.NewInt(chainID),
		tokenABI: parsed,
		breaker:  newRPCBreaker("evm-" + chain.String()),
	}, nil
}

func (e *EVMAdapter) Chain() types.Chain { return e.chain }

func (e *EVMAdapter) Close() { e.client.Close() }

type evmCredential struct {
	key *ecdsa.PrivateKey
}

func (c *evmCredential) Address() string {
	return crypto.PubkeyToAddress(c.key.PublicKey).Hex()
}

// ParseCredential decodes a hex-encoded secp256k1 private key.
func (e *EVMAdapter) ParseCredential(raw string) (Credential, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidCredential, "bad EVM private key: %v", err)
	}
	return &evmCredential{key: key}, nil
}

// Transfer builds, signs and submits an ERC20 transfer and waits for the
// receipt.
func (e *EVMAdapter) Transfer(ctx context.Context, cred Credential, recipient, amount string, token types.TokenInfo) (*types.TransferResult, error) {
	c, ok := cred.(*evmCredential)
	if !ok {
		return nil, types.Errorf(types.ErrInvalidCredential, "credential is not an EVM credential")
	}
	if !common.IsHexAddress(recipient) {
		return nil, types.Errorf(types.ErrInvalidInput, "invalid EVM recipient %q", recipient)
	}
	if !common.IsHexAddress(token.Address) {
		return nil, types.Errorf(types.ErrInvalidInput, "invalid token address %q", token.Address)
	}
	units, err := ToBaseUnits(amount, token.Decimals)
	if err != nil {
		return nil, err
	}

	from := crypto.PubkeyToAddress(c.key.PublicKey)
	to := common.HexToAddress(recipient)
	contract := common.HexToAddress(token.Address)

	bal, err := e.balanceOf(ctx, contract, from)
	if err != nil {
		return nil, err
	}
	if bal.Cmp(units) < 0 {
		return nil, types.Errorf(types.ErrInsufficientFunds,
			"token balance %s below required %s", FromBaseUnits(bal, token.Decimals), amount)
	}

	callData, err := e.tokenABI.Pack("transfer", to, units)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidInput, "failed to encode transfer: %v", err)
	}

	signed, err := e.buildAndSign(ctx, c.key, from, contract, callData)
	if err != nil {
		return nil, err
	}

	if err := e.breaker.do(func() error {
		return classifyEVMErr(e.client.SendTransaction(ctx, signed))
	}); err != nil {
		return nil, err
	}

	receipt, err := e.waitReceipt(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return nil, types.Errorf(types.ErrChainRejected, "transaction %s reverted", signed.Hash())
	}
	return &types.TransferResult{
		TxHash:             signed.Hash().Hex(),
		ConfirmationHeight: receipt.BlockNumber.Uint64(),
		Payer:              from.Hex(),
	}, nil
}

// Broadcast submits a pre-signed transaction. The typed (EIP-2718)
// envelope is attempted first, falling back to legacy RLP decoding.
func (e *EVMAdapter) Broadcast(ctx context.Context, signedBlob []byte) (*types.TransferResult, error) {
	tx := new(ethtypes.Transaction)
	if err := tx.UnmarshalBinary(signedBlob); err != nil {
		if rlpErr := rlp.DecodeBytes(signedBlob, tx); rlpErr != nil {
			return nil, types.Errorf(types.ErrInvalidInput, "undecodable transaction blob: %v", err)
		}
	}

	if err := e.breaker.do(func() error {
		return classifyEVMErr(e.client.SendTransaction(ctx, tx))
	}); err != nil {
		return nil, err
	}

	receipt, err := e.waitReceipt(ctx, tx.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return nil, types.Errorf(types.ErrChainRejected, "transaction %s reverted", tx.Hash())
	}

	result := &types.TransferResult{
		TxHash:             tx.Hash().Hex(),
		ConfirmationHeight: receipt.BlockNumber.Uint64(),
	}
	if sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(e.chainID), tx); err == nil {
		result.Payer = sender.Hex()
	}
	return result, nil
}

// Verify fetches the transaction by hash and checks the ERC20 transfer
// destination and amount against expectations.
func (e *EVMAdapter) Verify(ctx context.Context, txHash, expectedRecipient, expectedAmount string, token types.TokenInfo) (*types.VerificationResult, error) {
	expectedUnits, err := ToBaseUnits(expectedAmount, token.Decimals)
	if err != nil {
		return nil, err
	}

	var (
		tx      *ethtypes.Transaction
		pending bool
	)
	if err := e.breaker.do(func() error {
		var rpcErr error
		tx, pending, rpcErr = e.client.TransactionByHash(ctx, common.HexToHash(txHash))
		if rpcErr == ethereum.NotFound {
			return nil
		}
		return classifyEVMErr(rpcErr)
	}); err != nil {
		return nil, err
	}
	if tx == nil {
		return &types.VerificationResult{Valid: false, InvalidReason: "transaction not found"}, nil
	}
	if pending {
		return &types.VerificationResult{Valid: false, InvalidReason: "transaction not yet confirmed"}, nil
	}

	var receipt *ethtypes.Receipt
	if err := e.breaker.do(func() error {
		var rpcErr error
		receipt, rpcErr = e.client.TransactionReceipt(ctx, tx.Hash())
		return classifyEVMErr(rpcErr)
	}); err != nil {
		return nil, err
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return &types.VerificationResult{Valid: false, InvalidReason: "transaction reverted"}, nil
	}

	to, value, ok := decodeERC20Transfer(tx.Data())
	if !ok || tx.To() == nil || !strings.EqualFold(tx.To().Hex(), token.Address) {
		return &types.VerificationResult{Valid: false, InvalidReason: "not a transfer of the expected token"}, nil
	}
	if !strings.EqualFold(to.Hex(), expectedRecipient) {
		return &types.VerificationResult{Valid: false, InvalidReason: "transfer destination mismatch"}, nil
	}
	if value.Cmp(expectedUnits) < 0 {
		return &types.VerificationResult{Valid: false, InvalidReason: "transfer amount below required"}, nil
	}

	result := &types.VerificationResult{
		Valid:              true,
		ConfirmationHeight: receipt.BlockNumber.Uint64(),
	}
	if sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
		result.Payer = sender.Hex()
	}
	return result, nil
}

func (e *EVMAdapter) buildAndSign(ctx context.Context, key *ecdsa.PrivateKey, from, contract common.Address, callData []byte) (*ethtypes.Transaction, error) {
	var (
		nonce  uint64
		tipCap *big.Int
		head   *ethtypes.Header
		gas    uint64
	)
	err := e.breaker.do(func() error {
		var rpcErr error
		if nonce, rpcErr = e.client.PendingNonceAt(ctx, from); rpcErr != nil {
			return classifyEVMErr(rpcErr)
		}
		if tipCap, rpcErr = e.client.SuggestGasTipCap(ctx); rpcErr != nil {
			return classifyEVMErr(rpcErr)
		}
		if head, rpcErr = e.client.HeaderByNumber(ctx, nil); rpcErr != nil {
			return classifyEVMErr(rpcErr)
		}
		gas, rpcErr = e.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &contract, Data: callData})
		return classifyEVMErr(rpcErr)
	})
	if err != nil {
		return nil, err
	}

	feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   e.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &contract,
		Data:      callData,
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(e.chainID), key)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidCredential, "failed to sign transaction: %v", err)
	}
	return signed, nil
}

// waitReceipt polls for inclusion. The transaction is already broadcast,
// so only context expiry or node loss end the wait early.
func (e *EVMAdapter) waitReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	var receipt *ethtypes.Receipt
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(20),
		retry.DelayType(func(uint, error, retry.DelayContext) time.Duration {
			return 2 * time.Second
		}),
	)
	err := r.Do(func() error {
		rec, rpcErr := e.client.TransactionReceipt(ctx, hash)
		if rpcErr != nil {
			return types.Errorf(types.ErrNetwork, "receipt for %s not available: %v", hash, rpcErr)
		}
		receipt = rec
		return nil
	})
	if err != nil {
		return nil, types.Errorf(types.ErrNetwork, "transaction %s not confirmed: %v", hash, err)
	}
	return receipt, nil
}

func (e *EVMAdapter) balanceOf(ctx context.Context, contract, owner common.Address) (*big.Int, error) {
	callData, err := e.tokenABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}
	var raw []byte
	if err := e.breaker.do(func() error {
		var rpcErr error
		raw, rpcErr = e.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: callData}, nil)
		return classifyEVMErr(rpcErr)
	}); err != nil {
		return nil, err
	}
	out, err := e.tokenABI.Unpack("balanceOf", raw)
	if err != nil || len(out) != 1 {
		return nil, types.Errorf(types.ErrNetwork, "unexpected balanceOf response")
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, types.Errorf(types.ErrNetwork, "unexpected balanceOf response type")
	}
	return bal, nil
}

// erc20TransferSelector is keccak256("transfer(address,uint256)")[:4].
var erc20TransferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}

func decodeERC20Transfer(data []byte) (common.Address, *big.Int, bool) {
	if len(data) != 4+32+32 {
		return common.Address{}, nil, false
	}
	for i, b := range erc20TransferSelector {
		if data[i] != b {
			return common.Address{}, nil, false
		}
	}
	to := common.BytesToAddress(data[4+12 : 4+32])
	value := new(big.Int).SetBytes(data[4+32:])
	return to, value, true
}

// classifyEVMErr maps node errors onto the settlement taxonomy. Anything
// unrecognized is treated as transient so the record stays in processing
// rather than guessing a terminal failure.
func classifyEVMErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return types.Errorf(types.ErrInsufficientFunds, "%v", err)
	case strings.Contains(msg, "execution reverted"),
		strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "invalid sender"),
		strings.Contains(msg, "replacement transaction underpriced"):
		return types.Errorf(types.ErrChainRejected, "%v", err)
	default:
		return types.Errorf(types.ErrNetwork, "%v", err)
	}
}
