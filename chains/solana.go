package chains

import (
	"context"
	"encoding/base64"
	"math/big"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	binary "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	ata "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/agentpay/agentpay/types"
)

var _ Adapter = (*SolanaAdapter)(nil)

// SolanaAdapter settles SPL token transfers.
type SolanaAdapter struct {
	chain   types.Chain
	rpcURL  string
	client  *rpc.Client
	breaker *rpcBreaker
}

func NewSolanaAdapter(chain types.Chain, rpcURL string) (*SolanaAdapter, error) {
	if !chain.IsSolana() {
		return nil, types.Errorf(types.ErrUnsupportedChain, "chain %s is not a Solana chain", chain)
	}
	return &SolanaAdapter{
		chain:   chain,
		rpcURL:  rpcURL,
		client:  rpc.New(rpcURL),
		breaker: newRPCBreaker("solana-" + chain.String()),
	}, nil
}

func (s *SolanaAdapter) Chain() types.Chain { return s.chain }

func (s *SolanaAdapter) Close() {}

type solanaCredential struct {
	key solana.PrivateKey
}

func (c *solanaCredential) Address() string {
	return c.key.PublicKey().String()
}

// ParseCredential decodes a base58-encoded ed25519 private key.
func (s *SolanaAdapter) ParseCredential(raw string) (Credential, error) {
	key, err := solana.PrivateKeyFromBase58(raw)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidCredential, "bad Solana private key: %v", err)
	}
	return &solanaCredential{key: key}, nil
}

// Transfer moves SPL tokens between associated token accounts, creating
// the recipient's account when it does not exist yet.
func (s *SolanaAdapter) Transfer(ctx context.Context, cred Credential, recipient, amount string, tok types.TokenInfo) (*types.TransferResult, error) {
	c, ok := cred.(*solanaCredential)
	if !ok {
		return nil, types.Errorf(types.ErrInvalidCredential, "credential is not a Solana credential")
	}
	recipientKey, err := solana.PublicKeyFromBase58(recipient)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidInput, "invalid Solana recipient %q: %v", recipient, err)
	}
	mint, err := solana.PublicKeyFromBase58(tok.Address)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidInput, "invalid token mint %q: %v", tok.Address, err)
	}
	units, err := ToBaseUnits(amount, tok.Decimals)
	if err != nil {
		return nil, err
	}
	if !units.IsUint64() {
		return nil, types.Errorf(types.ErrInvalidInput, "amount %s exceeds u64 range", amount)
	}

	payer := c.key.PublicKey()
	sourceATA, _, err := solana.FindAssociatedTokenAddress(payer, mint)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidInput, "failed to derive source token account: %v", err)
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(recipientKey, mint)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidInput, "failed to derive destination token account: %v", err)
	}

	var instructions []solana.Instruction
	destExists, err := s.accountExists(ctx, destATA)
	if err != nil {
		return nil, err
	}
	if !destExists {
		instructions = append(instructions,
			ata.NewCreateInstruction(payer, recipientKey, mint).Build())
	}
	instructions = append(instructions,
		token.NewTransferCheckedInstruction(
			units.Uint64(),
			uint8(tok.Decimals),
			sourceATA,
			mint,
			destATA,
			payer,
			nil,
		).Build())

	var blockhash solana.Hash
	if err := s.breaker.do(func() error {
		out, rpcErr := s.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
		if rpcErr != nil {
			return types.Errorf(types.ErrNetwork, "failed to fetch blockhash: %v", rpcErr)
		}
		blockhash = out.Value.Blockhash
		return nil
	}); err != nil {
		return nil, err
	}

	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidInput, "failed to build transaction: %v", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer) {
			return &c.key
		}
		return nil
	}); err != nil {
		return nil, types.Errorf(types.ErrInvalidCredential, "failed to sign transaction: %v", err)
	}

	sig, err := s.send(ctx, tx)
	if err != nil {
		return nil, err
	}
	slot, err := s.confirm(ctx, sig)
	if err != nil {
		return nil, err
	}
	return &types.TransferResult{
		TxHash:             sig.String(),
		ConfirmationHeight: slot,
		Payer:              payer.String(),
	}, nil
}

// Broadcast submits a pre-signed transaction. Raw bytes are attempted
// first, falling back to base64 text.
func (s *SolanaAdapter) Broadcast(ctx context.Context, signedBlob []byte) (*types.TransferResult, error) {
	tx, err := solana.TransactionFromDecoder(binary.NewBinDecoder(signedBlob))
	if err != nil {
		decoded, b64Err := base64.StdEncoding.DecodeString(string(signedBlob))
		if b64Err != nil {
			return nil, types.Errorf(types.ErrInvalidInput, "undecodable transaction blob: %v", err)
		}
		tx, err = solana.TransactionFromDecoder(binary.NewBinDecoder(decoded))
		if err != nil {
			return nil, types.Errorf(types.ErrInvalidInput, "undecodable transaction blob: %v", err)
		}
	}

	sig, err := s.send(ctx, tx)
	if err != nil {
		return nil, err
	}
	slot, err := s.confirm(ctx, sig)
	if err != nil {
		return nil, err
	}
	result := &types.TransferResult{
		TxHash:             sig.String(),
		ConfirmationHeight: slot,
	}
	if len(tx.Message.AccountKeys) > 0 {
		result.Payer = tx.Message.AccountKeys[0].String()
	}
	return result, nil
}

// Verify fetches the confirmed transaction and checks for a token
// transfer into the recipient's associated token account of at least the
// expected amount.
func (s *SolanaAdapter) Verify(ctx context.Context, txHash, expectedRecipient, expectedAmount string, tok types.TokenInfo) (*types.VerificationResult, error) {
	sig, err := solana.SignatureFromBase58(txHash)
	if err != nil {
		return &types.VerificationResult{Valid: false, InvalidReason: "invalid transaction signature"}, nil
	}
	recipientKey, err := solana.PublicKeyFromBase58(expectedRecipient)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidInput, "invalid Solana recipient %q: %v", expectedRecipient, err)
	}
	mint, err := solana.PublicKeyFromBase58(tok.Address)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidInput, "invalid token mint %q: %v", tok.Address, err)
	}
	expectedUnits, err := ToBaseUnits(expectedAmount, tok.Decimals)
	if err != nil {
		return nil, err
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(recipientKey, mint)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidInput, "failed to derive destination token account: %v", err)
	}

	var out *rpc.GetTransactionResult
	if err := s.breaker.do(func() error {
		var rpcErr error
		out, rpcErr = s.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Commitment: rpc.CommitmentConfirmed,
		})
		if rpcErr == rpc.ErrNotFound {
			out = nil
			return nil
		}
		if rpcErr != nil {
			return types.Errorf(types.ErrNetwork, "failed to fetch transaction: %v", rpcErr)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if out == nil {
		return &types.VerificationResult{Valid: false, InvalidReason: "transaction not found"}, nil
	}
	if out.Meta != nil && out.Meta.Err != nil {
		return &types.VerificationResult{Valid: false, InvalidReason: "transaction failed on chain"}, nil
	}

	tx, err := out.Transaction.GetTransaction()
	if err != nil {
		return &types.VerificationResult{Valid: false, InvalidReason: "failed to decode transaction"}, nil
	}

	for _, inst := range tx.Message.Instructions {
		prog, err := tx.Message.Program(inst.ProgramIDIndex)
		if err != nil || !prog.Equals(solana.TokenProgramID) {
			continue
		}
		metas := make([]*solana.AccountMeta, len(inst.Accounts))
		skip := false
		for i, accIdx := range inst.Accounts {
			pub, err := tx.Message.Account(accIdx)
			if err != nil {
				skip = true
				break
			}
			writable, err := tx.Message.IsWritable(pub)
			if err != nil {
				skip = true
				break
			}
			metas[i] = &solana.AccountMeta{
				PublicKey:  pub,
				IsSigner:   tx.Message.IsSigner(pub),
				IsWritable: writable,
			}
		}
		if skip {
			continue
		}
		tokInst, err := token.DecodeInstruction(metas, inst.Data)
		if err != nil {
			continue
		}

		var (
			amount uint64
			dest   solana.PublicKey
			owner  solana.PublicKey
			match  bool
		)
		switch impl := tokInst.Impl.(type) {
		case *token.TransferChecked:
			if len(metas) >= 4 && metas[1].PublicKey.Equals(mint) {
				amount, dest, owner = *impl.Amount, metas[2].PublicKey, metas[3].PublicKey
				match = true
			}
		case *token.Transfer:
			if len(metas) >= 3 {
				amount, dest, owner = *impl.Amount, metas[1].PublicKey, metas[2].PublicKey
				match = true
			}
		}
		if !match || !dest.Equals(destATA) {
			continue
		}
		if new(big.Int).SetUint64(amount).Cmp(expectedUnits) < 0 {
			return &types.VerificationResult{Valid: false, InvalidReason: "transfer amount below required"}, nil
		}
		return &types.VerificationResult{
			Valid:              true,
			Payer:              owner.String(),
			ConfirmationHeight: out.Slot,
		}, nil
	}

	return &types.VerificationResult{Valid: false, InvalidReason: "no matching token transfer found"}, nil
}

func (s *SolanaAdapter) accountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	var exists bool
	err := s.breaker.do(func() error {
		out, rpcErr := s.client.GetAccountInfo(ctx, account)
		if rpcErr == rpc.ErrNotFound {
			exists = false
			return nil
		}
		if rpcErr != nil {
			return types.Errorf(types.ErrNetwork, "failed to fetch account: %v", rpcErr)
		}
		exists = out != nil && out.Value != nil
		return nil
	})
	return exists, err
}

func (s *SolanaAdapter) send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	var sig solana.Signature
	err := s.breaker.do(func() error {
		var rpcErr error
		sig, rpcErr = s.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			PreflightCommitment: rpc.CommitmentConfirmed,
		})
		return classifySolanaErr(rpcErr)
	})
	return sig, err
}

// confirm polls signature status until the transaction finalizes.
func (s *SolanaAdapter) confirm(ctx context.Context, sig solana.Signature) (uint64, error) {
	var (
		slot     uint64
		rejected error
	)
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(20),
		retry.DelayType(func(uint, error, retry.DelayContext) time.Duration {
			return 2 * time.Second
		}),
	)
	err := r.Do(func() error {
		out, rpcErr := s.client.GetSignatureStatuses(ctx, true, sig)
		if rpcErr != nil {
			return types.Errorf(types.ErrNetwork, "failed to fetch signature status: %v", rpcErr)
		}
		if len(out.Value) == 0 || out.Value[0] == nil {
			return types.Errorf(types.ErrNetwork, "transaction %s not yet observed", sig)
		}
		status := out.Value[0]
		if status.Err != nil {
			// definitive on-chain failure, do not keep polling
			rejected = types.Errorf(types.ErrChainRejected, "transaction %s failed: %v", sig, status.Err)
			return nil
		}
		if status.ConfirmationStatus != rpc.ConfirmationStatusFinalized &&
			status.ConfirmationStatus != rpc.ConfirmationStatusConfirmed {
			return types.Errorf(types.ErrNetwork, "transaction %s not yet confirmed", sig)
		}
		slot = status.Slot
		return nil
	})
	if rejected != nil {
		return 0, rejected
	}
	if err != nil {
		return 0, types.Errorf(types.ErrNetwork, "transaction %s not confirmed: %v", sig, err)
	}
	return slot, nil
}

// classifySolanaErr maps node errors onto the settlement taxonomy.
// Preflight simulation failures are definitive rejections; everything
// else is treated as transient.
func classifySolanaErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "insufficient funds", "insufficient lamports"):
		return types.Errorf(types.ErrInsufficientFunds, "%v", err)
	// The token program reports an insufficient token balance as
	// custom program error 0x1.
	case containsAny(msg, "custom program error: 0x1\"", "custom program error: 0x1 ") ||
		strings.HasSuffix(msg, "custom program error: 0x1"):
		return types.Errorf(types.ErrInsufficientFunds, "%v", err)
	case containsAny(msg, "Transaction simulation failed", "custom program error", "InstructionError"):
		return types.Errorf(types.ErrChainRejected, "%v", err)
	default:
		return types.Errorf(types.ErrNetwork, "%v", err)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
