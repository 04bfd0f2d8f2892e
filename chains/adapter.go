// Package chains implements the per-chain transfer and verification
// primitives behind a single Adapter contract, so the settlement engine
// never branches on chain specifics.
package chains

import (
	"context"

	"github.com/agentpay/agentpay/types"
)

// Credential is a parsed signing credential for one chain.
type Credential interface {
	// Address returns the payer address derived from the credential.
	Address() string
}

// Adapter is the uniform per-chain contract. Transfer and Broadcast block
// until the chain reports inclusion; Verify never mutates state.
type Adapter interface {
	Chain() types.Chain

	// ParseCredential decodes a raw signing credential, failing with
	// INVALID_CREDENTIAL on malformed input.
	ParseCredential(raw string) (Credential, error)

	// Transfer builds, signs and submits a token transfer, then waits
	// for confirmation. For account-model chains the recipient's token
	// account is created first when missing, funded by the sender.
	Transfer(ctx context.Context, cred Credential, recipient, amount string, token types.TokenInfo) (*types.TransferResult, error)

	// Broadcast submits an already-signed transaction blob.
	Broadcast(ctx context.Context, signedBlob []byte) (*types.TransferResult, error)

	// Verify fetches a transaction by hash and checks it against the
	// expected recipient and amount.
	Verify(ctx context.Context, txHash, expectedRecipient, expectedAmount string, token types.TokenInfo) (*types.VerificationResult, error)

	Close()
}
