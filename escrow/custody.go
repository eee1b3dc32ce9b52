package escrow

import "context"

// Custody moves assets out of the escrow wallet. Implementations hold the
// escrow signing key; the engine never sees it. Each method returns the
// signature of the transfer it submitted, or an empty string when the side
// holds nothing to move.
type Custody interface {
	// ReleaseToReceiver sends the initiator's escrowed assets to the
	// receiver (phase one of settlement).
	ReleaseToReceiver(ctx context.Context, offer *Offer) (string, error)
	// ReleaseToInitiator sends the receiver's escrowed assets to the
	// initiator (phase two of settlement).
	ReleaseToInitiator(ctx context.Context, offer *Offer) (string, error)
	// ReturnToInitiator sends the initiator's escrowed assets back to the
	// initiator.
	ReturnToInitiator(ctx context.Context, offer *Offer) (string, error)
	// ReturnToReceiver sends the receiver's escrowed assets back to the
	// receiver.
	ReturnToReceiver(ctx context.Context, offer *Offer) (string, error)
}

// NativeTransfer is a lamport movement observed in a parsed transaction.
type NativeTransfer struct {
	From     string `json:"fromUserAccount"`
	To       string `json:"toUserAccount"`
	Lamports int64  `json:"amount"`
}

// TokenTransfer is a token (NFT) movement observed in a parsed transaction.
type TokenTransfer struct {
	From  string `json:"fromUserAccount"`
	To    string `json:"toUserAccount"`
	Mint  string `json:"mint"`
	Count int64  `json:"tokenAmount"`
}

// ParsedTransaction is the enriched view of an on-chain transaction used to
// verify deposits into escrow.
type ParsedTransaction struct {
	Signature       string           `json:"signature"`
	Failed          bool             `json:"failed,omitempty"`
	NativeTransfers []NativeTransfer `json:"nativeTransfers"`
	TokenTransfers  []TokenTransfer  `json:"tokenTransfers"`
}

// ChainQuery answers read-only questions about the chain.
type ChainQuery interface {
	// ParsedTransaction fetches the enriched form of a transaction.
	ParsedTransaction(ctx context.Context, signature string) (*ParsedTransaction, error)
	// ConfirmFinalized blocks until the transaction reaches finalized
	// commitment or the confirmation budget runs out.
	ConfirmFinalized(ctx context.Context, signature string) (bool, error)
	// AssetCollections returns the collection addresses an asset belongs to.
	AssetCollections(ctx context.Context, assetID string) ([]string, error)
	// HoldsCollectionAsset reports whether the wallet owns at least one
	// asset from the given collection.
	HoldsCollectionAsset(ctx context.Context, wallet, collection string) (bool, error)
	// EscrowBalance returns the escrow wallet's SOL balance.
	EscrowBalance(ctx context.Context) (float64, error)
}
