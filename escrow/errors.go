package escrow

import "errors"

// Sentinel errors returned by engine operations. The gateway maps these to
// HTTP status codes; everything not listed here surfaces as a 500.
var (
	ErrInvalidAddress   = errors.New("escrow: invalid wallet address")
	ErrSelfTrade        = errors.New("escrow: initiator and receiver must differ")
	ErrEmptyOffer       = errors.New("escrow: offer must commit at least one asset")
	ErrTooManyNFTs      = errors.New("escrow: too many NFTs on one side")
	ErrTooMuchSol       = errors.New("escrow: SOL amount exceeds the allowed maximum")
	ErrTooManyPending   = errors.New("escrow: wallet has too many pending offers")
	ErrBadMessage       = errors.New("escrow: signed message does not match the request")
	ErrBadSignature     = errors.New("escrow: signature verification failed")
	ErrSignatureUsed    = errors.New("escrow: signature has already been used")
	ErrTxAlreadyUsed    = errors.New("escrow: transaction signature has already been used")
	ErrTxNotFinalized   = errors.New("escrow: transaction is not finalized")
	ErrTxRejected       = errors.New("escrow: escrow transaction verification failed")
	ErrCollectionDenied = errors.New("escrow: NFT is not from an allowed collection")

	ErrOfferNotFound  = errors.New("escrow: offer not found")
	ErrNotParticipant = errors.New("escrow: wallet is not a participant in this offer")
	ErrNotPending     = errors.New("escrow: offer is not pending")
	ErrNotEscrowed    = errors.New("escrow: offer is not in a releasable state")
	ErrOfferExpired   = errors.New("escrow: offer has expired")
	ErrLocked         = errors.New("escrow: offer is being processed")
)
