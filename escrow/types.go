// Package escrow implements the offer lifecycle engine for peer-to-peer
// asset swaps settled through a custodial escrow wallet: offer creation,
// acceptance with two-phase release, cancellation, manual and administrative
// retries, and the reconciliation sweep that repairs interrupted flows.
package escrow

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an offer.
type Status string

const (
	StatusPending   Status = "pending"
	StatusEscrowed  Status = "escrowed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired, StatusFailed:
		return true
	default:
		return false
	}
}

// NFTDetail carries display metadata captured at offer creation so clients
// can render the offer without a chain lookup.
type NFTDetail struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// Party is one side of a swap: the wallet plus the assets it commits.
type Party struct {
	Wallet     string      `json:"wallet"`
	NFTs       []string    `json:"nfts"`
	NFTDetails []NFTDetail `json:"nftDetails,omitempty"`
	Sol        float64     `json:"sol"`
}

// HasAssets reports whether the party committed anything to the swap.
func (p Party) HasAssets() bool {
	return len(p.NFTs) > 0 || p.Sol > 0
}

// Offer is the durable record of a swap. Timestamps are Unix milliseconds.
// The release and return signature fields double as progress markers: a
// non-empty value means that transfer already happened and must not be
// repeated.
type Offer struct {
	ID        string `json:"id"`
	Status    Status `json:"status"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt"`

	Initiator Party `json:"initiator"`
	Receiver  Party `json:"receiver"`

	Fee      float64 `json:"fee"`
	IsHolder bool    `json:"isHolder"`

	// Deposits into escrow.
	EscrowTxSignature        string `json:"escrowTxSignature,omitempty"`
	ReceiverTxSignature      string `json:"receiverTxSignature,omitempty"`
	ReceiverTransferComplete bool   `json:"receiverTransferComplete,omitempty"`
	EscrowedAt               int64  `json:"escrowedAt,omitempty"`

	// Two-phase release progress. Each flag flips false to true exactly
	// once; retries skip completed phases.
	ReleaseToReceiverComplete           bool   `json:"releaseToReceiverComplete,omitempty"`
	ReleaseToInitiatorComplete          bool   `json:"releaseToInitiatorComplete,omitempty"`
	EscrowReleaseTxSignature            string `json:"escrowReleaseTxSignature,omitempty"`
	EscrowReleaseToInitiatorTxSignature string `json:"escrowReleaseToInitiatorTxSignature,omitempty"`
	EscrowReleaseError                  string `json:"escrowReleaseError,omitempty"`
	EscrowReleaseToInitiatorError       string `json:"escrowReleaseToInitiatorError,omitempty"`

	// Returns of escrowed assets back to their depositors.
	EscrowReturnTxSignature         string   `json:"escrowReturnTxSignature,omitempty"`
	ReceiverEscrowReturnTxSignature string   `json:"receiverEscrowReturnTxSignature,omitempty"`
	ReturnErrors                    []string `json:"returnErrors,omitempty"`

	RetryCount        int `json:"retryCount,omitempty"`
	CleanupRetryCount int `json:"cleanupRetryCount,omitempty"`
	ExpiryRetryCount  int `json:"expiryRetryCount,omitempty"`

	CancelRequested    bool   `json:"cancelRequested,omitempty"`
	CancelRequestedBy  string `json:"cancelRequestedBy,omitempty"`
	CancelAction       string `json:"cancelAction,omitempty"`
	CancelledByCleanup bool   `json:"cancelledByCleanup,omitempty"`
	ExpiredByCleanup   bool   `json:"expiredByCleanup,omitempty"`

	CompletedAt  int64  `json:"completedAt,omitempty"`
	CancelledAt  int64  `json:"cancelledAt,omitempty"`
	FailedAt     int64  `json:"failedAt,omitempty"`
	FailedReason string `json:"failedReason,omitempty"`
}

// ExpiredBy reports whether the offer's deadline has passed at now.
func (o *Offer) ExpiredBy(now time.Time) bool {
	return now.UnixMilli() > o.ExpiresAt
}

// PartyOf returns the side whose wallet matches, or an error when the wallet
// is not part of the offer.
func (o *Offer) PartyOf(wallet string) (Party, error) {
	switch wallet {
	case o.Initiator.Wallet:
		return o.Initiator, nil
	case o.Receiver.Wallet:
		return o.Receiver, nil
	default:
		return Party{}, fmt.Errorf("%w: wallet %s is not part of offer %s", ErrNotParticipant, wallet, o.ID)
	}
}

// View returns a copy suitable for read endpoints: a pending offer past its
// deadline is reported as expired without mutating the stored record.
func (o *Offer) View(now time.Time) Offer {
	view := *o
	if view.Status == StatusPending && view.ExpiredBy(now) {
		view.Status = StatusExpired
	}
	return view
}
