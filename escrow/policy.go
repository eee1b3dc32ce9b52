package escrow

import (
	"errors"
	"time"
)

// Policy bundles the business constants the engine enforces. All values are
// configurable; DefaultPolicy gives the production settings.
type Policy struct {
	// EscrowWallet receives every deposit; FeeWallet receives service fees.
	EscrowWallet string
	FeeWallet    string

	// AllowedCollections is the allowlist of NFT collections tradeable on
	// the platform. Empty means any collection is accepted.
	AllowedCollections []string
	// FeeExemptCollection grants a zero service fee to wallets holding at
	// least one asset from it.
	FeeExemptCollection string

	PlatformFee         float64
	MaxNFTsPerSide      int
	MaxSolPerSide       float64
	MaxPendingPerWallet int

	OfferLifetime time.Duration
	MessageMaxAge time.Duration
	MessageSkew   time.Duration

	LockTTL      time.Duration
	SignatureTTL time.Duration
	TxClaimTTL   time.Duration

	// Reconciliation windows and retry ceilings.
	EscrowedGrace time.Duration
	EscrowedLimit time.Duration
	MaxRetries    int
}

// DefaultPolicy returns the production policy with wallets left unset.
func DefaultPolicy() Policy {
	return Policy{
		PlatformFee:         0.02,
		MaxNFTsPerSide:      5,
		MaxSolPerSide:       10,
		MaxPendingPerWallet: 10,
		OfferLifetime:       24 * time.Hour,
		MessageMaxAge:       5 * time.Minute,
		MessageSkew:         time.Minute,
		LockTTL:             15 * time.Minute,
		SignatureTTL:        6 * time.Minute,
		TxClaimTTL:          48 * time.Hour,
		EscrowedGrace:       5 * time.Minute,
		EscrowedLimit:       2 * time.Hour,
		MaxRetries:          10,
	}
}

// Validate checks that the policy is usable.
func (p Policy) Validate() error {
	if p.EscrowWallet == "" {
		return errors.New("escrow: policy requires an escrow wallet")
	}
	if p.FeeWallet == "" {
		return errors.New("escrow: policy requires a fee wallet")
	}
	if p.OfferLifetime <= 0 {
		return errors.New("escrow: offer lifetime must be positive")
	}
	if p.LockTTL <= 0 {
		return errors.New("escrow: lock TTL must be positive")
	}
	if p.MaxRetries <= 0 {
		return errors.New("escrow: retry ceiling must be positive")
	}
	return nil
}

// CollectionAllowed reports whether the collection set intersects the
// allowlist.
func (p Policy) CollectionAllowed(collections []string) bool {
	if len(p.AllowedCollections) == 0 {
		return true
	}
	for _, c := range collections {
		for _, allowed := range p.AllowedCollections {
			if c == allowed {
				return true
			}
		}
	}
	return false
}
