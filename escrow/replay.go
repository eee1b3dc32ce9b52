package escrow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"midswap/storage"
)

// ReplayGuard remembers consumed message signatures and claimed escrow
// transaction signatures. Both checks fail closed: if the store cannot be
// read, the artifact is treated as already used, because admitting a replay
// risks double spending escrowed assets.
type ReplayGuard struct {
	kv     storage.KV
	sigTTL time.Duration
	txTTL  time.Duration
	log    *slog.Logger
}

// NewReplayGuard builds a guard whose signature and transaction claims
// expire after the given TTLs.
func NewReplayGuard(kv storage.KV, sigTTL, txTTL time.Duration, log *slog.Logger) *ReplayGuard {
	if log == nil {
		log = slog.Default()
	}
	return &ReplayGuard{kv: kv, sigTTL: sigTTL, txTTL: txTTL, log: log}
}

func sigKey(signature string) string { return "used_sig:" + signature }
func txKey(signature string) string  { return "used_escrow_tx:" + signature }

// SignatureUsed reports whether a message signature was consumed before.
func (g *ReplayGuard) SignatureUsed(ctx context.Context, signature string) bool {
	_, err := g.kv.Get(ctx, sigKey(signature))
	if err == nil {
		return true
	}
	if errors.Is(err, storage.ErrNotFound) {
		return false
	}
	g.log.Warn("signature replay check failed, rejecting", "error", err)
	return true
}

// MarkSignatureUsed records the signature so later requests cannot replay
// it. The record is written after the operation concludes, success or
// failure, so a failed attempt cannot be resubmitted verbatim either.
func (g *ReplayGuard) MarkSignatureUsed(ctx context.Context, signature string) {
	if err := g.kv.Set(ctx, sigKey(signature), []byte("1"), g.sigTTL); err != nil {
		g.log.Warn("failed to record used signature", "error", err)
	}
}

// ClaimEscrowTx atomically claims an escrow deposit transaction for an
// offer. It returns false when the transaction was already claimed or the
// store could not confirm the claim.
func (g *ReplayGuard) ClaimEscrowTx(ctx context.Context, signature, offerID string) bool {
	ok, err := g.kv.SetNX(ctx, txKey(signature), []byte(offerID), g.txTTL)
	if err != nil {
		g.log.Warn("escrow tx claim failed, rejecting", "error", err)
		return false
	}
	return ok
}

// ReleaseEscrowTxClaim undoes a claim after downstream validation rejected
// the transaction, so the depositor can retry with the same transaction.
func (g *ReplayGuard) ReleaseEscrowTxClaim(ctx context.Context, signature string) {
	if err := g.kv.Delete(ctx, txKey(signature)); err != nil {
		g.log.Warn("failed to release escrow tx claim", "error", err)
	}
}
