package escrow

import (
	"context"
	"fmt"

	"midswap/crypto"
	"midswap/observability/metrics"
)

// CreateParams carries a create request after transport decoding.
type CreateParams struct {
	Initiator Party
	Receiver  Party

	Message   string
	Signature string

	// EscrowTxSignature is the initiator's finalized deposit into escrow.
	EscrowTxSignature string
}

// Create validates a new offer, verifies the initiator's escrow deposit on
// chain, and persists the offer as pending.
func (e *Engine) Create(ctx context.Context, params CreateParams) (*Offer, error) {
	initiator := params.Initiator.Wallet
	receiver := params.Receiver.Wallet

	if !crypto.ValidateAddress(initiator) || !crypto.ValidateAddress(receiver) {
		return nil, e.reject("create", ErrInvalidAddress)
	}
	if initiator == receiver {
		return nil, e.reject("create", ErrSelfTrade)
	}
	// One-sided offers are allowed (a gift of SOL or NFTs); only an offer
	// where neither party commits anything is rejected.
	if !params.Initiator.HasAssets() && !params.Receiver.HasAssets() {
		return nil, e.reject("create", ErrEmptyOffer)
	}
	if len(params.Initiator.NFTs) > e.policy.MaxNFTsPerSide || len(params.Receiver.NFTs) > e.policy.MaxNFTsPerSide {
		return nil, e.reject("create", ErrTooManyNFTs)
	}
	if params.Initiator.Sol < 0 || params.Receiver.Sol < 0 ||
		params.Initiator.Sol > e.policy.MaxSolPerSide || params.Receiver.Sol > e.policy.MaxSolPerSide {
		return nil, e.reject("create", ErrTooMuchSol)
	}

	prefix := fmt.Sprintf("Midswap create offer from %s to %s at ", initiator, receiver)
	if err := e.checkSignedMessage(ctx, initiator, params.Message, params.Signature, prefix); err != nil {
		return nil, e.reject("create", err)
	}
	if params.EscrowTxSignature == "" {
		return nil, e.reject("create", fmt.Errorf("%w: missing escrow deposit transaction", ErrTxRejected))
	}

	pending, err := e.pendingCount(ctx, initiator)
	if err != nil {
		return nil, err
	}
	if pending >= e.policy.MaxPendingPerWallet {
		return nil, e.reject("create", ErrTooManyPending)
	}

	for _, nft := range append(append([]string{}, params.Initiator.NFTs...), params.Receiver.NFTs...) {
		collections, err := e.chain.AssetCollections(ctx, nft)
		if err != nil {
			return nil, fmt.Errorf("look up collections for %s: %w", nft, err)
		}
		if !e.policy.CollectionAllowed(collections) {
			return nil, e.reject("create", fmt.Errorf("%w: %s", ErrCollectionDenied, nft))
		}
	}

	fee := e.policy.PlatformFee
	isHolder := false
	if e.policy.FeeExemptCollection != "" {
		holder, err := e.chain.HoldsCollectionAsset(ctx, initiator, e.policy.FeeExemptCollection)
		if err != nil {
			// Unknown holder status charges the standard fee.
			e.log.Warn("holder check failed, charging standard fee", "wallet", initiator, "error", err)
		} else if holder {
			fee = 0
			isHolder = true
		}
	}

	offerID := NewOfferID()
	if !e.replay.ClaimEscrowTx(ctx, params.EscrowTxSignature, offerID) {
		metrics.ReplayRejections.Inc()
		return nil, e.reject("create", ErrTxAlreadyUsed)
	}

	finalized, err := e.chain.ConfirmFinalized(ctx, params.EscrowTxSignature)
	if err != nil || !finalized {
		e.replay.ReleaseEscrowTxClaim(ctx, params.EscrowTxSignature)
		if err != nil {
			return nil, e.reject("create", fmt.Errorf("%w: %v", ErrTxNotFinalized, err))
		}
		return nil, e.reject("create", ErrTxNotFinalized)
	}
	parsed, err := e.chain.ParsedTransaction(ctx, params.EscrowTxSignature)
	if err != nil {
		e.replay.ReleaseEscrowTxClaim(ctx, params.EscrowTxSignature)
		return nil, e.reject("create", fmt.Errorf("%w: %v", ErrTxRejected, err))
	}
	if err := VerifyDeposit(parsed, DepositExpectation{
		Sender:       initiator,
		EscrowWallet: e.policy.EscrowWallet,
		FeeWallet:    e.policy.FeeWallet,
		NFTs:         params.Initiator.NFTs,
		Sol:          params.Initiator.Sol,
		Fee:          fee,
	}); err != nil {
		e.replay.ReleaseEscrowTxClaim(ctx, params.EscrowTxSignature)
		return nil, e.reject("create", err)
	}

	now := e.now()
	offer := &Offer{
		ID:                offerID,
		Status:            StatusPending,
		CreatedAt:         now.UnixMilli(),
		ExpiresAt:         now.Add(e.policy.OfferLifetime).UnixMilli(),
		Initiator:         params.Initiator,
		Receiver:          params.Receiver,
		Fee:               fee,
		IsHolder:          isHolder,
		EscrowTxSignature: params.EscrowTxSignature,
	}
	e.saveOffer(ctx, offer)
	e.indexWallet(ctx, initiator, offerID)
	e.indexWallet(ctx, receiver, offerID)
	e.txlog.AppendDetached(offerID, TxLogEntry{
		Timestamp: now.UnixMilli(), Action: "created", Actor: initiator, TxSig: params.EscrowTxSignature,
	})
	e.replay.MarkSignatureUsed(ctx, params.Signature)
	metrics.Operations.WithLabelValues("create", "ok").Inc()
	return offer, nil
}

// AcceptParams carries an accept request after transport decoding.
type AcceptParams struct {
	OfferID string
	Wallet  string

	Message   string
	Signature string

	// ReceiverTxSignature is the receiver's finalized deposit into escrow.
	// Required whenever the receiver side committed assets.
	ReceiverTxSignature string
}

// SettlementResult reports the outcome of a release attempt: the offer in
// its post-attempt state plus any phase failures. Phase failures are not
// operation errors; the offer stays escrowed and can be retried.
type SettlementResult struct {
	Offer         *Offer         `json:"offer"`
	ReleaseErrors []ReleaseError `json:"releaseErrors,omitempty"`
}

// Accept verifies the receiver's deposit, checkpoints the offer as escrowed,
// and runs the two settlement phases. Phase two runs only after phase one
// succeeded; a stalled offer is picked up by retry-release or the
// reconciliation sweep.
func (e *Engine) Accept(ctx context.Context, params AcceptParams) (*SettlementResult, error) {
	offer, err := e.loadOffer(ctx, params.OfferID)
	if err != nil {
		return nil, e.reject("accept", err)
	}
	if offer.Status != StatusPending {
		return nil, e.reject("accept", ErrNotPending)
	}
	if offer.ExpiredBy(e.now()) {
		// Not persisted: the stored record stays pending so the sweep
		// still sees it, returns the initiator's escrow, and records the
		// expiry itself.
		return nil, e.reject("accept", ErrOfferExpired)
	}
	if params.Wallet != offer.Receiver.Wallet {
		return nil, e.reject("accept", ErrNotParticipant)
	}

	prefix := fmt.Sprintf("Midswap accept offer %s at ", offer.ID)
	if err := e.checkSignedMessage(ctx, params.Wallet, params.Message, params.Signature, prefix); err != nil {
		return nil, e.reject("accept", err)
	}

	claimed := false
	if offer.Receiver.HasAssets() {
		if params.ReceiverTxSignature == "" {
			return nil, e.reject("accept", fmt.Errorf("%w: missing receiver deposit transaction", ErrTxRejected))
		}
		if !e.replay.ClaimEscrowTx(ctx, params.ReceiverTxSignature, offer.ID) {
			metrics.ReplayRejections.Inc()
			return nil, e.reject("accept", ErrTxAlreadyUsed)
		}
		claimed = true
		releaseClaim := func() { e.replay.ReleaseEscrowTxClaim(ctx, params.ReceiverTxSignature) }

		finalized, err := e.chain.ConfirmFinalized(ctx, params.ReceiverTxSignature)
		if err != nil || !finalized {
			releaseClaim()
			if err != nil {
				return nil, e.reject("accept", fmt.Errorf("%w: %v", ErrTxNotFinalized, err))
			}
			return nil, e.reject("accept", ErrTxNotFinalized)
		}
		parsed, err := e.chain.ParsedTransaction(ctx, params.ReceiverTxSignature)
		if err != nil {
			releaseClaim()
			return nil, e.reject("accept", fmt.Errorf("%w: %v", ErrTxRejected, err))
		}
		if err := VerifyDeposit(parsed, DepositExpectation{
			Sender:       params.Wallet,
			EscrowWallet: e.policy.EscrowWallet,
			FeeWallet:    e.policy.FeeWallet,
			NFTs:         offer.Receiver.NFTs,
			Sol:          offer.Receiver.Sol,
		}); err != nil {
			releaseClaim()
			return nil, e.reject("accept", err)
		}
	}

	ok, err := e.locks.Acquire(ctx, offer.ID, "accept")
	if err != nil || !ok {
		if claimed {
			e.replay.ReleaseEscrowTxClaim(ctx, params.ReceiverTxSignature)
		}
		metrics.LockContention.Inc()
		return nil, e.reject("accept", ErrLocked)
	}
	defer e.locks.Release(ctx, offer.ID)

	// Re-read under the lock: another request may have advanced the offer
	// between the preliminary checks and lock acquisition.
	offer, err = e.loadOffer(ctx, params.OfferID)
	if err != nil {
		if claimed {
			e.replay.ReleaseEscrowTxClaim(ctx, params.ReceiverTxSignature)
		}
		return nil, e.reject("accept", err)
	}
	if offer.Status != StatusPending {
		if claimed {
			e.replay.ReleaseEscrowTxClaim(ctx, params.ReceiverTxSignature)
		}
		return nil, e.reject("accept", ErrNotPending)
	}
	if offer.ExpiredBy(e.now()) {
		if claimed {
			e.replay.ReleaseEscrowTxClaim(ctx, params.ReceiverTxSignature)
		}
		return nil, e.reject("accept", ErrOfferExpired)
	}

	now := e.now()
	if offer.Receiver.HasAssets() {
		// Only a verified deposit signature lands on the record; with
		// nothing pledged, any caller-supplied signature is ignored.
		offer.ReceiverTxSignature = params.ReceiverTxSignature
	}
	offer.ReceiverTransferComplete = offer.Receiver.HasAssets()
	offer.Status = StatusEscrowed
	offer.EscrowedAt = now.UnixMilli()
	// Both deposits are in escrow; this write must land before any assets
	// leave, so an interruption is recoverable from the stored record.
	if err := e.saveOfferStrict(ctx, offer); err != nil {
		if claimed {
			e.replay.ReleaseEscrowTxClaim(ctx, params.ReceiverTxSignature)
		}
		return nil, fmt.Errorf("escrow checkpoint: %w", err)
	}
	e.txlog.AppendDetached(offer.ID, TxLogEntry{
		Timestamp: now.UnixMilli(), Action: "accepted", Actor: params.Wallet, TxSig: offer.ReceiverTxSignature,
	})

	releaseErrs := e.runRelease(ctx, offer, params.Wallet, true)
	if settled(offer) {
		offer.Status = StatusCompleted
		offer.CompletedAt = e.now().UnixMilli()
		e.saveOffer(ctx, offer)
		e.txlog.AppendDetached(offer.ID, TxLogEntry{
			Timestamp: offer.CompletedAt, Action: "completed", Actor: params.Wallet,
		})
	}
	e.replay.MarkSignatureUsed(ctx, params.Signature)

	outcome := "ok"
	if len(releaseErrs) > 0 {
		outcome = "partial"
	}
	metrics.Operations.WithLabelValues("accept", outcome).Inc()
	return &SettlementResult{Offer: offer, ReleaseErrors: releaseErrs}, nil
}

// CancelAction values accepted by Cancel.
const (
	ActionCancel  = "cancel"
	ActionDecline = "decline"
)

// CancelParams carries a cancel or decline request.
type CancelParams struct {
	OfferID string
	Wallet  string
	// Action is "cancel" (initiator withdraws) or "decline" (receiver
	// refuses).
	Action string

	Message   string
	Signature string
}

// CancelResult reports a cancellation outcome. ReturnPending is set when the
// escrow return failed and the offer stays pending flagged for the
// reconciliation sweep.
type CancelResult struct {
	Offer         *Offer `json:"offer"`
	ReturnPending bool   `json:"returnPending,omitempty"`
}

// Cancel withdraws or declines a pending offer and returns the initiator's
// escrowed assets. A failed return does not fail the request: the offer is
// flagged and the sweep finishes the return later.
func (e *Engine) Cancel(ctx context.Context, params CancelParams) (*CancelResult, error) {
	if params.Action != ActionCancel && params.Action != ActionDecline {
		return nil, e.reject("cancel", fmt.Errorf("%w: unknown action %q", ErrBadMessage, params.Action))
	}
	offer, err := e.loadOffer(ctx, params.OfferID)
	if err != nil {
		return nil, e.reject("cancel", err)
	}
	if offer.Status != StatusPending {
		return nil, e.reject("cancel", ErrNotPending)
	}
	switch params.Action {
	case ActionCancel:
		if params.Wallet != offer.Initiator.Wallet {
			return nil, e.reject("cancel", ErrNotParticipant)
		}
	case ActionDecline:
		if params.Wallet != offer.Receiver.Wallet {
			return nil, e.reject("cancel", ErrNotParticipant)
		}
	}

	prefix := fmt.Sprintf("Midswap %s offer %s at ", params.Action, offer.ID)
	if err := e.checkSignedMessage(ctx, params.Wallet, params.Message, params.Signature, prefix); err != nil {
		return nil, e.reject("cancel", err)
	}

	ok, err := e.locks.Acquire(ctx, offer.ID, params.Action)
	if err != nil || !ok {
		metrics.LockContention.Inc()
		return nil, e.reject("cancel", ErrLocked)
	}
	defer e.locks.Release(ctx, offer.ID)

	offer, err = e.loadOffer(ctx, params.OfferID)
	if err != nil {
		return nil, e.reject("cancel", err)
	}
	if offer.Status != StatusPending {
		return nil, e.reject("cancel", ErrNotPending)
	}

	now := e.now()
	offer.CancelRequestedBy = params.Wallet
	offer.CancelAction = params.Action

	result := &CancelResult{Offer: offer}
	if offer.EscrowReturnTxSignature == "" && offer.Initiator.HasAssets() {
		sig, err := e.custody.ReturnToInitiator(ctx, offer)
		if err != nil {
			// Keep the offer alive for the sweep; the caller's intent is
			// recorded so nobody can accept it meanwhile.
			offer.CancelRequested = true
			offer.ReturnErrors = append(offer.ReturnErrors, fmt.Sprintf("%s return: %v", params.Action, err))
			e.saveOffer(ctx, offer)
			e.txlog.AppendDetached(offer.ID, TxLogEntry{
				Timestamp: now.UnixMilli(), Action: params.Action + "_return_failed", Actor: params.Wallet, Detail: err.Error(),
			})
			e.replay.MarkSignatureUsed(ctx, params.Signature)
			metrics.Operations.WithLabelValues("cancel", "partial").Inc()
			result.ReturnPending = true
			return result, nil
		}
		offer.EscrowReturnTxSignature = sig
	}

	offer.Status = StatusCancelled
	offer.CancelledAt = now.UnixMilli()
	e.saveOffer(ctx, offer)
	e.txlog.AppendDetached(offer.ID, TxLogEntry{
		Timestamp: now.UnixMilli(), Action: params.Action + "led", Actor: params.Wallet, TxSig: offer.EscrowReturnTxSignature,
	})
	e.replay.MarkSignatureUsed(ctx, params.Signature)
	metrics.Operations.WithLabelValues("cancel", "ok").Inc()
	return result, nil
}

// RetryReleaseParams carries a manual retry request. Admin requests skip the
// wallet signature check; the gateway authenticates them separately.
type RetryReleaseParams struct {
	OfferID string
	Wallet  string

	Message   string
	Signature string

	Admin bool
}

// RetryRelease re-runs the outstanding settlement phases of an escrowed
// offer. Both phases are attempted independently: phase one already holding
// means only phase two is outstanding.
func (e *Engine) RetryRelease(ctx context.Context, params RetryReleaseParams) (*SettlementResult, error) {
	offer, err := e.loadOffer(ctx, params.OfferID)
	if err != nil {
		return nil, e.reject("retry_release", err)
	}
	if offer.Status != StatusEscrowed {
		return nil, e.reject("retry_release", ErrNotEscrowed)
	}
	actor := "admin"
	if !params.Admin {
		if _, err := offer.PartyOf(params.Wallet); err != nil {
			return nil, e.reject("retry_release", err)
		}
		prefix := fmt.Sprintf("Midswap retry-release offer %s at ", offer.ID)
		if err := e.checkSignedMessage(ctx, params.Wallet, params.Message, params.Signature, prefix); err != nil {
			return nil, e.reject("retry_release", err)
		}
		actor = params.Wallet
	}

	ok, err := e.locks.Acquire(ctx, offer.ID, "retry-release")
	if err != nil || !ok {
		metrics.LockContention.Inc()
		return nil, e.reject("retry_release", ErrLocked)
	}
	defer e.locks.Release(ctx, offer.ID)

	offer, err = e.loadOffer(ctx, params.OfferID)
	if err != nil {
		return nil, e.reject("retry_release", err)
	}
	if offer.Status != StatusEscrowed {
		return nil, e.reject("retry_release", ErrNotEscrowed)
	}

	offer.RetryCount++
	releaseErrs := e.runRelease(ctx, offer, actor, false)
	if settled(offer) {
		offer.Status = StatusCompleted
		offer.CompletedAt = e.now().UnixMilli()
		e.saveOffer(ctx, offer)
		e.txlog.AppendDetached(offer.ID, TxLogEntry{
			Timestamp: offer.CompletedAt, Action: "completed", Actor: actor,
		})
	} else {
		e.saveOffer(ctx, offer)
	}
	if !params.Admin {
		e.replay.MarkSignatureUsed(ctx, params.Signature)
	}

	outcome := "ok"
	if len(releaseErrs) > 0 {
		outcome = "partial"
	}
	metrics.Operations.WithLabelValues("retry_release", outcome).Inc()
	return &SettlementResult{Offer: offer, ReleaseErrors: releaseErrs}, nil
}

// AdminReleaseResult reports a forced unwind: the transactions that returned
// each side's assets and any per-side failures.
type AdminReleaseResult struct {
	Offer             *Offer   `json:"offer"`
	InitiatorReturnTx string   `json:"initiatorReturnTx,omitempty"`
	ReceiverReturnTx  string   `json:"receiverReturnTx,omitempty"`
	Errors            []string `json:"errors,omitempty"`
}

// AdminRelease force-returns every still-escrowed side of a stuck offer to
// its depositor. Allowed on escrowed and failed offers only. A fully
// unwound offer lands in failed with an explanatory reason.
func (e *Engine) AdminRelease(ctx context.Context, offerID string) (*AdminReleaseResult, error) {
	offer, err := e.loadOffer(ctx, offerID)
	if err != nil {
		return nil, e.reject("admin_release", err)
	}
	if offer.Status != StatusEscrowed && offer.Status != StatusFailed {
		return nil, e.reject("admin_release", ErrNotEscrowed)
	}

	ok, err := e.locks.Acquire(ctx, offer.ID, "admin-release")
	if err != nil || !ok {
		metrics.LockContention.Inc()
		return nil, e.reject("admin_release", ErrLocked)
	}
	defer e.locks.Release(ctx, offer.ID)

	offer, err = e.loadOffer(ctx, offerID)
	if err != nil {
		return nil, e.reject("admin_release", err)
	}
	if offer.Status != StatusEscrowed && offer.Status != StatusFailed {
		return nil, e.reject("admin_release", ErrNotEscrowed)
	}

	errs := e.returnSides(ctx, offer, "admin")
	result := &AdminReleaseResult{
		Offer:             offer,
		InitiatorReturnTx: offer.EscrowReturnTxSignature,
		ReceiverReturnTx:  offer.ReceiverEscrowReturnTxSignature,
		Errors:            errs,
	}
	if len(errs) == 0 {
		if offer.Status != StatusFailed {
			offer.Status = StatusFailed
			offer.FailedAt = e.now().UnixMilli()
			offer.FailedReason = "administratively unwound"
		}
		e.saveOffer(ctx, offer)
		metrics.Operations.WithLabelValues("admin_release", "ok").Inc()
	} else {
		offer.ReturnErrors = append(offer.ReturnErrors, errs...)
		e.saveOffer(ctx, offer)
		metrics.Operations.WithLabelValues("admin_release", "partial").Inc()
	}
	return result, nil
}

// reject counts a refused operation and passes the error through.
func (e *Engine) reject(op string, err error) error {
	metrics.Operations.WithLabelValues(op, "rejected").Inc()
	return err
}
