package escrow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"midswap/crypto"
	"midswap/observability/metrics"
	"midswap/storage"
)

var offerIDPattern = regexp.MustCompile(`^offer_[a-f0-9]{32}$`)

// NewOfferID returns a fresh offer identifier.
func NewOfferID() string {
	return "offer_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Engine drives the offer lifecycle. All state lives in the KV store; the
// engine itself is stateless and safe for concurrent use.
type Engine struct {
	kv      storage.KV
	custody Custody
	chain   ChainQuery
	policy  Policy

	locks  *LockManager
	replay *ReplayGuard
	txlog  *TxLog

	log   *slog.Logger
	nowFn func() time.Time
}

// NewEngine wires an Engine over its collaborators. The policy must pass
// Validate.
func NewEngine(kv storage.KV, custody Custody, chain ChainQuery, policy Policy, log *slog.Logger) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		kv:      kv,
		custody: custody,
		chain:   chain,
		policy:  policy,
		locks:   NewLockManager(kv, policy.LockTTL, log),
		replay:  NewReplayGuard(kv, policy.SignatureTTL, policy.TxClaimTTL, log),
		txlog:   NewTxLog(kv, log),
		log:     log,
		nowFn:   time.Now,
	}, nil
}

// SetNowFunc overrides the engine clock. Intended for tests.
func (e *Engine) SetNowFunc(now func() time.Time) { e.nowFn = now }

// Policy returns the policy the engine enforces.
func (e *Engine) Policy() Policy { return e.policy }

// TxLogEntries returns the audit trail for an offer.
func (e *Engine) TxLogEntries(ctx context.Context, offerID string) ([]TxLogEntry, error) {
	return e.txlog.Entries(ctx, offerID)
}

func (e *Engine) now() time.Time { return e.nowFn() }

func offerKey(id string) string      { return "offer:" + id }
func walletKey(wallet string) string { return "wallet:" + wallet + ":offers" }

func (e *Engine) loadOffer(ctx context.Context, id string) (*Offer, error) {
	if !offerIDPattern.MatchString(id) {
		return nil, ErrOfferNotFound
	}
	raw, err := e.kv.Get(ctx, offerKey(id))
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, ErrOfferNotFound
		}
		return nil, fmt.Errorf("load offer %s: %w", id, err)
	}
	var offer Offer
	if err := json.Unmarshal(raw, &offer); err != nil {
		return nil, fmt.Errorf("decode offer %s: %w", id, err)
	}
	return &offer, nil
}

// saveOffer persists the offer. Persistence failures are logged and
// swallowed: the reconciliation sweep repairs offers whose state writes were
// lost, and a failed save must never undo work already done on chain.
func (e *Engine) saveOffer(ctx context.Context, offer *Offer) {
	raw, err := json.Marshal(offer)
	if err != nil {
		e.log.Error("failed to encode offer", "offer", offer.ID, "error", err)
		return
	}
	if err := e.kv.Set(ctx, offerKey(offer.ID), raw, 0); err != nil {
		e.log.Error("failed to persist offer", "offer", offer.ID, "status", offer.Status, "error", err)
	}
}

// saveOfferStrict is used at the escrowed checkpoint, where continuing
// without a durable record would risk releasing assets the store does not
// know about.
func (e *Engine) saveOfferStrict(ctx context.Context, offer *Offer) error {
	raw, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("encode offer %s: %w", offer.ID, err)
	}
	if err := e.kv.Set(ctx, offerKey(offer.ID), raw, 0); err != nil {
		return fmt.Errorf("persist offer %s: %w", offer.ID, err)
	}
	return nil
}

func (e *Engine) indexWallet(ctx context.Context, wallet, offerID string) {
	if err := e.kv.ListAppend(ctx, walletKey(wallet), []byte(offerID)); err != nil {
		e.log.Warn("failed to index offer for wallet", "wallet", wallet, "offer", offerID, "error", err)
	}
}

func (e *Engine) pendingCount(ctx context.Context, wallet string) (int, error) {
	ids, err := e.kv.ListRange(ctx, walletKey(wallet), 0, -1)
	if err != nil {
		return 0, fmt.Errorf("list offers for %s: %w", wallet, err)
	}
	count := 0
	for _, id := range ids {
		offer, err := e.loadOffer(ctx, string(id))
		if err != nil {
			continue
		}
		if offer.Status == StatusPending && !offer.ExpiredBy(e.now()) {
			count++
		}
	}
	return count, nil
}

// checkSignedMessage validates an operation's wallet authorization: the
// message carries the expected prefix and a fresh timestamp, the detached
// signature verifies against the wallet key, and the signature has not been
// consumed before.
func (e *Engine) checkSignedMessage(ctx context.Context, wallet, message, signature, wantPrefix string) error {
	if !strings.HasPrefix(message, wantPrefix) {
		return fmt.Errorf("%w: expected prefix %q", ErrBadMessage, wantPrefix)
	}
	if _, err := crypto.ParseTimestamp(message, e.now(), e.policy.MessageMaxAge, e.policy.MessageSkew); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if !crypto.VerifySignature(message, signature, wallet) {
		return ErrBadSignature
	}
	if e.replay.SignatureUsed(ctx, signature) {
		return ErrSignatureUsed
	}
	return nil
}

// settled reports whether both release phases finished.
func settled(o *Offer) bool {
	return o.ReleaseToReceiverComplete && o.ReleaseToInitiatorComplete
}

// ReleaseError describes one failed settlement phase.
type ReleaseError struct {
	Phase string `json:"phase"`
	Error string `json:"error"`
}

// runRelease executes the outstanding settlement phases in order. Phase one
// moves the initiator's escrowed assets to the receiver, phase two moves the
// receiver's to the initiator. Completed phases are skipped so the routine
// is safe to repeat. When stopOnPhaseOneFailure is set, a phase-one failure
// short-circuits so assets are never handed to a receiver whose own leg
// might still unwind.
func (e *Engine) runRelease(ctx context.Context, offer *Offer, actor string, stopOnPhaseOneFailure bool) []ReleaseError {
	var errs []ReleaseError

	if !offer.ReleaseToReceiverComplete {
		sig, err := e.custody.ReleaseToReceiver(ctx, offer)
		if err != nil {
			offer.EscrowReleaseError = err.Error()
			errs = append(errs, ReleaseError{Phase: "release_to_receiver", Error: err.Error()})
			e.saveOffer(ctx, offer)
			e.txlog.AppendDetached(offer.ID, TxLogEntry{
				Timestamp: e.now().UnixMilli(), Action: "release_to_receiver_failed", Actor: actor, Detail: err.Error(),
			})
			metrics.ReleasePhases.WithLabelValues("release_to_receiver", "error").Inc()
			if stopOnPhaseOneFailure {
				return errs
			}
		} else {
			offer.ReleaseToReceiverComplete = true
			offer.EscrowReleaseTxSignature = sig
			offer.EscrowReleaseError = ""
			e.saveOffer(ctx, offer)
			e.txlog.AppendDetached(offer.ID, TxLogEntry{
				Timestamp: e.now().UnixMilli(), Action: "release_to_receiver", Actor: actor, TxSig: sig,
			})
			metrics.ReleasePhases.WithLabelValues("release_to_receiver", "ok").Inc()
		}
	}

	if !offer.ReleaseToInitiatorComplete {
		sig, err := e.custody.ReleaseToInitiator(ctx, offer)
		if err != nil {
			offer.EscrowReleaseToInitiatorError = err.Error()
			errs = append(errs, ReleaseError{Phase: "release_to_initiator", Error: err.Error()})
			e.saveOffer(ctx, offer)
			e.txlog.AppendDetached(offer.ID, TxLogEntry{
				Timestamp: e.now().UnixMilli(), Action: "release_to_initiator_failed", Actor: actor, Detail: err.Error(),
			})
			metrics.ReleasePhases.WithLabelValues("release_to_initiator", "error").Inc()
		} else {
			offer.ReleaseToInitiatorComplete = true
			offer.EscrowReleaseToInitiatorTxSignature = sig
			offer.EscrowReleaseToInitiatorError = ""
			e.saveOffer(ctx, offer)
			e.txlog.AppendDetached(offer.ID, TxLogEntry{
				Timestamp: e.now().UnixMilli(), Action: "release_to_initiator", Actor: actor, TxSig: sig,
			})
			metrics.ReleasePhases.WithLabelValues("release_to_initiator", "ok").Inc()
		}
	}

	return errs
}

// returnSides sends escrowed assets back to their depositors. A side is
// eligible only if it actually deposited, has not been returned already, and
// its assets were not already released to the counterparty.
func (e *Engine) returnSides(ctx context.Context, offer *Offer, actor string) []string {
	var errs []string

	if offer.Initiator.HasAssets() && offer.EscrowReturnTxSignature == "" && !offer.ReleaseToReceiverComplete {
		sig, err := e.custody.ReturnToInitiator(ctx, offer)
		if err != nil {
			errs = append(errs, fmt.Sprintf("return to initiator: %v", err))
		} else {
			offer.EscrowReturnTxSignature = sig
			e.saveOffer(ctx, offer)
			e.txlog.AppendDetached(offer.ID, TxLogEntry{
				Timestamp: e.now().UnixMilli(), Action: "return_to_initiator", Actor: actor, TxSig: sig,
			})
		}
	}

	if offer.Receiver.HasAssets() && offer.ReceiverTransferComplete &&
		offer.ReceiverEscrowReturnTxSignature == "" && !offer.ReleaseToInitiatorComplete {
		sig, err := e.custody.ReturnToReceiver(ctx, offer)
		if err != nil {
			errs = append(errs, fmt.Sprintf("return to receiver: %v", err))
		} else {
			offer.ReceiverEscrowReturnTxSignature = sig
			e.saveOffer(ctx, offer)
			e.txlog.AppendDetached(offer.ID, TxLogEntry{
				Timestamp: e.now().UnixMilli(), Action: "return_to_receiver", Actor: actor, TxSig: sig,
			})
		}
	}

	return errs
}

// Offer returns a read-only view of an offer. A pending offer past its
// deadline is reported as expired; the stored record is not touched.
func (e *Engine) Offer(ctx context.Context, id string) (*Offer, error) {
	offer, err := e.loadOffer(ctx, id)
	if err != nil {
		return nil, err
	}
	view := offer.View(e.now())
	return &view, nil
}

// OffersByWallet returns every offer the wallet participates in, newest
// first, with the same virtual-expiry semantics as Offer.
func (e *Engine) OffersByWallet(ctx context.Context, wallet string) ([]Offer, error) {
	if !crypto.ValidateAddress(wallet) {
		return nil, ErrInvalidAddress
	}
	ids, err := e.kv.ListRange(ctx, walletKey(wallet), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("list offers for %s: %w", wallet, err)
	}
	offers := make([]Offer, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		offerID := string(id)
		if seen[offerID] {
			continue
		}
		seen[offerID] = true
		offer, err := e.loadOffer(ctx, offerID)
		if err != nil {
			if err != ErrOfferNotFound {
				e.log.Warn("skipping unreadable offer", "offer", offerID, "error", err)
			}
			continue
		}
		offers = append(offers, offer.View(e.now()))
	}
	sort.Slice(offers, func(i, j int) bool { return offers[i].CreatedAt > offers[j].CreatedAt })
	return offers, nil
}

// TxLogSummary pairs an offer with its audit trail.
type TxLogSummary struct {
	Offer   Offer        `json:"offer"`
	Entries []TxLogEntry `json:"entries"`
}

// RecentTxLogs returns audit trails for the most recently created offers,
// newest first.
func (e *Engine) RecentTxLogs(ctx context.Context, limit int) ([]TxLogSummary, error) {
	keys, err := e.kv.Scan(ctx, "offer:*")
	if err != nil {
		return nil, fmt.Errorf("scan offers: %w", err)
	}
	offers := make([]Offer, 0, len(keys))
	for _, key := range keys {
		offer, err := e.loadOffer(ctx, strings.TrimPrefix(key, "offer:"))
		if err != nil {
			if err != ErrOfferNotFound {
				e.log.Warn("skipping unreadable offer", "key", key, "error", err)
			}
			continue
		}
		offers = append(offers, offer.View(e.now()))
	}
	sort.Slice(offers, func(i, j int) bool { return offers[i].CreatedAt > offers[j].CreatedAt })
	if limit > 0 && len(offers) > limit {
		offers = offers[:limit]
	}
	summaries := make([]TxLogSummary, 0, len(offers))
	for _, offer := range offers {
		entries, err := e.txlog.Entries(ctx, offer.ID)
		if err != nil {
			e.log.Warn("failed to read tx log", "offer", offer.ID, "error", err)
			entries = nil
		}
		summaries = append(summaries, TxLogSummary{Offer: offer, Entries: entries})
	}
	return summaries, nil
}

// HealthReport summarizes dependency reachability for the admin health
// endpoint.
type HealthReport struct {
	StoreOK       bool    `json:"storeOk"`
	StoreError    string  `json:"storeError,omitempty"`
	ChainOK       bool    `json:"chainOk"`
	ChainError    string  `json:"chainError,omitempty"`
	EscrowBalance float64 `json:"escrowBalance"`
}

// Healthy reports whether every dependency answered.
func (h HealthReport) Healthy() bool { return h.StoreOK && h.ChainOK }

// Health probes the store and the chain endpoint.
func (e *Engine) Health(ctx context.Context) HealthReport {
	report := HealthReport{StoreOK: true, ChainOK: true}
	if err := e.kv.Ping(ctx); err != nil {
		report.StoreOK = false
		report.StoreError = err.Error()
	}
	balance, err := e.chain.EscrowBalance(ctx)
	if err != nil {
		report.ChainOK = false
		report.ChainError = err.Error()
	} else {
		report.EscrowBalance = balance
	}
	return report
}
