package gateway

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"midswap/escrow"
	"midswap/observability/logging"
)

// recentTxLogLimit caps the offer summaries returned when admin-txlog is
// queried without an offerId.
const recentTxLogLimit = 10

type partyRequest struct {
	Wallet     string             `json:"wallet"`
	NFTs       []string           `json:"nfts"`
	NFTDetails []escrow.NFTDetail `json:"nftDetails"`
	Sol        float64            `json:"sol"`
}

func (p partyRequest) party() escrow.Party {
	return escrow.Party{Wallet: p.Wallet, NFTs: p.NFTs, NFTDetails: p.NFTDetails, Sol: p.Sol}
}

type createRequest struct {
	Initiator         partyRequest `json:"initiator"`
	Receiver          partyRequest `json:"receiver"`
	Message           string       `json:"message"`
	Signature         string       `json:"signature"`
	EscrowTxSignature string       `json:"escrowTxSignature"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !s.throttle(w, r, s.limits.Create) {
		return
	}
	var req createRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offer, err := s.engine.Create(r.Context(), escrow.CreateParams{
		Initiator:         req.Initiator.party(),
		Receiver:          req.Receiver.party(),
		Message:           req.Message,
		Signature:         req.Signature,
		EscrowTxSignature: req.EscrowTxSignature,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.log.Info("offer created",
		"offer", offer.ID,
		"initiator", offer.Initiator.Wallet,
		"receiver", offer.Receiver.Wallet,
		"deposit", logging.RedactSignature(offer.EscrowTxSignature))
	writeJSON(w, http.StatusOK, map[string]interface{}{"offer": offer})
}

type acceptRequest struct {
	OfferID             string `json:"offerId"`
	Wallet              string `json:"wallet"`
	Message             string `json:"message"`
	Signature           string `json:"signature"`
	ReceiverTxSignature string `json:"receiverTxSignature"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	if !s.throttle(w, r, s.limits.Accept) {
		return
	}
	var req acceptRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.engine.Accept(r.Context(), escrow.AcceptParams{
		OfferID:             req.OfferID,
		Wallet:              req.Wallet,
		Message:             req.Message,
		Signature:           req.Signature,
		ReceiverTxSignature: req.ReceiverTxSignature,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.log.Info("offer accepted",
		"offer", req.OfferID,
		"status", result.Offer.Status,
		"releaseErrors", len(result.ReleaseErrors))
	writeJSON(w, http.StatusOK, result)
}

type cancelRequest struct {
	OfferID   string `json:"offerId"`
	Wallet    string `json:"wallet"`
	Action    string `json:"action"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !s.throttle(w, r, s.limits.Cancel) {
		return
	}
	var req cancelRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.engine.Cancel(r.Context(), escrow.CancelParams{
		OfferID:   req.OfferID,
		Wallet:    req.Wallet,
		Action:    req.Action,
		Message:   req.Message,
		Signature: req.Signature,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type retryReleaseRequest struct {
	OfferID   string `json:"offerId"`
	Wallet    string `json:"wallet"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

func (s *Server) handleRetryRelease(w http.ResponseWriter, r *http.Request) {
	if !s.throttle(w, r, s.limits.RetryRelease) {
		return
	}
	var req retryReleaseRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	admin := false
	if r.Header.Get("X-Admin-Secret") != "" {
		if !s.adminAuthorized(r) {
			writeError(w, http.StatusForbidden, "invalid admin secret")
			return
		}
		admin = true
	}
	result, err := s.engine.RetryRelease(r.Context(), escrow.RetryReleaseParams{
		OfferID:   req.OfferID,
		Wallet:    req.Wallet,
		Message:   req.Message,
		Signature: req.Signature,
		Admin:     admin,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type adminReleaseRequest struct {
	OfferID string `json:"offerId"`
}

func (s *Server) handleAdminRelease(w http.ResponseWriter, r *http.Request) {
	if !s.throttle(w, r, s.limits.AdminRelease) {
		return
	}
	if !s.adminAuthorized(r) {
		writeError(w, http.StatusForbidden, "invalid admin secret")
		return
	}
	var req adminReleaseRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.engine.AdminRelease(r.Context(), req.OfferID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type cleanupRequest struct {
	Secret string `json:"secret"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if r.ContentLength > 0 {
		if err := decodeStrict(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if !s.cleanupAuthorized(r, req.Secret) {
		writeError(w, http.StatusForbidden, "invalid cleanup secret")
		return
	}
	stats := s.engine.Reconcile(r.Context())
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleOffers(w http.ResponseWriter, r *http.Request) {
	wallet := strings.TrimSpace(r.URL.Query().Get("wallet"))
	if wallet == "" {
		writeError(w, http.StatusBadRequest, "wallet query parameter is required")
		return
	}
	offers, err := s.engine.OffersByWallet(r.Context(), wallet)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"offers": offers})
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := s.engine.Offer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"offer": offer})
}

func (s *Server) handleAdminTxLog(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuthorized(r) {
		writeError(w, http.StatusForbidden, "invalid admin secret")
		return
	}
	offerID := strings.TrimSpace(r.URL.Query().Get("offerId"))
	if offerID == "" {
		summaries, err := s.engine.RecentTxLogs(r.Context(), recentTxLogLimit)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"offers": summaries})
		return
	}
	entries, err := s.engine.TxLogEntries(r.Context(), offerID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"offerId": offerID, "entries": entries})
}

func (s *Server) handleAdminHealth(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuthorized(r) {
		writeError(w, http.StatusForbidden, "invalid admin secret")
		return
	}
	report := s.engine.Health(r.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
