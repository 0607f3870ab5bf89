package server

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"remittance/internal/amount"
	"remittance/internal/ledger"
	"remittance/internal/logging"
	"remittance/internal/notify"
	"remittance/internal/sigauth"
)

const maxBodyBytes = 1 << 20

type depositRequest struct {
	Recipient string `json:"recipient"`
	// Amount is in base units; AmountDisplay is the human form ("12.5").
	// Exactly one is required.
	Amount        string `json:"amount"`
	AmountDisplay string `json:"amountDisplay"`
}

type depositResponse struct {
	ID            uint64 `json:"id"`
	Amount        string `json:"amount"`
	AmountDisplay string `json:"amountDisplay"`
	// Status and TxHash are set when the pull is still unconfirmed.
	Status string `json:"status,omitempty"`
	TxHash string `json:"txHash,omitempty"`
}

type sweepRequest struct {
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	AmountDisplay string `json:"amountDisplay"`
}

type settlementResponse struct {
	ID     uint64 `json:"id"`
	Status string `json:"status"`
	TxHash string `json:"txHash,omitempty"`
}

type entryResponse struct {
	ID            uint64    `json:"id"`
	Sender        string    `json:"sender"`
	Recipient     string    `json:"recipient"`
	Amount        string    `json:"amount"`
	AmountDisplay string    `json:"amountDisplay"`
	CreatedAt     time.Time `json:"createdAt"`
	ReclaimableAt time.Time `json:"reclaimableAt"`
	Settled       bool      `json:"settled"`
	Status        string    `json:"status"`
	PendingTx     string    `json:"pendingTx,omitempty"`
}

type idsResponse struct {
	Address string   `json:"address"`
	IDs     []uint64 `json:"ids"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller := mustCaller(r)

	var req depositRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	// Amount is validated before recipient, matching the ledger's order.
	value, err := s.parseAmount(req.Amount, req.AmountDisplay)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if value.Sign() <= 0 {
		respondError(w, r, ledger.ErrInvalidAmount)
		return
	}
	recipient, err := parseAddress(req.Recipient)
	if err != nil {
		respondAPIError(w, errInvalidRecipient.withMessage(err.Error()))
		return
	}

	id, err := s.ledger.Deposit(r.Context(), caller, recipient, value)
	if tx, ok := unconfirmedTx(err); ok {
		s.metrics.incDeposit("unconfirmed")
		logging.FromContext(r.Context()).Warn("escrow funding unconfirmed", "entry_id", id, "tx", tx)
		respondJSON(w, http.StatusAccepted, depositResponse{
			ID:            id,
			Amount:        value.String(),
			AmountDisplay: amount.Format(value, s.decimals),
			Status:        string(ledger.StatusFunding),
			TxHash:        tx,
		})
		return
	}
	if err != nil {
		s.metrics.incDeposit(statusOf(err))
		respondError(w, r, err)
		return
	}
	s.metrics.incDeposit("created")
	logging.FromContext(r.Context()).Info("escrow created", "entry_id", id, "recipient", recipient.Hex(), "amount", value.String())

	respondJSON(w, http.StatusCreated, depositResponse{
		ID:            id,
		Amount:        value.String(),
		AmountDisplay: amount.Format(value, s.decimals),
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, ledger.EventWithdrawn, s.ledger.Withdraw)
}

func (s *Server) handleReclaim(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, ledger.EventReclaimed, s.ledger.EmergencyReclaim)
}

func (s *Server) settle(w http.ResponseWriter, r *http.Request, kind ledger.EventKind, op func(ctx context.Context, caller common.Address, id uint64) error) {
	caller := mustCaller(r)
	id, err := entryID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	err = op(r.Context(), caller, id)
	if tx, ok := unconfirmedTx(err); ok {
		s.metrics.incSettlement(kind, "unconfirmed")
		respondJSON(w, http.StatusAccepted, settlementResponse{ID: id, Status: string(ledger.StatusSettling), TxHash: tx})
		return
	}
	if err != nil {
		s.metrics.incSettlement(kind, statusOf(err))
		respondError(w, r, err)
		return
	}
	s.metrics.incSettlement(kind, "settled")
	logging.FromContext(r.Context()).Info("escrow settled", "entry_id", id, "kind", kind)

	status := "withdrawn"
	if kind == ledger.EventReclaimed {
		status = "reclaimed"
	}
	respondJSON(w, http.StatusOK, settlementResponse{ID: id, Status: status})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	caller := mustCaller(r)

	var req sweepRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	asset := s.asset
	if req.Asset != "" {
		parsed, err := parseAddress(req.Asset)
		if err != nil {
			respondAPIError(w, errInvalidRequest.withMessage("asset: "+err.Error()))
			return
		}
		asset = parsed
	}
	value, err := s.parseAmount(req.Amount, req.AmountDisplay)
	if err != nil {
		respondError(w, r, err)
		return
	}

	err = s.ledger.Sweep(r.Context(), caller, asset, value)
	if tx, ok := unconfirmedTx(err); ok {
		s.metrics.incSweep("unconfirmed")
		respondJSON(w, http.StatusAccepted, map[string]string{
			"status": "unconfirmed",
			"asset":  asset.Hex(),
			"amount": value.String(),
			"txHash": tx,
		})
		return
	}
	if err != nil {
		s.metrics.incSweep(statusOf(err))
		respondError(w, r, err)
		return
	}
	s.metrics.incSweep("swept")

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "swept",
		"asset":  asset.Hex(),
		"amount": value.String(),
	})
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	id, err := entryID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	entry := s.ledger.Entry(id)
	if !entry.Exists {
		respondAPIError(w, errEntryNotFound)
		return
	}
	respondJSON(w, http.StatusOK, s.entryView(entry))
}

func (s *Server) handleWithdrawable(w http.ResponseWriter, r *http.Request) {
	id, err := entryID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	candidate, err := parseAddress(r.URL.Query().Get("address"))
	if err != nil {
		respondAPIError(w, errInvalidRequest.withMessage("address: "+err.Error()))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"id":           id,
		"address":      candidate.Hex(),
		"withdrawable": s.ledger.IsWithdrawable(id, candidate),
	})
}

func (s *Server) handleSent(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, idsResponse{Address: addr.Hex(), IDs: s.ledger.SenderEntries(addr)})
}

func (s *Server) handleReceived(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, idsResponse{Address: addr.Hex(), IDs: s.ledger.RecipientEntries(addr)})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			respondAPIError(w, errInvalidRequest.withMessage("limit must be between 1 and 1000"))
			return
		}
		limit = n
	}

	events, err := s.history.ListByAddress(r.Context(), addr, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	out := make([]notify.Message, 0, len(events))
	for _, ev := range events {
		out = append(out, notify.NewMessage(ev))
	}
	respondJSON(w, http.StatusOK, map[string]any{"address": addr.Hex(), "events": out})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	held := s.ledger.CustodiedBalance()
	respondJSON(w, http.StatusOK, map[string]any{
		"entryCount":        s.ledger.EntryCount(),
		"custodiedBalance":  held.String(),
		"custodiedDisplay":  amount.Format(held, s.decimals),
		"lockPeriodSeconds": int64(s.ledger.LockPeriod().Seconds()),
		"asset":             s.asset.Hex(),
	})
}

func (s *Server) entryView(e ledger.Entry) entryResponse {
	view := entryResponse{
		ID:            e.ID,
		Sender:        e.Sender.Hex(),
		Recipient:     e.Recipient.Hex(),
		Amount:        e.Amount.String(),
		AmountDisplay: amount.Format(e.Amount, s.decimals),
		CreatedAt:     e.CreatedAt,
		ReclaimableAt: e.CreatedAt.Add(s.ledger.LockPeriod()),
		Settled:       e.Settled,
		Status:        string(e.Status),
	}
	if e.PendingTx != (common.Hash{}) {
		view.PendingTx = e.PendingTx.Hex()
	}
	return view
}

// parseAmount accepts base units or a display amount, not both. Sign and
// zero checks are left to the caller.
func (s *Server) parseAmount(base, display string) (*big.Int, error) {
	base, display = strings.TrimSpace(base), strings.TrimSpace(display)
	switch {
	case base != "" && display != "":
		return nil, errInvalidRequest.withMessage("send either amount or amountDisplay")
	case base != "":
		v, err := amount.ParseBase(base)
		if err != nil {
			return nil, errInvalidRequest.withMessage(err.Error())
		}
		return v, nil
	case display != "":
		v, err := amount.Parse(display, s.decimals)
		if err != nil {
			return nil, errInvalidAmount.withMessage(err.Error())
		}
		return v, nil
	default:
		return nil, errInvalidRequest.withMessage("amount is required")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errPayloadTooLarge
		}
		return errInvalidRequest.withMessage("invalid json payload")
	}
	return nil
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Address{}, errors.New("address is required")
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, errors.New("not a hex address")
	}
	return common.HexToAddress(raw), nil
}

func addressParam(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		respondAPIError(w, errInvalidRequest.withMessage("address: "+err.Error()))
		return common.Address{}, false
	}
	return addr, true
}

// entryID parses the {id} path segment. Ids start at 1, so anything else
// cannot name an entry.
func entryID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		return 0, errEntryNotFound
	}
	return id, nil
}

// mustCaller returns the signer set by the auth middleware; routes using it
// are only mounted behind that middleware.
func mustCaller(r *http.Request) common.Address {
	caller, _ := sigauth.CallerFromContext(r.Context())
	return caller
}

// unconfirmedTx reports whether err is a broadcast transfer still waiting
// for its receipt, and returns the tx hash.
func unconfirmedTx(err error) (string, bool) {
	var unconfirmed *ledger.UnconfirmedError
	if !errors.As(err, &unconfirmed) {
		return "", false
	}
	return unconfirmed.TxHash.Hex(), true
}

// statusOf labels a failed operation for metrics.
func statusOf(err error) string {
	switch {
	case errors.Is(err, ledger.ErrTransferFailure):
		return "transfer_failed"
	case errors.Is(err, ledger.ErrSettlementPending):
		return "pending"
	case errors.Is(err, ledger.ErrJournalUnavailable):
		return "journal_unavailable"
	}
	return "rejected"
}
