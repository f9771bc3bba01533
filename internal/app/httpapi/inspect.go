package httpapi

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"

	domain "github.com/R3E-Network/lottery_layer/internal/app/domain/random"
	randomsvc "github.com/R3E-Network/lottery_layer/internal/app/services/random"
	"github.com/R3E-Network/lottery_layer/internal/gasbank"
)

type vrfRequest struct {
	ID            string     `json:"id"`
	KeyHash       string     `json:"key_hash"`
	Consumer      string     `json:"consumer"`
	Seed          string     `json:"seed"`
	Fee           string     `json:"fee"`
	Status        string     `json:"status"`
	SigningDigest string     `json:"signing_digest"`
	Proof         string     `json:"proof,omitempty"`
	Output        string     `json:"output,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	FulfilledAt   *time.Time `json:"fulfilled_at,omitempty"`
}

func toVRFRequest(req domain.Request) vrfRequest {
	out := vrfRequest{
		ID:            req.ID.StringLE(),
		KeyHash:       req.KeyHash.StringLE(),
		Consumer:      address.Uint160ToString(req.Consumer),
		Seed:          decimal(req.Seed),
		Fee:           decimal(req.Fee),
		Status:        string(req.Status),
		SigningDigest: hex.EncodeToString(randomsvc.SigningDigest(req).BytesBE()),
		Error:         req.Error,
		CreatedAt:     req.CreatedAt,
	}
	if len(req.Proof) > 0 {
		out.Proof = hex.EncodeToString(req.Proof)
	}
	if req.Output != nil {
		out.Output = req.Output.Dec()
	}
	if !req.FulfilledAt.IsZero() {
		at := req.FulfilledAt
		out.FulfilledAt = &at
	}
	return out
}

// pendingRequests lists unanswered randomness requests with the digest an
// external prover has to sign.
func (h *handler) pendingRequests(w http.ResponseWriter, r *http.Request) {
	pending := h.app.Coordinator.Pending()
	out := make([]vrfRequest, 0, len(pending))
	for _, req := range pending {
		out = append(out, toVRFRequest(req))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) request(w http.ResponseWriter, r *http.Request) {
	id, err := parseRequestID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("request id: %w", err))
		return
	}
	req, ok := h.app.Coordinator.Request(id)
	if !ok {
		h.fail(w, r, fmt.Errorf("%w: %s", randomsvc.ErrUnknownRequest, id.StringLE()))
		return
	}
	writeJSON(w, http.StatusOK, toVRFRequest(req))
}

func (h *handler) latestPrice(w http.ResponseWriter, r *http.Request) {
	rd, err := h.app.Prices.LatestRoundData(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := map[string]any{
		"pair":     h.app.Prices.Feed().Pair,
		"decimals": h.app.Prices.Decimals(),
		"round":    rd.RoundID,
		"answer":   rd.Answer.String(),
		"updated":  rd.UpdatedAt,
	}
	if snap := h.app.Refresher.LastSnapshot(); snap.Source != "" {
		out["source"] = snap.Source
		out["collected_at"] = snap.CollectedAt
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) priceRound(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseUint(mux.Vars(r)["round"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rd, err := h.app.Prices.GetRoundData(r.Context(), n)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"round":             rd.RoundID,
		"answer":            rd.Answer.String(),
		"started_at":        rd.StartedAt,
		"updated_at":        rd.UpdatedAt,
		"answered_in_round": rd.AnsweredInRound,
	})
}

type ledgerEntry struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Asset     gasbank.Asset `json:"asset"`
	From      string        `json:"from,omitempty"`
	To        string        `json:"to"`
	Amount    string        `json:"amount"`
	CreatedAt time.Time     `json:"created_at"`
}

// transactions returns the caller's custody journal.
func (h *handler) transactions(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	txs := h.app.Ledger.Transactions(caller)
	out := make([]ledgerEntry, 0, len(txs))
	for _, tx := range txs {
		entry := ledgerEntry{
			ID:        tx.ID,
			Type:      tx.Type,
			Asset:     tx.Asset,
			To:        address.Uint160ToString(tx.To),
			Amount:    decimal(tx.Amount),
			CreatedAt: tx.CreatedAt,
		}
		if tx.Type != gasbank.TxTypeDeposit {
			entry.From = address.Uint160ToString(tx.From)
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}
