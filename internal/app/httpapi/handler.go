// Package httpapi exposes the lottery over HTTP and a websocket event stream.
package httpapi

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"

	app "github.com/R3E-Network/lottery_layer/internal/app"
	"github.com/R3E-Network/lottery_layer/internal/app/metrics"
	pricefeedsvc "github.com/R3E-Network/lottery_layer/internal/app/services/pricefeed"
	randomsvc "github.com/R3E-Network/lottery_layer/internal/app/services/random"
	"github.com/R3E-Network/lottery_layer/internal/automation"
	"github.com/R3E-Network/lottery_layer/internal/gasbank"
	lottery "github.com/R3E-Network/lottery_layer/packages/com.r3e.services.lottery/service"
	"github.com/R3E-Network/lottery_layer/pkg/logger"
)

// Options configures the HTTP surface.
type Options struct {
	JWTSecret      string
	RateLimitRPS   float64
	RateLimitBurst int
	Log            *logger.Logger
}

// handler bundles HTTP endpoints for the lottery.
type handler struct {
	app *app.Application
	log *logger.Logger
}

// NewHandler returns the routed, authenticated and instrumented API. It
// fails when opts carries no usable JWT signing key.
func NewHandler(application *app.Application, opts Options) (http.Handler, error) {
	log := opts.Log
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	auth, err := newAuthenticator(opts.JWTSecret, log)
	if err != nil {
		return nil, err
	}
	h := &handler{app: application, log: log}

	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)

	api := r.PathPrefix("/v1/lottery").Subrouter()
	api.HandleFunc("/fee", h.fee).Methods(http.MethodGet)
	api.HandleFunc("/open", required(h.open)).Methods(http.MethodPost)
	api.HandleFunc("/enter", required(h.enter)).Methods(http.MethodPost)
	api.HandleFunc("/close", required(h.close)).Methods(http.MethodPost)
	api.HandleFunc("/fulfill", required(h.fulfill)).Methods(http.MethodPost)
	api.HandleFunc("/winner", h.winner).Methods(http.MethodGet)
	api.HandleFunc("/players/{index}", h.player).Methods(http.MethodGet)
	api.HandleFunc("/state", h.state).Methods(http.MethodGet)
	api.HandleFunc("/rounds", h.rounds).Methods(http.MethodGet)
	api.HandleFunc("/rounds/{round:[0-9]+}", h.round).Methods(http.MethodGet)
	api.HandleFunc("/events", h.events).Methods(http.MethodGet)

	vrf := r.PathPrefix("/v1/vrf").Subrouter()
	vrf.HandleFunc("/requests", h.pendingRequests).Methods(http.MethodGet)
	vrf.HandleFunc("/requests/{id}", h.request).Methods(http.MethodGet)

	oracle := r.PathPrefix("/v1/oracle").Subrouter()
	oracle.HandleFunc("/latest", h.latestPrice).Methods(http.MethodGet)
	oracle.HandleFunc("/rounds/{round:[0-9]+}", h.priceRound).Methods(http.MethodGet)

	r.HandleFunc("/v1/account/transactions", required(h.transactions)).Methods(http.MethodGet)

	limiter := newRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst)
	return metrics.InstrumentHandler(auth.optional(limiter.handler(r))), nil
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"status":   "ok",
		"services": h.app.Services(),
	}
	if sched := h.app.Automation; sched != nil {
		out["automation"] = map[string]any{
			"next_open":  sched.Next(automation.JobOpen),
			"next_close": sched.Next(automation.JobClose),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) fee(w http.ResponseWriter, r *http.Request) {
	fee, err := h.app.Lottery.EntranceFee(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	cfg := h.app.Config().Lottery
	writeJSON(w, http.StatusOK, map[string]any{
		"fee":             fee.Dec(),
		"entry_fee_cents": cfg.EntryFeeCents,
		"native_decimals": cfg.NativeDecimals,
	})
}

func (h *handler) open(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	if err := h.app.Lottery.Open(r.Context(), caller); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse(h.app.Lottery.Snapshot()))
}

func (h *handler) enter(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Amount string `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	caller, _ := CallerFrom(r.Context())
	if err := h.app.Lottery.Enter(r.Context(), caller, amount); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"round":   h.app.Lottery.Round(),
		"entries": h.app.Lottery.PlayerCount(),
		"pool":    h.app.Lottery.Pool().Dec(),
	})
}

func (h *handler) close(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	id, err := h.app.Lottery.Close(r.Context(), caller)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": id.StringLE(),
		"round":      h.app.Lottery.Round(),
	})
}

// fulfill settles a round from an externally computed proof. The value the
// lottery receives is derived from the proof by the coordinator, so the
// caller never chooses the randomness.
func (h *handler) fulfill(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		RequestID string `json:"request_id"`
		Proof     string `json:"proof"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := parseRequestID(payload.RequestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("request_id: %w", err))
		return
	}
	raw := strings.TrimPrefix(strings.TrimSpace(payload.Proof), "0x")
	if raw == "" {
		writeError(w, http.StatusBadRequest, errors.New("proof is required"))
		return
	}
	proof, err := hex.DecodeString(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("proof: %w", err))
		return
	}

	caller, _ := CallerFrom(r.Context())
	if !caller.Equals(h.app.Coordinator.Address()) {
		h.fail(w, r, fmt.Errorf("%w: only the coordinator may fulfill", lottery.ErrUnauthorized))
		return
	}
	if _, err := h.app.Coordinator.FulfillWithProof(r.Context(), id, proof); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, winnerResponse(h.app.Lottery))
}

func (h *handler) winner(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, winnerResponse(h.app.Lottery))
}

func (h *handler) player(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("index must be an integer"))
		return
	}
	player, err := h.app.Lottery.Players(index)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"index":  index,
		"player": address.Uint160ToString(player),
	})
}

func (h *handler) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stateResponse(h.app.Lottery.Snapshot()))
}

func (h *handler) rounds(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be a positive integer"))
			return
		}
		limit = n
	}
	results, err := h.app.History.ListResults(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]roundResult, 0, len(results))
	for _, res := range results {
		out = append(out, toRoundResult(res))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) round(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseUint(mux.Vars(r)["round"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.app.History.GetResult(r.Context(), n)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRoundResult(res))
}

// fail maps domain errors onto status codes.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", r.URL.Path).Warn("request failed")
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, lottery.ErrUnauthorized),
		errors.Is(err, randomsvc.ErrInvalidProof):
		return http.StatusForbidden
	case errors.Is(err, randomsvc.ErrAlreadyFulfilled):
		return http.StatusConflict
	case errors.Is(err, lottery.ErrInvalidState),
		errors.Is(err, lottery.ErrLotteryNotOpen),
		errors.Is(err, lottery.ErrNoEntrants):
		return http.StatusConflict
	case errors.Is(err, lottery.ErrInsufficientFee),
		errors.Is(err, gasbank.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, lottery.ErrOracle),
		errors.Is(err, pricefeedsvc.ErrNoData):
		return http.StatusServiceUnavailable
	case errors.Is(err, lottery.ErrUnknownRequest),
		errors.Is(err, lottery.ErrIndexOutOfRange),
		errors.Is(err, lottery.ErrResultNotFound),
		errors.Is(err, randomsvc.ErrUnknownRequest),
		errors.Is(err, pricefeedsvc.ErrRoundNotFound):
		return http.StatusNotFound
	case errors.Is(err, lottery.ErrTransferFailed),
		errors.Is(err, lottery.ErrRandomnessRequest):
		return http.StatusBadGateway
	case errors.Is(err, lottery.ErrInvalidRandomness),
		errors.Is(err, gasbank.ErrInvalidAmount):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type roundResult struct {
	ID          string    `json:"id"`
	Round       uint64    `json:"round"`
	Winner      string    `json:"winner"`
	WinnerIndex uint64    `json:"winner_index"`
	Prize       string    `json:"prize"`
	Entries     int       `json:"entries"`
	RequestID   string    `json:"request_id"`
	Randomness  string    `json:"randomness"`
	OpenedAt    time.Time `json:"opened_at"`
	ClosedAt    time.Time `json:"closed_at"`
	SettledAt   time.Time `json:"settled_at"`
}

func toRoundResult(res lottery.RoundResult) roundResult {
	return roundResult{
		ID:          res.ID,
		Round:       res.Round,
		Winner:      address.Uint160ToString(res.Winner),
		WinnerIndex: res.WinnerIndex,
		Prize:       decimal(res.Prize),
		Entries:     res.Entries,
		RequestID:   res.RequestID.StringLE(),
		Randomness:  decimal(res.Randomness),
		OpenedAt:    res.OpenedAt,
		ClosedAt:    res.ClosedAt,
		SettledAt:   res.SettledAt,
	}
}

func stateResponse(snap lottery.Snapshot) map[string]any {
	out := map[string]any{
		"state":   int(snap.State),
		"name":    snap.State.String(),
		"round":   snap.Round,
		"entries": len(snap.Players),
		"pool":    decimal(snap.Pool),
	}
	if snap.PendingRequest != nil {
		out["request_id"] = snap.PendingRequest.StringLE()
	}
	return out
}

func winnerResponse(lot *lottery.Service) map[string]any {
	winner := ""
	if w := lot.RecentWinner(); !w.Equals(util.Uint160{}) {
		winner = address.Uint160ToString(w)
	}
	return map[string]any{
		"winner":     winner,
		"randomness": lot.RecentRandomness().Dec(),
	}
}

func parseRequestID(raw string) (util.Uint256, error) {
	return util.Uint256DecodeStringLE(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
}

func parseAmount(raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("amount is required")
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return v, nil
}

func decimal(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
