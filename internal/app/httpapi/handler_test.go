package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"

	app "github.com/R3E-Network/lottery_layer/internal/app"
	randomsvc "github.com/R3E-Network/lottery_layer/internal/app/services/random"
	"github.com/R3E-Network/lottery_layer/internal/config"
	"github.com/R3E-Network/lottery_layer/internal/gasbank"
	lottery "github.com/R3E-Network/lottery_layer/packages/com.r3e.services.lottery/service"
	"github.com/R3E-Network/lottery_layer/pkg/testutil"
)

const testSecret = "lottery-handler-test-signing-key-0001"

var expectedFee = uint256.MustFromDecimal("25000000000000000")

func newTestApp(t *testing.T) *app.Application {
	t.Helper()
	cfg := config.Default()
	cfg.Lottery.Authority = address.Uint160ToString(testutil.Account(0))
	cfg.VRF.PrivateKey = testutil.Key(99).WIF()
	cfg.Service.JWTSecret = testSecret

	application, err := app.New(context.Background(), cfg, app.Stores{}, nil)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if err := application.Ledger.Deposit(ctx, gasbank.AssetNative, testutil.Account(i), uint256.NewInt(1_000_000_000_000_000_000)); err != nil {
			t.Fatalf("fund player: %v", err)
		}
	}
	if err := application.Ledger.Deposit(ctx, gasbank.AssetFeeToken, application.Lottery.Address(), application.Coordinator.Fee()); err != nil {
		t.Fatalf("fund randomness: %v", err)
	}
	return application
}

func newTestHandler(t *testing.T, application *app.Application) http.Handler {
	t.Helper()
	return mustHandler(t, application, Options{JWTSecret: testSecret, RateLimitRPS: 1000, RateLimitBurst: 1000})
}

func mustHandler(t *testing.T, application *app.Application, opts Options) http.Handler {
	t.Helper()
	h, err := NewHandler(application, opts)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return h
}

// signHS256 builds a token by hand so that any key, including an empty
// one, can be used.
func signHS256(t *testing.T, key []byte, caller util.Uint160) string {
	t.Helper()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   address.Uint160ToString(caller),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SigningString()
	if err != nil {
		t.Fatalf("signing string: %v", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(unsigned))
	return unsigned + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func token(t *testing.T, caller util.Uint160) string {
	t.Helper()
	tok, err := IssueToken(testSecret, caller, time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func do(t *testing.T, h http.Handler, method, path string, caller *util.Uint160, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if caller != nil {
		req.Header.Set("Authorization", "Bearer "+token(t, *caller))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHandlerRoundLifecycle(t *testing.T) {
	application := newTestApp(t)
	h := newTestHandler(t, application)

	authority := testutil.Account(0)
	player := testutil.Account(1)
	coordinator := application.Coordinator.Address()

	rec := do(t, h, http.MethodGet, "/v1/lottery/state", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 state, got %d", rec.Code)
	}
	if st := decode(t, rec); st["name"] != "closed" || st["state"].(float64) != 0 {
		t.Fatalf("unexpected initial state %v", st)
	}

	if rec := do(t, h, http.MethodPost, "/v1/lottery/open", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/v1/lottery/open", &player, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-authority, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/v1/lottery/enter", &player, map[string]string{"amount": expectedFee.Dec()}); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 entering closed lottery, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/v1/lottery/open", &authority, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 open, got %d: %s", rec.Code, rec.Body.String())
	}
	if st := decode(t, rec); st["name"] != "open" {
		t.Fatalf("expected open state, got %v", st)
	}

	rec = do(t, h, http.MethodGet, "/v1/lottery/fee", nil, nil)
	if got := decode(t, rec)["fee"]; got != expectedFee.Dec() {
		t.Fatalf("expected fee %s, got %v", expectedFee.Dec(), got)
	}

	if rec := do(t, h, http.MethodPost, "/v1/lottery/enter", &player, map[string]string{"amount": "1"}); rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 underpaying, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/v1/lottery/enter", &player, map[string]string{"amount": "-5"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad amount, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/v1/lottery/enter", &player, map[string]string{"amount": expectedFee.Dec()})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 enter, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/v1/lottery/players/0", nil, nil)
	if got := decode(t, rec)["player"]; got != address.Uint160ToString(player) {
		t.Fatalf("expected player 0 to be %s, got %v", address.Uint160ToString(player), got)
	}
	if rec := do(t, h, http.MethodGet, "/v1/lottery/players/1", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing player, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/v1/lottery/close", &authority, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 close, got %d: %s", rec.Code, rec.Body.String())
	}
	requestID, _ := decode(t, rec)["request_id"].(string)
	if requestID == "" {
		t.Fatalf("expected request id")
	}

	rec = do(t, h, http.MethodGet, "/v1/vrf/requests", nil, nil)
	var pending []vrfRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &pending); err != nil {
		t.Fatalf("decode pending requests: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != requestID || pending[0].Status != "pending" {
		t.Fatalf("unexpected pending requests %+v", pending)
	}

	id, err := util.Uint256DecodeStringLE(requestID)
	if err != nil {
		t.Fatalf("parse request id: %v", err)
	}
	req, ok := application.Coordinator.Request(id)
	if !ok {
		t.Fatalf("coordinator lost request %s", requestID)
	}
	digest := randomsvc.SigningDigest(req)
	if pending[0].SigningDigest != hex.EncodeToString(digest.BytesBE()) {
		t.Fatalf("listed digest does not match the request")
	}
	proof := hex.EncodeToString(testutil.Key(99).SignHash(digest))
	forged := hex.EncodeToString(testutil.Key(98).SignHash(digest))

	fulfill := map[string]string{"request_id": requestID, "proof": proof}
	if rec := do(t, h, http.MethodPost, "/v1/lottery/fulfill", &authority, fulfill); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-coordinator fulfill, got %d", rec.Code)
	}
	chosen := map[string]string{"request_id": requestID, "randomness": "777"}
	if rec := do(t, h, http.MethodPost, "/v1/lottery/fulfill", &coordinator, chosen); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for caller-chosen randomness, got %d", rec.Code)
	}
	missing := map[string]string{"request_id": requestID}
	if rec := do(t, h, http.MethodPost, "/v1/lottery/fulfill", &coordinator, missing); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without proof, got %d", rec.Code)
	}
	bad := map[string]string{"request_id": requestID, "proof": forged}
	if rec := do(t, h, http.MethodPost, "/v1/lottery/fulfill", &coordinator, bad); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a proof from another key, got %d", rec.Code)
	}
	if application.Lottery.LotteryState() != lottery.StateCalculating {
		t.Fatalf("rejected proofs must not settle the round")
	}
	bogus := map[string]string{"request_id": util.Uint256{7}.StringLE(), "proof": proof}
	if rec := do(t, h, http.MethodPost, "/v1/lottery/fulfill", &coordinator, bogus); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown request, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/v1/lottery/fulfill", &coordinator, fulfill)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 fulfill, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec)["winner"]; got != address.Uint160ToString(player) {
		t.Fatalf("expected winner %s, got %v", address.Uint160ToString(player), got)
	}
	if rec := do(t, h, http.MethodPost, "/v1/lottery/fulfill", &coordinator, fulfill); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a repeated fulfill, got %d", rec.Code)
	}

	settled, _ := application.Coordinator.Request(id)
	if err := application.Coordinator.VerifyProof(settled); err != nil {
		t.Fatalf("settled request does not verify: %v", err)
	}
	rec = do(t, h, http.MethodGet, "/v1/lottery/winner", nil, nil)
	if got := decode(t, rec)["randomness"]; got != settled.Output.Dec() {
		t.Fatalf("expected randomness %s, got %v", settled.Output.Dec(), got)
	}
	rec = do(t, h, http.MethodGet, "/v1/vrf/requests/"+requestID, nil, nil)
	if got := decode(t, rec)["status"]; got != "fulfilled" {
		t.Fatalf("expected fulfilled request, got %v", got)
	}

	rec = do(t, h, http.MethodGet, "/v1/lottery/rounds", nil, nil)
	var rounds []roundResult
	if err := json.Unmarshal(rec.Body.Bytes(), &rounds); err != nil {
		t.Fatalf("decode rounds: %v", err)
	}
	if len(rounds) != 1 || rounds[0].Round != 1 || rounds[0].Prize != expectedFee.Dec() {
		t.Fatalf("unexpected history %+v", rounds)
	}
	if rec := do(t, h, http.MethodGet, "/v1/lottery/rounds/1", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 round 1, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/lottery/rounds/9", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 round 9, got %d", rec.Code)
	}
}

func TestHandlerRejectsForeignTokens(t *testing.T) {
	application := newTestApp(t)
	h := newTestHandler(t, application)

	foreign, err := IssueToken("other-secret", testutil.Account(0), time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/lottery/open", nil)
	req.Header.Set("Authorization", "Bearer "+foreign)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/lottery/state", nil)
	req.Header.Set("Authorization", "Basic abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for basic auth, got %d", rec.Code)
	}
	if application.Lottery.LotteryState() != lottery.StateClosed {
		t.Fatalf("lottery state changed by rejected request")
	}
}

func TestNewHandlerRequiresSigningKey(t *testing.T) {
	application := newTestApp(t)
	for _, secret := range []string{"", "short"} {
		if _, err := NewHandler(application, Options{JWTSecret: secret}); err == nil {
			t.Fatalf("expected handler with secret %q to be refused", secret)
		}
	}
}

func TestEmptyKeyTokensAreRejected(t *testing.T) {
	application := newTestApp(t)
	h := newTestHandler(t, application)
	forged := signHS256(t, nil, testutil.Account(0))

	req := httptest.NewRequest(http.MethodPost, "/v1/lottery/open", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a token signed with an empty key, got %d", rec.Code)
	}
	if application.Lottery.LotteryState() != lottery.StateClosed {
		t.Fatalf("lottery state changed by rejected request")
	}

	// an authenticator without a key accepts nothing, not even tokens
	// signed with that same empty key
	unkeyed := &authenticator{}
	req = httptest.NewRequest(http.MethodPost, "/v1/lottery/open", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	if _, err := unkeyed.callerFrom(req); !errors.Is(err, errInvalidToken) {
		t.Fatalf("expected errInvalidToken from an unkeyed authenticator, got %v", err)
	}
}

func TestHandlerInspectionEndpoints(t *testing.T) {
	application := newTestApp(t)
	h := newTestHandler(t, application)
	player := testutil.Account(1)

	rec := do(t, h, http.MethodGet, "/v1/oracle/latest", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 latest price, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec)["round"]; got != float64(1) {
		t.Fatalf("expected oracle round 1, got %v", got)
	}
	if rec := do(t, h, http.MethodGet, "/v1/oracle/rounds/1", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 oracle round 1, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/oracle/rounds/9", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 oracle round 9, got %d", rec.Code)
	}

	if rec := do(t, h, http.MethodGet, "/v1/account/transactions", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if err := application.Lottery.Open(context.Background(), testutil.Account(0)); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := application.Lottery.Enter(context.Background(), player, expectedFee); err != nil {
		t.Fatalf("enter: %v", err)
	}
	rec = do(t, h, http.MethodGet, "/v1/account/transactions", &player, nil)
	var entries []ledgerEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode transactions: %v", err)
	}
	if len(entries) != 2 || entries[0].Type != "deposit" || entries[1].Type != "transfer" {
		t.Fatalf("unexpected journal %+v", entries)
	}
	if entries[1].To != address.Uint160ToString(application.Lottery.Address()) || entries[1].Amount != expectedFee.Dec() {
		t.Fatalf("entry payment not journaled: %+v", entries[1])
	}

	rec = do(t, h, http.MethodGet, "/healthz", nil, nil)
	if _, ok := decode(t, rec)["automation"]; ok {
		t.Fatalf("automation is disabled and should not be reported")
	}
}

func TestHealthReportsAutomationSchedule(t *testing.T) {
	cfg := config.Default()
	cfg.Lottery.Authority = address.Uint160ToString(testutil.Account(0))
	cfg.Automation = config.AutomationConfig{Enabled: true, OpenSchedule: "@hourly", CloseSchedule: "30 * * * *"}
	application, err := app.New(context.Background(), cfg, app.Stores{}, nil)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = application.Stop(context.Background()) }()

	h := newTestHandler(t, application)
	rec := do(t, h, http.MethodGet, "/healthz", nil, nil)
	sched, ok := decode(t, rec)["automation"].(map[string]any)
	if !ok {
		t.Fatalf("expected automation schedule in health, got %s", rec.Body.String())
	}
	next, err := time.Parse(time.RFC3339Nano, sched["next_open"].(string))
	if err != nil || !next.After(time.Now().Add(-time.Minute)) {
		t.Fatalf("unexpected next open %v (%v)", sched["next_open"], err)
	}
}

func TestHandlerRateLimitsPerCaller(t *testing.T) {
	application := newTestApp(t)
	h := mustHandler(t, application, Options{JWTSecret: testSecret, RateLimitRPS: 0.001, RateLimitBurst: 1})

	first := testutil.Account(1)
	second := testutil.Account(2)
	if rec := do(t, h, http.MethodGet, "/v1/lottery/state", &first, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/lottery/state", &first, nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/lottery/state", &second, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected separate bucket for another caller, got %d", rec.Code)
	}
}

func TestHandlerStreamsEvents(t *testing.T) {
	application := newTestApp(t)
	srv := httptest.NewServer(newTestHandler(t, application))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/lottery/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := application.Lottery.Open(context.Background(), testutil.Account(0)); err != nil {
		t.Fatalf("open: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt lottery.Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.Type != lottery.EventLotteryOpened || evt.Round != 1 {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{lottery.ErrUnauthorized, http.StatusForbidden},
		{fmt.Errorf("wrapped: %w", lottery.ErrInvalidState), http.StatusConflict},
		{lottery.ErrLotteryNotOpen, http.StatusConflict},
		{lottery.ErrNoEntrants, http.StatusConflict},
		{lottery.ErrInsufficientFee, http.StatusPaymentRequired},
		{fmt.Errorf("collect entry: %w", gasbank.ErrInsufficientBalance), http.StatusPaymentRequired},
		{lottery.ErrOracle, http.StatusServiceUnavailable},
		{lottery.ErrUnknownRequest, http.StatusNotFound},
		{lottery.ErrTransferFailed, http.StatusBadGateway},
		{lottery.ErrInvalidRandomness, http.StatusBadRequest},
		{fmt.Errorf("proof: %w", randomsvc.ErrInvalidProof), http.StatusForbidden},
		{randomsvc.ErrAlreadyFulfilled, http.StatusConflict},
		{randomsvc.ErrUnknownRequest, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
