package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remittance/internal/config"
	"remittance/internal/history"
	"remittance/internal/idempotency"
	"remittance/internal/ledger"
	"remittance/internal/sigauth"
	"remittance/internal/token"
)

var custody = common.HexToAddress("0x0000000000000000000000000000000000000cc0")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordSink writes notifications straight into the history store.
type recordSink struct{ store *history.MemoryStore }

func (s recordSink) Notify(ev ledger.Event) { _ = s.store.Record(context.Background(), ev) }

// stallingTransfer leaves transfers unconfirmed while stall is set.
type stallingTransfer struct {
	ledger.ValueTransfer
	mu    sync.Mutex
	stall bool
}

func (s *stallingTransfer) setStall(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stall = v
}

func (s *stallingTransfer) stalled() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stall {
		return nil
	}
	return &ledger.UnconfirmedError{TxHash: common.HexToHash("0x7e57"), Err: context.DeadlineExceeded}
}

func (s *stallingTransfer) Pull(ctx context.Context, from common.Address, amount *big.Int) error {
	if err := s.stalled(); err != nil {
		return err
	}
	return s.ValueTransfer.Pull(ctx, from, amount)
}

func (s *stallingTransfer) Push(ctx context.Context, to common.Address, amount *big.Int) error {
	if err := s.stalled(); err != nil {
		return err
	}
	return s.ValueTransfer.Push(ctx, to, amount)
}

type switchJournal struct {
	mu   sync.Mutex
	fail bool
}

func (j *switchJournal) Append(context.Context, ledger.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail {
		return errors.New("connection refused")
	}
	return nil
}

type stubChecker struct{ err error }

func (c stubChecker) Ping(context.Context) error { return c.err }

type party struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newParty(t *testing.T) party {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return party{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

type fixture struct {
	t         *testing.T
	clock     *testClock
	token     *token.Token
	ledger    *ledger.Ledger
	history   *history.MemoryStore
	transfer  *stallingTransfer
	journal   *switchJournal
	handler   http.Handler
	admin     party
	sender    party
	recipient party
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		t:         t,
		clock:     &testClock{now: time.Date(2025, 11, 1, 9, 0, 0, 0, time.UTC)},
		history:   history.NewMemoryStore(),
		journal:   &switchJournal{},
		admin:     newParty(t),
		sender:    newParty(t),
		recipient: newParty(t),
	}
	f.token = token.NewMockUSDC(f.admin.addr)
	require.NoError(t, f.token.Mint(f.admin.addr, f.sender.addr, f.token.Units(1000)))

	f.transfer = &stallingTransfer{ValueTransfer: token.NewVault(f.token, custody)}

	var err error
	f.ledger, err = ledger.New(ledger.Config{
		Transfer: f.transfer,
		Journal:  f.journal,
		Sweeper:  token.NewRegistry(custody, f.token),
		Clock:    f.clock,
		Sink:     recordSink{store: f.history},
		Admin:    f.admin.addr,
	})
	require.NoError(t, err)

	opts := Options{
		Config: &config.AppConfig{Service: config.ServiceConfig{
			AuthClockSkew:     time.Minute,
			IdempotencyWindow: time.Hour,
		}},
		Ledger:   f.ledger,
		Store:    idempotency.NewMemoryStore(),
		History:  f.history,
		Asset:    f.token.Address(),
		Decimals: 6,
		DevToken: f.token,
		Custody:  custody,
		Now:      f.clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.handler = NewServer(opts).Handler()
	return f
}

func (f *fixture) signed(p party, method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	f.t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(f.t, err)
	}
	req := httptest.NewRequest(method, target, bytes.NewReader(raw))
	ts := f.clock.Now().Unix()
	sig, err := sigauth.Sign(p.key, sigauth.Message(ts, method, req.URL.RequestURI(), raw))
	require.NoError(f.t, err)
	req.Header.Set(sigauth.HeaderSignature, sig)
	req.Header.Set(sigauth.HeaderTimestamp, strconv.FormatInt(ts, 10))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) get(target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func (f *fixture) approve(p party, whole int64) {
	f.t.Helper()
	require.NoError(f.t, f.token.Approve(p.addr, custody, f.token.Units(whole)))
}

func (f *fixture) deposit(key string, recipient common.Address, amount string) *httptest.ResponseRecorder {
	return f.signed(f.sender, http.MethodPost, "/api/v1/escrows",
		map[string]string{"recipient": recipient.Hex(), "amount": amount},
		map[string]string{headerIdempotency: key})
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[errorBody](t, rec).Error.Code
}

func TestDepositAndWithdraw(t *testing.T) {
	f := newFixture(t)
	f.approve(f.sender, 100)

	rec := f.deposit("dep-1", f.recipient.addr, "100000000")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	dep := decode[depositResponse](t, rec)
	assert.Equal(t, uint64(1), dep.ID)
	assert.Equal(t, "100.000000", dep.AmountDisplay)
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))

	rec = f.get("/api/v1/escrows/1")
	require.Equal(t, http.StatusOK, rec.Code)
	entry := decode[entryResponse](t, rec)
	assert.Equal(t, f.sender.addr.Hex(), entry.Sender)
	assert.Equal(t, "100000000", entry.Amount)
	assert.False(t, entry.Settled)
	assert.True(t, f.clock.Now().Add(ledger.LockPeriod).Equal(entry.ReclaimableAt))

	rec = f.get("/api/v1/escrows/1/withdrawable?address=" + f.recipient.addr.Hex())
	assert.Equal(t, true, decode[map[string]any](t, rec)["withdrawable"])

	rec = f.signed(f.recipient, http.MethodPost, "/api/v1/escrows/1/withdraw", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "withdrawn", decode[settlementResponse](t, rec).Status)
	assert.Equal(t, f.token.Units(100), f.token.BalanceOf(f.recipient.addr))

	rec = f.signed(f.recipient, http.MethodPost, "/api/v1/escrows/1/withdraw", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_SETTLED", errorCode(t, rec))
}

func TestWithdrawByStrangerIsForbidden(t *testing.T) {
	f := newFixture(t)
	f.approve(f.sender, 10)
	require.Equal(t, http.StatusCreated, f.deposit("k", f.recipient.addr, "1000").Code)

	rec := f.signed(f.admin, http.MethodPost, "/api/v1/escrows/1/withdraw", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "UNAUTHORIZED_WITHDRAWAL", errorCode(t, rec))

	rec = f.signed(f.recipient, http.MethodPost, "/api/v1/escrows/9/withdraw", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ENTRY_NOT_FOUND", errorCode(t, rec))
}

func TestDepositIdempotency(t *testing.T) {
	f := newFixture(t)
	f.approve(f.sender, 100)

	first := f.deposit("same-key", f.recipient.addr, "5000000")
	require.Equal(t, http.StatusCreated, first.Code)

	replay := f.deposit("same-key", f.recipient.addr, "5000000")
	require.Equal(t, http.StatusCreated, replay.Code)
	assert.Equal(t, "true", replay.Header().Get(headerReplayed))
	assert.JSONEq(t, first.Body.String(), replay.Body.String())
	assert.Equal(t, uint64(1), f.ledger.EntryCount())

	conflict := f.deposit("same-key", f.recipient.addr, "7000000")
	assert.Equal(t, http.StatusConflict, conflict.Code)
	assert.Equal(t, "IDEMPOTENCY_CONFLICT", errorCode(t, conflict))

	missing := f.signed(f.sender, http.MethodPost, "/api/v1/escrows",
		map[string]string{"recipient": f.recipient.addr.Hex(), "amount": "1"}, nil)
	assert.Equal(t, http.StatusBadRequest, missing.Code)
	assert.Equal(t, "MISSING_IDEMPOTENCY_KEY", errorCode(t, missing))
	assert.Equal(t, uint64(1), f.ledger.EntryCount())
}

func TestFailedDepositCanBeRetriedWithSameKey(t *testing.T) {
	f := newFixture(t)

	rec := f.deposit("retry", f.recipient.addr, "1000000")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "INSUFFICIENT_ALLOWANCE", errorCode(t, rec))

	f.approve(f.sender, 1)
	rec = f.deposit("retry", f.recipient.addr, "1000000")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, rec.Header().Get(headerReplayed))
}

func TestDepositValidation(t *testing.T) {
	f := newFixture(t)
	f.approve(f.sender, 10)

	cases := []struct {
		name   string
		body   map[string]string
		status int
		code   string
	}{
		{"zero amount", map[string]string{"recipient": f.recipient.addr.Hex(), "amount": "0"}, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"zero amount and empty recipient", map[string]string{"recipient": "", "amount": "0"}, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"negative amount and zero recipient", map[string]string{"recipient": common.Address{}.Hex(), "amount": "-5"}, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"negative display", map[string]string{"recipient": f.recipient.addr.Hex(), "amountDisplay": "-1"}, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"too precise", map[string]string{"recipient": f.recipient.addr.Hex(), "amountDisplay": "1.0000001"}, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"zero recipient", map[string]string{"recipient": common.Address{}.Hex(), "amount": "1"}, http.StatusBadRequest, "INVALID_RECIPIENT"},
		{"malformed recipient", map[string]string{"recipient": "bob", "amount": "1"}, http.StatusBadRequest, "INVALID_RECIPIENT"},
		{"self transfer", map[string]string{"recipient": f.sender.addr.Hex(), "amount": "1"}, http.StatusBadRequest, "SELF_TRANSFER_NOT_ALLOWED"},
		{"over allowance", map[string]string{"recipient": f.recipient.addr.Hex(), "amountDisplay": "5000"}, http.StatusUnprocessableEntity, "INSUFFICIENT_ALLOWANCE"},
		{"both amounts", map[string]string{"recipient": f.recipient.addr.Hex(), "amount": "1", "amountDisplay": "1"}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown field", map[string]string{"recipient": f.recipient.addr.Hex(), "amount": "1", "memo": "hi"}, http.StatusBadRequest, "INVALID_REQUEST"},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.signed(f.sender, http.MethodPost, "/api/v1/escrows", tc.body,
				map[string]string{headerIdempotency: "v-" + strconv.Itoa(i)})
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.code, errorCode(t, rec))
		})
	}
	assert.Zero(t, f.ledger.EntryCount())
}

func TestDisplayAmountDeposit(t *testing.T) {
	f := newFixture(t)
	f.approve(f.sender, 20)

	rec := f.signed(f.sender, http.MethodPost, "/api/v1/escrows",
		map[string]string{"recipient": f.recipient.addr.Hex(), "amountDisplay": "12.5"},
		map[string]string{headerIdempotency: "display"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "12500000", decode[depositResponse](t, rec).Amount)
}

func TestUnsignedRequestsAreRejected(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/escrows", strings.NewReader(`{}`))
	req.Header.Set(headerIdempotency, "x")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHENTICATED", errorCode(t, rec))

	stale := f.clock.Now().Add(-5 * time.Minute).Unix()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/escrows/1/withdraw", nil)
	sig, err := sigauth.Sign(f.recipient.key, sigauth.Message(stale, http.MethodPost, "/api/v1/escrows/1/withdraw", nil))
	require.NoError(t, err)
	req.Header.Set(sigauth.HeaderSignature, sig)
	req.Header.Set(sigauth.HeaderTimestamp, strconv.FormatInt(stale, 10))
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "stale")
}

func TestEmergencyReclaim(t *testing.T) {
	f := newFixture(t)
	f.approve(f.sender, 50)
	require.Equal(t, http.StatusCreated, f.deposit("r", f.recipient.addr, "50000000").Code)

	rec := f.signed(f.sender, http.MethodPost, "/api/v1/escrows/1/reclaim", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "LOCK_PERIOD_NOT_ELAPSED", errorCode(t, rec))

	rec = f.signed(f.recipient, http.MethodPost, "/api/v1/escrows/1/reclaim", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "UNAUTHORIZED_RECLAIM", errorCode(t, rec))

	f.clock.Advance(ledger.LockPeriod)
	rec = f.signed(f.sender, http.MethodPost, "/api/v1/escrows/1/reclaim", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "reclaimed", decode[settlementResponse](t, rec).Status)
	assert.Equal(t, f.token.Units(1000), f.token.BalanceOf(f.sender.addr))

	rec = f.signed(f.recipient, http.MethodPost, "/api/v1/escrows/1/withdraw", nil, nil)
	assert.Equal(t, "ALREADY_SETTLED", errorCode(t, rec))
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	f.approve(f.sender, 10)
	require.Equal(t, http.StatusCreated, f.deposit("s", f.recipient.addr, "10000000").Code)

	body := map[string]string{"amount": "4000000"}
	rec := f.signed(f.sender, http.MethodPost, "/api/v1/admin/sweep", body, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, rec))

	rec = f.signed(f.admin, http.MethodPost, "/api/v1/admin/sweep", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, f.token.Units(4), f.token.BalanceOf(f.admin.addr))
	// Sweeping leaves entry state untouched.
	assert.Equal(t, f.token.Units(10), f.ledger.CustodiedBalance())

	rec = f.signed(f.admin, http.MethodPost, "/api/v1/admin/sweep",
		map[string]string{"asset": "0x00000000000000000000000000000000000000ee", "amount": "1"}, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "TRANSFER_FAILURE", errorCode(t, rec))
}

func TestQueries(t *testing.T) {
	f := newFixture(t)
	f.approve(f.sender, 10)
	require.Equal(t, http.StatusCreated, f.deposit("q1", f.recipient.addr, "1000000").Code)
	require.Equal(t, http.StatusCreated, f.deposit("q2", f.admin.addr, "2000000").Code)

	sent := decode[idsResponse](t, f.get("/api/v1/accounts/"+f.sender.addr.Hex()+"/sent"))
	assert.Equal(t, []uint64{1, 2}, sent.IDs)

	received := decode[idsResponse](t, f.get("/api/v1/accounts/"+f.recipient.addr.Hex()+"/received"))
	assert.Equal(t, []uint64{1}, received.IDs)

	none := decode[idsResponse](t, f.get("/api/v1/accounts/"+f.admin.addr.Hex()+"/sent"))
	assert.Empty(t, none.IDs)

	rec := f.get("/api/v1/accounts/not-an-address/sent")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for _, target := range []string{"/api/v1/escrows/0", "/api/v1/escrows/99", "/api/v1/escrows/abc"} {
		rec = f.get(target)
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
		assert.Equal(t, "ENTRY_NOT_FOUND", errorCode(t, rec))
	}

	rec = f.get("/api/v1/escrows/1/withdrawable?address=" + f.admin.addr.Hex())
	assert.Equal(t, false, decode[map[string]any](t, rec)["withdrawable"])

	stats := decode[map[string]any](t, f.get("/api/v1/stats"))
	assert.Equal(t, float64(2), stats["entryCount"])
	assert.Equal(t, "3000000", stats["custodiedBalance"])
	assert.Equal(t, "3.000000", stats["custodiedDisplay"])

	rec = f.get("/api/v1/nowhere")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoryEndpoint(t *testing.T) {
	f := newFixture(t)
	f.approve(f.sender, 10)
	require.Equal(t, http.StatusCreated, f.deposit("h", f.recipient.addr, "1000000").Code)
	require.Equal(t, http.StatusOK, f.signed(f.recipient, http.MethodPost, "/api/v1/escrows/1/withdraw", nil, nil).Code)

	rec := f.get("/api/v1/accounts/" + f.recipient.addr.Hex() + "/history")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Events []struct {
			Kind    string `json:"kind"`
			EntryID uint64 `json:"entryId"`
			Amount  string `json:"amount"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 2)
	assert.Equal(t, "escrow.withdrawn", body.Events[0].Kind)
	assert.Equal(t, "escrow.deposited", body.Events[1].Kind)
	assert.Equal(t, "1000000", body.Events[1].Amount)

	rec = f.get("/api/v1/accounts/" + f.recipient.addr.Hex() + "/history?limit=0")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDevTokenEndpoints(t *testing.T) {
	f := newFixture(t)
	user := newParty(t)

	rec := f.signed(user, http.MethodPost, "/api/v1/token/faucet", map[string]string{"amountDisplay": "250"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.signed(user, http.MethodPost, "/api/v1/token/faucet", map[string]string{"amountDisplay": "1000.000001"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "FAUCET_LIMIT_EXCEEDED", errorCode(t, rec))

	rec = f.signed(user, http.MethodPost, "/api/v1/token/approve", map[string]string{"amountDisplay": "100"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	bal := decode[balanceResponse](t, f.get("/api/v1/token/balances/"+user.addr.Hex()))
	assert.Equal(t, "250.000000", bal.BalanceDisplay)
	assert.Equal(t, "100000000", bal.Allowance)

	info := decode[map[string]any](t, f.get("/api/v1/token"))
	assert.Equal(t, "MUSDC", info["symbol"])
}

func TestDevTokenRoutesAbsentWithoutToken(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.DevToken = nil })
	rec := f.get("/api/v1/token/balances/" + f.sender.addr.Hex())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	rec := f.get("/api/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]any](t, rec)["status"])

	f.approve(f.sender, 1)
	require.Equal(t, http.StatusCreated, f.deposit("m", f.recipient.addr, "1000000").Code)

	rec = f.get("/api/v1/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `remittance_deposits_total{status="created"} 1`)
	assert.Contains(t, string(body), "remittance_entries 1")
	assert.Contains(t, string(body), "remittance_custodied_balance 1")

	degraded := newFixture(t, func(o *Options) { o.RPCHealth = stubChecker{err: errors.New("rpc down")} })
	rec = degraded.get("/api/v1/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode[map[string]any](t, rec)["status"])
}

func TestUnconfirmedWithdrawIsAccepted(t *testing.T) {
	f := newFixture(t)
	f.approve(f.sender, 5)
	require.Equal(t, http.StatusCreated, f.deposit("u", f.recipient.addr, "5000000").Code)

	f.transfer.setStall(true)
	rec := f.signed(f.recipient, http.MethodPost, "/api/v1/escrows/1/withdraw", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[settlementResponse](t, rec)
	assert.Equal(t, "settling", resp.Status)
	assert.Equal(t, common.HexToHash("0x7e57").Hex(), resp.TxHash)

	rec = f.signed(f.recipient, http.MethodPost, "/api/v1/escrows/1/withdraw", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "TRANSFER_PENDING", errorCode(t, rec))

	f.clock.Advance(ledger.LockPeriod)
	rec = f.signed(f.sender, http.MethodPost, "/api/v1/escrows/1/reclaim", nil, nil)
	assert.Equal(t, "TRANSFER_PENDING", errorCode(t, rec))

	entry := decode[entryResponse](t, f.get("/api/v1/escrows/1"))
	assert.Equal(t, "settling", entry.Status)
	assert.False(t, entry.Settled)
	assert.NotEmpty(t, entry.PendingTx)

	rec = f.get("/api/v1/escrows/1/withdrawable?address=" + f.recipient.addr.Hex())
	assert.Equal(t, false, decode[map[string]any](t, rec)["withdrawable"])

	body, err := io.ReadAll(f.get("/api/v1/metrics").Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "remittance_unconfirmed_transfers 1")
	assert.Contains(t, string(body), `remittance_settlements_total{kind="escrow.withdrawn",status="unconfirmed"} 1`)
}

func TestUnconfirmedDepositIsAccepted(t *testing.T) {
	f := newFixture(t)
	f.approve(f.sender, 5)
	f.transfer.setStall(true)

	rec := f.deposit("funding", f.recipient.addr, "5000000")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[depositResponse](t, rec)
	assert.Equal(t, uint64(1), resp.ID)
	assert.Equal(t, "funding", resp.Status)
	assert.NotEmpty(t, resp.TxHash)

	entry := decode[entryResponse](t, f.get("/api/v1/escrows/1"))
	assert.Equal(t, "funding", entry.Status)

	rec = f.signed(f.recipient, http.MethodPost, "/api/v1/escrows/1/withdraw", nil, nil)
	assert.Equal(t, "TRANSFER_PENDING", errorCode(t, rec))
}

func TestJournalOutageMovesNothing(t *testing.T) {
	f := newFixture(t)
	f.approve(f.sender, 5)
	require.Equal(t, http.StatusCreated, f.deposit("j", f.recipient.addr, "5000000").Code)

	f.journal.fail = true
	rec := f.signed(f.recipient, http.MethodPost, "/api/v1/escrows/1/withdraw", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "JOURNAL_UNAVAILABLE", errorCode(t, rec))
	assert.Equal(t, 0, f.token.BalanceOf(f.recipient.addr).Sign())
	assert.True(t, f.ledger.IsWithdrawable(1, f.recipient.addr))
}

func TestOversizedBodyIsRejected(t *testing.T) {
	f := newFixture(t)
	huge := map[string]string{"recipient": f.recipient.addr.Hex(), "amount": "1", "memo": strings.Repeat("x", 2<<20)}

	rec := f.signed(f.sender, http.MethodPost, "/api/v1/escrows", huge, map[string]string{headerIdempotency: "big"})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", errorCode(t, rec))
	assert.Zero(t, f.ledger.EntryCount())
}

func TestIdempotencyKeysDoNotCrossBootScopes(t *testing.T) {
	store := idempotency.NewMemoryStore()
	withScope := func(scope string) func(*Options) {
		return func(o *Options) {
			o.Store = store
			o.KeyScope = scope
		}
	}

	first := newFixture(t, withScope("boot-a:"))
	first.approve(first.sender, 10)
	require.Equal(t, http.StatusCreated, first.deposit("same", first.recipient.addr, "1000000").Code)

	// A restarted in-memory ledger reuses the same caller and key.
	restarted := func(scope string) *fixture {
		f := newFixture(t, withScope(scope))
		f.sender, f.recipient = first.sender, first.recipient
		require.NoError(t, f.token.Mint(f.admin.addr, f.sender.addr, f.token.Units(1000)))
		f.approve(f.sender, 10)
		return f
	}

	fresh := restarted("boot-b:")
	rec := fresh.deposit("same", first.recipient.addr, "1000000")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Empty(t, rec.Header().Get(headerReplayed))
	assert.Equal(t, uint64(1), fresh.ledger.EntryCount())

	same := restarted("boot-a:")
	rec = same.deposit("same", first.recipient.addr, "1000000")
	assert.Equal(t, "true", rec.Header().Get(headerReplayed))
}
