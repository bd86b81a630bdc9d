package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"roomnight/booking"
	"roomnight/crypto"
	"roomnight/custody"
	"roomnight/escrow"
	"roomnight/inventory"
	"roomnight/ledger"
	"roomnight/models"
)

const testPassphrase = "test passphrase"

type fakeLedger struct {
	mu        sync.Mutex
	seq       uint64
	nextID    uint64
	funded    []common.Address
	mints     int
	transfers int
	burns     int
}

func (f *fakeLedger) hash() common.Hash {
	f.seq++
	return common.BytesToHash([]byte{byte(f.seq)})
}

func (f *fakeLedger) NextTokenID(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextID, nil
}

func (f *fakeLedger) CreateRoomType(context.Context, ledger.Signer, string, string) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.hash(), nil
}

func (f *fakeLedger) MintTokens(_ context.Context, _ ledger.Signer, _ common.Address, _ uint64, _ uint64) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mints++
	return f.hash(), nil
}

func (f *fakeLedger) Transfer(_ context.Context, _ ledger.Signer, _, _ common.Address, _, _ uint64) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers++
	return f.hash(), nil
}

func (f *fakeLedger) Burn(context.Context, ledger.Signer, common.Address, uint64, uint64) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.burns++
	return f.hash(), nil
}

func (f *fakeLedger) FundGas(_ context.Context, _ ledger.Signer, to common.Address, _ *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funded = append(f.funded, to)
	return f.hash(), nil
}

func (f *fakeLedger) AwaitConfirmation(context.Context, common.Hash) error { return nil }

type env struct {
	t       *testing.T
	db      *gorm.DB
	handler http.Handler
	ledger  *fakeLedger
}

func setupEnv(t *testing.T, limits map[string]RateLimit) *env {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	adminKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate admin key: %v", err)
	}
	blob, err := crypto.EncryptKey(adminKey, testPassphrase, crypto.LightScryptN, crypto.LightScryptP)
	if err != nil {
		t.Fatalf("encrypt admin key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "admin.json")
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		t.Fatalf("write keystore: %v", err)
	}
	vault, err := custody.NewVault(path, testPassphrase, testPassphrase, custody.WithScryptParams(crypto.LightScryptN, crypto.LightScryptP))
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	fl := &fakeLedger{nextID: 1}
	seq := custody.NewSequencer()
	t.Cleanup(seq.Close)
	mirror := inventory.NewMirror(db, fl, seq)

	srv := New(Config{
		DB:         db,
		Vault:      vault,
		Sequencer:  seq,
		Ledger:     fl,
		Escrow:     escrow.NewEngine(db, fl, seq, vault, mirror),
		Booking:    booking.NewEngine(db, fl, seq, vault),
		Inventory:  mirror,
		JWTSecret:  []byte("unit-test-secret"),
		RateLimits: limits,
	})
	return &env{t: t, db: db, handler: srv.Handler(), ledger: fl}
}

func (e *env) do(method, path, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var payload *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewBuffer(raw)
	} else {
		payload = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, payload)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, req)
	return recorder
}

func (e *env) decode(rec *httptest.ResponseRecorder, into any) {
	e.t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		e.t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func (e *env) register(email, role string) {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/auth/register", "", map[string]string{
		"email": email, "password": "hunter2hunter2", "role": role,
	})
	if rec.Code != http.StatusCreated {
		e.t.Fatalf("register %s: status %d body %s", email, rec.Code, rec.Body.String())
	}
}

func (e *env) login(email string) string {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/auth/login", "", map[string]string{
		"email": email, "password": "hunter2hunter2",
	})
	if rec.Code != http.StatusOK {
		e.t.Fatalf("login %s: status %d body %s", email, rec.Code, rec.Body.String())
	}
	var out struct {
		Token string `json:"token"`
	}
	e.decode(rec, &out)
	if out.Token == "" {
		e.t.Fatal("login returned no token")
	}
	return out.Token
}

func TestRegisterAndLogin(t *testing.T) {
	env := setupEnv(t, nil)

	env.register("guest@example.com", models.RoleGuest)
	if len(env.ledger.funded) != 1 {
		t.Fatalf("funded wallets = %d, want 1", len(env.ledger.funded))
	}
	token := env.login("guest@example.com")
	if token == "" {
		t.Fatal("empty token")
	}

	rec := env.do(http.MethodPost, "/auth/register", "", map[string]string{
		"email": "guest@example.com", "password": "hunter2hunter2", "role": models.RoleGuest,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate register status = %d, want 409", rec.Code)
	}

	rec = env.do(http.MethodPost, "/auth/register", "", map[string]string{
		"email": "x@example.com", "password": "hunter2hunter2", "role": models.RoleAdmin,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("admin self-register status = %d, want 400", rec.Code)
	}

	rec = env.do(http.MethodPost, "/auth/login", "", map[string]string{
		"email": "guest@example.com", "password": "wrong password",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password status = %d, want 401", rec.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := setupEnv(t, nil)
	rec := env.do(http.MethodGet, "/api/state", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	rec = env.do(http.MethodGet, "/api/state", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d, want 401", rec.Code)
	}
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	env := setupEnv(t, nil)
	env.register("hotel@example.com", models.RoleHotel)
	env.register("agent@example.com", models.RoleAgent)
	hotelToken := env.login("hotel@example.com")
	agentToken := env.login("agent@example.com")

	rec := env.do(http.MethodPost, "/admin/create-inventory", hotelToken, map[string]any{
		"name": "Deluxe", "day_type": "weekday", "total_supply": 10, "public_cap": 8,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create inventory: status %d body %s", rec.Code, rec.Body.String())
	}
	var inv models.RoomInventory
	env.decode(rec, &inv)
	if inv.Name != "Deluxe [weekday]" {
		t.Fatalf("name = %q, want day-type suffix", inv.Name)
	}

	rec = env.do(http.MethodPost, "/admin/create-inventory", agentToken, map[string]any{
		"name": "Rogue", "total_supply": 1, "public_cap": 1,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("agent create inventory status = %d, want 403", rec.Code)
	}

	rec = env.do(http.MethodPost, "/api/escrow/create", hotelToken, map[string]any{
		"buyer_email": "agent@example.com", "token_id": inv.TokenID, "amount": 4,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create trade: status %d body %s", rec.Code, rec.Body.String())
	}
	var trade models.Trade
	env.decode(rec, &trade)
	if trade.Status != models.TradeLocked {
		t.Fatalf("trade status = %s, want LOCKED", trade.Status)
	}
	if env.ledger.mints != 1 {
		t.Fatalf("mints = %d, want 1 for hotel seller", env.ledger.mints)
	}

	rec = env.do(http.MethodPost, "/api/escrow/release", agentToken, map[string]string{"trade_id": trade.ID.String()})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("agent release status = %d, want 403", rec.Code)
	}

	rec = env.do(http.MethodPost, "/api/escrow/release", hotelToken, map[string]string{"trade_id": trade.ID.String()})
	if rec.Code != http.StatusOK {
		t.Fatalf("release: status %d body %s", rec.Code, rec.Body.String())
	}
	var released models.Trade
	env.decode(rec, &released)
	if released.Status != models.TradeReleased {
		t.Fatalf("status = %s, want RELEASED", released.Status)
	}

	rec = env.do(http.MethodPost, "/api/escrow/release", hotelToken, map[string]string{"trade_id": trade.ID.String()})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second release status = %d, want 409", rec.Code)
	}
}

func TestCreateTradeAcceptsRawBuyerAddress(t *testing.T) {
	env := setupEnv(t, nil)
	env.register("hotel@example.com", models.RoleHotel)
	hotelToken := env.login("hotel@example.com")

	rec := env.do(http.MethodPost, "/admin/create-inventory", hotelToken, map[string]any{
		"name": "Deluxe", "total_supply": 10, "public_cap": 8,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create inventory: status %d body %s", rec.Code, rec.Body.String())
	}
	var inv models.RoomInventory
	env.decode(rec, &inv)

	raw := "0x2222222222222222222222222222222222222222"
	rec = env.do(http.MethodPost, "/api/escrow/create", hotelToken, map[string]any{
		"buyer_address": raw, "token_id": inv.TokenID, "amount": 2,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create trade: status %d body %s", rec.Code, rec.Body.String())
	}
	var trade models.Trade
	env.decode(rec, &trade)
	if trade.BuyerAddress != common.HexToAddress(raw).Hex() {
		t.Fatalf("buyer address = %q, want %s", trade.BuyerAddress, common.HexToAddress(raw).Hex())
	}
	if trade.Status != models.TradeLocked {
		t.Fatalf("trade status = %s, want LOCKED", trade.Status)
	}
}

func TestBookingLifecycleOverHTTP(t *testing.T) {
	env := setupEnv(t, nil)
	env.register("hotel@example.com", models.RoleHotel)
	env.register("guest@example.com", models.RoleGuest)
	hotelToken := env.login("hotel@example.com")
	guestToken := env.login("guest@example.com")

	rec := env.do(http.MethodPost, "/api/book/request", guestToken, map[string]any{
		"token_id": 1, "check_in": "2025-12-01", "check_out": "2025-12-04",
		"room_count": 2, "guest_name": "Ada",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("request booking: status %d body %s", rec.Code, rec.Body.String())
	}
	var booked models.Booking
	env.decode(rec, &booked)
	if booked.Quantity != 6 {
		t.Fatalf("quantity = %d, want 6", booked.Quantity)
	}

	rec = env.do(http.MethodPost, "/api/book/confirm", guestToken, map[string]string{"booking_id": booked.ID.String()})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("guest confirm status = %d, want 403", rec.Code)
	}

	rec = env.do(http.MethodPost, "/api/book/confirm", hotelToken, map[string]string{"booking_id": booked.ID.String()})
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm: status %d body %s", rec.Code, rec.Body.String())
	}
	var completed models.Booking
	env.decode(rec, &completed)
	if completed.Status != models.BookingCompleted {
		t.Fatalf("status = %s, want COMPLETED", completed.Status)
	}
	if env.ledger.burns != 1 {
		t.Fatalf("burns = %d, want 1", env.ledger.burns)
	}

	rec = env.do(http.MethodPost, "/api/book/cancel", guestToken, map[string]string{"booking_id": booked.ID.String()})
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancel after confirm status = %d, want 409", rec.Code)
	}
}

func TestBookingCancelOwnership(t *testing.T) {
	env := setupEnv(t, nil)
	env.register("guest@example.com", models.RoleGuest)
	env.register("other@example.com", models.RoleGuest)
	guestToken := env.login("guest@example.com")
	otherToken := env.login("other@example.com")

	rec := env.do(http.MethodPost, "/api/book/request", guestToken, map[string]any{
		"token_id": 1, "room_count": 1,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("request booking: status %d body %s", rec.Code, rec.Body.String())
	}
	var booked models.Booking
	env.decode(rec, &booked)

	rec = env.do(http.MethodPost, "/api/book/cancel", otherToken, map[string]string{"booking_id": booked.ID.String()})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign cancel status = %d, want 403", rec.Code)
	}
	rec = env.do(http.MethodPost, "/api/book/cancel", guestToken, map[string]string{"booking_id": booked.ID.String()})
	if rec.Code != http.StatusOK {
		t.Fatalf("own cancel: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestStateIsRoleFiltered(t *testing.T) {
	env := setupEnv(t, nil)
	env.register("hotel@example.com", models.RoleHotel)
	env.register("guest@example.com", models.RoleGuest)
	hotelToken := env.login("hotel@example.com")
	guestToken := env.login("guest@example.com")

	rec := env.do(http.MethodGet, "/api/state", guestToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("guest state: status %d", rec.Code)
	}
	var guestState map[string]json.RawMessage
	env.decode(rec, &guestState)
	if _, ok := guestState["sales"]; ok {
		t.Fatal("guest state exposes reconciliation mirrors")
	}
	for _, key := range []string{"trades", "bookings", "inventory"} {
		if _, ok := guestState[key]; !ok {
			t.Fatalf("guest state missing %q", key)
		}
	}

	rec = env.do(http.MethodGet, "/api/state", hotelToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("hotel state: status %d", rec.Code)
	}
	var hotelState map[string]json.RawMessage
	env.decode(rec, &hotelState)
	if _, ok := hotelState["sales"]; !ok {
		t.Fatal("hotel state missing sales mirror")
	}
	if _, ok := hotelState["redemptions"]; !ok {
		t.Fatal("hotel state missing redemptions mirror")
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	env := setupEnv(t, nil)
	rec := env.do(http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	rec = env.do(http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
}

func TestAuthRateLimit(t *testing.T) {
	env := setupEnv(t, map[string]RateLimit{"auth": {RequestsPerMinute: 1, Burst: 1}})

	rec := env.do(http.MethodPost, "/auth/login", "", map[string]string{"email": "a@example.com", "password": "x"})
	if rec.Code == http.StatusTooManyRequests {
		t.Fatalf("first request already limited")
	}
	rec = env.do(http.MethodPost, "/auth/login", "", map[string]string{"email": "a@example.com", "password": "x"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
}
