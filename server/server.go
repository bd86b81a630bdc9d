package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"roomnight/booking"
	"roomnight/custody"
	"roomnight/escrow"
	"roomnight/inventory"
	"roomnight/ledger"
	"roomnight/models"
	"roomnight/observability"
)

// defaultGasFunding seeds new custodial wallets with 0.1 native coin.
var defaultGasFunding = new(big.Int).Mul(big.NewInt(100), big.NewInt(1e15))

// Ledger is the contract surface the server itself needs; everything else
// goes through the engines.
type Ledger interface {
	FundGas(ctx context.Context, s ledger.Signer, to common.Address, amount *big.Int) (common.Hash, error)
	AwaitConfirmation(ctx context.Context, txHash common.Hash) error
}

// Config captures the dependencies required to construct the server.
type Config struct {
	DB         *gorm.DB
	Vault      *custody.Vault
	Sequencer  *custody.Sequencer
	Ledger     Ledger
	Escrow     *escrow.Engine
	Booking    *booking.Engine
	Inventory  *inventory.Mirror
	JWTSecret  []byte
	TokenTTL   time.Duration
	GasFunding *big.Int
	RateLimits map[string]RateLimit
	Logger     *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	db         *gorm.DB
	vault      *custody.Vault
	seq        *custody.Sequencer
	ledger     Ledger
	escrow     *escrow.Engine
	booking    *booking.Engine
	inventory  *inventory.Mirror
	jwtSecret  []byte
	tokenTTL   time.Duration
	gasFunding *big.Int
	log        *slog.Logger
	metrics    *observability.ServerMetrics
	now        func() time.Time

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	srv := &Server{
		db:         cfg.DB,
		vault:      cfg.Vault,
		seq:        cfg.Sequencer,
		ledger:     cfg.Ledger,
		escrow:     cfg.Escrow,
		booking:    cfg.Booking,
		inventory:  cfg.Inventory,
		jwtSecret:  cfg.JWTSecret,
		tokenTTL:   cfg.TokenTTL,
		gasFunding: cfg.GasFunding,
		log:        cfg.Logger,
		metrics:    observability.Server(),
		now:        time.Now,
	}
	if srv.tokenTTL <= 0 {
		srv.tokenTTL = 24 * time.Hour
	}
	if srv.gasFunding == nil {
		srv.gasFunding = defaultGasFunding
	}
	if srv.log == nil {
		srv.log = slog.Default()
	}
	srv.router = srv.buildRouter(NewRateLimiter(cfg.RateLimits))
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(limits *RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(public chi.Router) {
		public.Use(limits.Middleware("auth"))
		public.Post("/auth/register", s.Register)
		public.Post("/auth/login", s.Login)
	})

	r.Group(func(private chi.Router) {
		private.Use(s.authenticate)
		private.Use(limits.Middleware("api"))

		private.Get("/api/state", s.State)
		private.With(requireRole(models.RoleHotel)).Post("/admin/create-inventory", s.CreateInventory)

		private.Post("/api/escrow/create", s.CreateTrade)
		private.With(requireRole(models.RoleHotel, models.RoleAdmin)).Post("/api/escrow/release", s.ReleaseTrade)
		private.Post("/api/escrow/cancel", s.CancelTrade)

		private.Post("/api/book/request", s.RequestBooking)
		private.With(requireRole(models.RoleHotel, models.RoleAdmin)).Post("/api/book/confirm", s.ConfirmBooking)
		private.Post("/api/book/cancel", s.CancelBooking)
	})
	return r
}

// observe records request counts and latency per matched route.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.Observe(route, ww.Status(), s.now().Sub(start))
	})
}

// Health reports liveness.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// Register creates a principal with a fresh custodial wallet and seeds it
// with gas. Funding failures are logged, never fatal to registration.
func (s *Server) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		http.Error(w, "valid email required", http.StatusBadRequest)
		return
	}
	if len(req.Password) < 8 {
		http.Error(w, "password must be at least 8 characters", http.StatusBadRequest)
		return
	}
	if _, ok := allowedRegistrationRoles[req.Role]; !ok {
		http.Error(w, "unsupported role", http.StatusBadRequest)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "unable to hash password", http.StatusInternalServerError)
		return
	}
	addr, blob, err := s.vault.GenerateKey()
	if err != nil {
		s.log.Error("wallet generation failed", "error", err)
		http.Error(w, "unable to provision wallet", http.StatusInternalServerError)
		return
	}
	user := &models.User{
		ID:           uuid.New(),
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         req.Role,
		Address:      addr.Hex(),
		EncryptedKey: blob,
	}
	if err := s.db.WithContext(r.Context()).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(strings.ToLower(err.Error()), "unique") {
			http.Error(w, "email already registered", http.StatusConflict)
			return
		}
		s.log.Error("user persistence failed", "error", err)
		http.Error(w, "unable to register", http.StatusInternalServerError)
		return
	}

	s.fundWallet(r.Context(), addr)

	s.writeJSON(w, http.StatusCreated, map[string]any{
		"id":      user.ID,
		"email":   user.Email,
		"role":    user.Role,
		"address": user.Address,
	})
}

func (s *Server) fundWallet(ctx context.Context, to common.Address) {
	admin, err := s.vault.AdminSigner()
	if err != nil {
		s.log.Error("gas funding skipped, admin signer unavailable", "error", err)
		return
	}
	_, err = s.seq.Do(ctx, admin.Address(), func(ctx context.Context) (common.Hash, error) {
		h, err := s.ledger.FundGas(ctx, admin, to, s.gasFunding)
		if err != nil {
			return common.Hash{}, err
		}
		return h, s.ledger.AwaitConfirmation(ctx, h)
	})
	if err != nil {
		s.log.Error("gas funding failed", "address", to.Hex(), "error", err)
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login verifies credentials and issues a bearer token.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	var user models.User
	err := s.db.WithContext(r.Context()).First(&user, "email = ?", strings.ToLower(strings.TrimSpace(req.Email))).Error
	if err != nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	token, err := s.issueToken(&user)
	if err != nil {
		s.log.Error("token issuance failed", "error", err)
		http.Error(w, "unable to issue token", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"token":   token,
		"role":    user.Role,
		"address": user.Address,
	})
}

// State returns the role-filtered platform view: trades and bookings the
// principal participates in, the inventory list, and for hotels and admins
// the reconciliation mirrors.
func (s *Server) State(w http.ResponseWriter, r *http.Request) {
	claims, err := claimsFrom(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	user := &models.User{ID: claims.UserID, Email: claims.Email, Role: claims.Role}

	trades, err := s.escrow.ListForPrincipal(r.Context(), user)
	if err != nil {
		s.fail(w, err)
		return
	}
	bookings, err := s.booking.ListForPrincipal(r.Context(), user)
	if err != nil {
		s.fail(w, err)
		return
	}
	inventoryRows, err := s.inventory.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	payload := map[string]any{
		"trades":    trades,
		"bookings":  bookings,
		"inventory": inventoryRows,
	}
	if claims.Role == models.RoleHotel || claims.Role == models.RoleAdmin {
		var sales []models.SaleEvent
		if err := s.db.WithContext(r.Context()).Order("sale_id asc").Find(&sales).Error; err != nil {
			s.fail(w, err)
			return
		}
		var redemptions []models.RedemptionEvent
		if err := s.db.WithContext(r.Context()).Order("block_number asc").Find(&redemptions).Error; err != nil {
			s.fail(w, err)
			return
		}
		payload["sales"] = sales
		payload["redemptions"] = redemptions
	}
	s.writeJSON(w, http.StatusOK, payload)
}

type createInventoryRequest struct {
	Name        string `json:"name"`
	DayType     string `json:"day_type"`
	TotalSupply uint64 `json:"total_supply"`
	PublicCap   uint64 `json:"public_cap"`
}

// CreateInventory registers a new room type on chain and mirrors it.
func (s *Server) CreateInventory(w http.ResponseWriter, r *http.Request) {
	claims, err := claimsFrom(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req createInventoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	name := req.Name
	if dayType := strings.TrimSpace(req.DayType); dayType != "" {
		name = name + " [" + dayType + "]"
	}
	admin, err := s.vault.AdminSigner()
	if err != nil {
		s.fail(w, err)
		return
	}
	inv, err := s.inventory.CreateType(r.Context(), admin, claims.UserID.String(), name, req.TotalSupply, req.PublicCap)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, inv)
}

type createTradeRequest struct {
	BuyerEmail   string `json:"buyer_email"`
	BuyerAddress string `json:"buyer_address"`
	TokenID      uint64 `json:"token_id"`
	Amount       uint64 `json:"amount"`
}

func (r createTradeRequest) buyerRef() string {
	if addr := strings.TrimSpace(r.BuyerAddress); addr != "" {
		return addr
	}
	return strings.ToLower(strings.TrimSpace(r.BuyerEmail))
}

// CreateTrade locks tokens in custody for the authenticated seller.
func (s *Server) CreateTrade(w http.ResponseWriter, r *http.Request) {
	claims, err := claimsFrom(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req createTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	trade, err := s.escrow.CreateTrade(r.Context(), claims.Email, req.buyerRef(), req.TokenID, req.Amount)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, trade)
}

type tradeActionRequest struct {
	TradeID string `json:"trade_id"`
}

// ReleaseTrade settles an escrow trade to its buyer.
func (s *Server) ReleaseTrade(w http.ResponseWriter, r *http.Request) {
	tradeID, ok := s.parseTradeID(w, r)
	if !ok {
		return
	}
	trade, err := s.escrow.Release(r.Context(), tradeID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trade)
}

// CancelTrade unwinds an escrow trade back to its seller. Only the seller or
// an admin may cancel.
func (s *Server) CancelTrade(w http.ResponseWriter, r *http.Request) {
	claims, err := claimsFrom(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	tradeID, ok := s.parseTradeID(w, r)
	if !ok {
		return
	}
	trade, err := s.escrow.Get(r.Context(), tradeID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if claims.Role != models.RoleAdmin && trade.SellerEmail != claims.Email {
		http.Error(w, "not the trade seller", http.StatusForbidden)
		return
	}
	cancelled, err := s.escrow.Cancel(r.Context(), tradeID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cancelled)
}

func (s *Server) parseTradeID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	var req tradeActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return uuid.UUID{}, false
	}
	tradeID, err := uuid.Parse(req.TradeID)
	if err != nil {
		http.Error(w, "invalid trade id", http.StatusBadRequest)
		return uuid.UUID{}, false
	}
	return tradeID, true
}

type bookingRequest struct {
	TokenID   uint64 `json:"token_id"`
	CheckIn   string `json:"check_in"`
	CheckOut  string `json:"check_out"`
	RoomCount uint64 `json:"room_count"`
	GuestName string `json:"guest_name"`
}

// RequestBooking locks the computed quantity in custody for the guest.
func (s *Server) RequestBooking(w http.ResponseWriter, r *http.Request) {
	claims, err := claimsFrom(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req bookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	checkIn, ok := s.parseDate(w, req.CheckIn)
	if !ok {
		return
	}
	checkOut, ok := s.parseDate(w, req.CheckOut)
	if !ok {
		return
	}
	booked, err := s.booking.Open(r.Context(), booking.Request{
		GuestEmail: claims.Email,
		GuestName:  strings.TrimSpace(req.GuestName),
		TokenID:    req.TokenID,
		CheckIn:    checkIn,
		CheckOut:   checkOut,
		RoomCount:  req.RoomCount,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, booked)
}

func (s *Server) parseDate(w http.ResponseWriter, value string) (*time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, true
	}
	parsed, err := time.Parse("2006-01-02", value)
	if err != nil {
		http.Error(w, "dates must be YYYY-MM-DD", http.StatusBadRequest)
		return nil, false
	}
	return &parsed, true
}

type bookingActionRequest struct {
	BookingID string `json:"booking_id"`
}

// ConfirmBooking completes a stay and burns the locked quantity.
func (s *Server) ConfirmBooking(w http.ResponseWriter, r *http.Request) {
	bookingID, ok := s.parseBookingID(w, r)
	if !ok {
		return
	}
	completed, err := s.booking.Confirm(r.Context(), bookingID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, completed)
}

// CancelBooking refunds the locked quantity to the guest. Guests may cancel
// their own bookings; hotels and admins may cancel any.
func (s *Server) CancelBooking(w http.ResponseWriter, r *http.Request) {
	claims, err := claimsFrom(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	bookingID, ok := s.parseBookingID(w, r)
	if !ok {
		return
	}
	current, err := s.booking.Get(r.Context(), bookingID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if claims.Role != models.RoleAdmin && claims.Role != models.RoleHotel && current.GuestEmail != claims.Email {
		http.Error(w, "not the booking guest", http.StatusForbidden)
		return
	}
	cancelled, err := s.booking.Cancel(r.Context(), bookingID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cancelled)
}

func (s *Server) parseBookingID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	var req bookingActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return uuid.UUID{}, false
	}
	bookingID, err := uuid.Parse(req.BookingID)
	if err != nil {
		http.Error(w, "invalid booking id", http.StatusBadRequest)
		return uuid.UUID{}, false
	}
	return bookingID, true
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrTradeNotFound),
		errors.Is(err, booking.ErrBookingNotFound),
		errors.Is(err, inventory.ErrUnknownToken):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, escrow.ErrUnknownBuyer),
		errors.Is(err, escrow.ErrUnknownSeller),
		errors.Is(err, booking.ErrUnknownGuest),
		errors.Is(err, booking.ErrInvalidDateRange),
		errors.Is(err, booking.ErrInvalidRoomCount),
		errors.Is(err, inventory.ErrInvalidSupply):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, escrow.ErrInvalidTradeState),
		errors.Is(err, booking.ErrInvalidBookingState),
		errors.Is(err, inventory.ErrSupplyExhausted),
		errors.Is(err, custody.ErrKeyUnavailable),
		ledger.IsRevert(err):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ledger.ErrIndeterminate):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	default:
		s.log.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("response encoding failed", "error", err)
	}
}
