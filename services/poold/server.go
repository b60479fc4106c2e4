package poold

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"icopool/gateway/middleware"
	"icopool/native/pool"
	"icopool/storage/journal"
)

const (
	routeRead  = "pool.read"
	routeWrite = "pool.write"

	// CallerHeader names the caller when authentication is disabled.
	CallerHeader = "X-Pool-Caller"
)

// Balances reports ledger balances for an account.
type Balances interface {
	BalanceOf(owner common.Address) *uint256.Int
}

// TokenLedger is the subset of the token ledger used by the API.
type TokenLedger interface {
	Balances
	Allowance(owner, spender common.Address) *uint256.Int
	Approve(owner, spender common.Address, amount *uint256.Int) error
}

// Units runs a function as one persisted unit of work.
type Units interface {
	Update(fn func() error) error
}

// EventLog lists journaled pool events.
type EventLog interface {
	List(ctx context.Context, f journal.Filter) ([]journal.Entry, error)
}

// ServerConfig captures the dependencies of the HTTP API.
type ServerConfig struct {
	Pool        *pool.Pool
	Ether       Balances
	Token       TokenLedger
	Journal     EventLog
	Hub         *Hub
	Units       Units
	Auth        middleware.AuthConfig
	RateLimits  map[string]middleware.RateLimit
	CORS        middleware.CORSConfig
	Logger      *slog.Logger
	ServiceName string
	// TrustProxy takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that sets them.
	TrustProxy  bool
}

// Server exposes the pool over HTTP.
type Server struct {
	pool        *pool.Pool
	ether       Balances
	token       TokenLedger
	journal     EventLog
	hub         *Hub
	units       Units
	logger      *slog.Logger
	authEnabled bool
	trustProxy  bool

	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter
	obs     *middleware.Observability
	cors    middleware.CORSConfig
	router  http.Handler
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Pool == nil {
		return nil, errors.New("poold: pool not configured")
	}
	if cfg.Ether == nil || cfg.Token == nil {
		return nil, errors.New("poold: ledgers not configured")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub(logger)
	}
	srv := &Server{
		pool:        cfg.Pool,
		ether:       cfg.Ether,
		token:       cfg.Token,
		journal:     cfg.Journal,
		hub:         hub,
		units:       cfg.Units,
		trustProxy:  cfg.TrustProxy,
		logger:      logger.With(slog.String("component", "api")),
		authEnabled: cfg.Auth.Enabled,
		auth:        middleware.NewAuthenticator(cfg.Auth, logger),
		limiter:     middleware.NewRateLimiter(cfg.RateLimits, logger),
		obs:         middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: cfg.ServiceName, Enabled: true}, logger),
		cors:        cfg.CORS,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	if s.trustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(s.cors))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Group(func(read chi.Router) {
			read.Use(s.obs.Middleware(routeRead))
			read.Use(s.limiter.Middleware(routeRead))
			read.Get("/pool", s.handleSummary)
			read.Get("/pool/roles", s.handleRoles)
			read.Get("/pool/roles/{address}", s.handleRoleOf)
			read.Get("/pool/balances/{address}", s.handleBalances)
			read.Get("/pool/events", s.handleEvents)
			read.Get("/pool/events/export", s.handleEventsExport)
		})
		// The websocket route skips the request recorder, which cannot hijack.
		api.With(s.limiter.Middleware(routeRead)).Handle("/pool/events/ws", s.hub)
		api.Group(func(write chi.Router) {
			write.Use(s.obs.Middleware(routeWrite))
			write.Use(s.auth.Middleware())
			write.Use(s.limiter.Middleware(routeWrite))
			write.Post("/pool/state", s.handleSetState)
			write.Post("/pool/pay", s.handlePay)
			write.Post("/pool/receive", s.handleReceive)
			write.Post("/pool/stakeholders/release", s.handleReleaseStakeholder)
			write.Post("/pool/stakeholders/release-force", s.handleReleaseStakeholderForce)
			write.Post("/pool/tokens/accept", s.handleAcceptTokens)
			write.Post("/pool/tokens/release", s.handleReleaseToken)
			write.Post("/pool/tokens/release-force", s.handleReleaseTokenForce)
			write.Post("/pool/ether/release", s.handleReleaseEther)
			write.Post("/pool/ether/release-force", s.handleReleaseEtherForce)
			write.Post("/pool/refund", s.handleRefund)
			write.Post("/pool/refund-force", s.handleRefundForce)
			write.Post("/pool/execute", s.handleExecute)
			write.Post("/token/approve", s.handleApprove)
		})
	})
	return r
}

type deadlinesResponse struct {
	RaisingEnds      int64 `json:"raisingEnds,omitempty"`
	ICOEnds          int64 `json:"icoEnds,omitempty"`
	DistributionEnds int64 `json:"distributionEnds,omitempty"`
	DeprecatedAt     int64 `json:"deprecatedAt,omitempty"`
}

type stakeholderResponse struct {
	Role      string `json:"role"`
	Address   string `json:"address,omitempty"`
	Share     string `json:"share"`
	Released  string `json:"released"`
	Available string `json:"available"`
}

type summaryResponse struct {
	Address      string                `json:"address"`
	Token        string                `json:"token"`
	Phase        string                `json:"phase"`
	Deadlines    deadlinesResponse     `json:"deadlines"`
	TotalRaised  string                `json:"totalRaised"`
	TotalShare   string                `json:"totalShare"`
	TotalToken   string                `json:"totalToken"`
	Stakeholders []stakeholderResponse `json:"stakeholders"`
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	sum := s.pool.Summary()
	resp := summaryResponse{
		Address: sum.Address.Hex(),
		Token:   sum.Token.Hex(),
		Phase:   sum.Phase.String(),
		Deadlines: deadlinesResponse{
			RaisingEnds:      sum.Deadlines.RaisingEnds,
			ICOEnds:          sum.Deadlines.ICOEnds,
			DistributionEnds: sum.Deadlines.DistributionEnds,
			DeprecatedAt:     sum.Deadlines.DeprecatedAt,
		},
		TotalRaised:  sum.TotalRaised.Dec(),
		TotalShare:   sum.TotalShare.Dec(),
		TotalToken:   sum.TotalToken.Dec(),
		Stakeholders: make([]stakeholderResponse, 0, len(sum.Stakeholders)),
	}
	for _, holder := range sum.Stakeholders {
		entry := stakeholderResponse{
			Role:      holder.Role.String(),
			Share:     holder.Share.Dec(),
			Released:  holder.Released.Dec(),
			Available: holder.Available.Dec(),
		}
		if holder.Assigned {
			entry.Address = holder.Address.Hex()
		}
		resp.Stakeholders = append(resp.Stakeholders, entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

type roleResponse struct {
	Address string `json:"address"`
	Role    string `json:"role"`
}

func (s *Server) handleRoles(w http.ResponseWriter, _ *http.Request) {
	assignments := s.pool.Roles()
	out := make([]roleResponse, 0, len(assignments))
	for _, a := range assignments {
		out = append(out, roleResponse{Address: a.Address.Hex(), Role: a.Role.String()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRoleOf(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roleResponse{Address: addr.Hex(), Role: s.pool.Role(addr).String()})
}

type balancesResponse struct {
	Address string `json:"address"`
	// Pool entitlements.
	ClaimableToken string `json:"claimableToken"`
	ClaimableEther string `json:"claimableEther"`
	// Ledger balances.
	Ether         string `json:"ether"`
	Token         string `json:"token"`
	PoolAllowance string `json:"poolAllowance"`
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balancesResponse{
		Address:        addr.Hex(),
		ClaimableToken: s.pool.BalanceTokenOf(addr).Dec(),
		ClaimableEther: s.pool.BalanceEtherOf(addr).Dec(),
		Ether:          s.ether.BalanceOf(addr).Dec(),
		Token:          s.token.BalanceOf(addr).Dec(),
		PoolAllowance:  s.token.Allowance(addr, s.pool.Address()).Dec(),
	})
}

type eventResponse struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

func (s *Server) eventFilter(w http.ResponseWriter, r *http.Request) (journal.Filter, bool) {
	q := r.URL.Query()
	filter := journal.Filter{Type: strings.TrimSpace(q.Get("type"))}
	if raw := q.Get("after"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeBadRequest(w, errors.New("after must be an unsigned integer"))
			return filter, false
		}
		filter.After = after
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeBadRequest(w, errors.New("limit must be a positive integer"))
			return filter, false
		}
		filter.Limit = limit
	}
	return filter, true
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "journal not configured", http.StatusServiceUnavailable)
		return
	}
	filter, ok := s.eventFilter(w, r)
	if !ok {
		return
	}
	entries, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list events failed", slog.Any("error", err))
		http.Error(w, "list events failed", http.StatusInternalServerError)
		return
	}
	out := make([]eventResponse, 0, len(entries))
	for _, entry := range entries {
		attrs, err := entry.Decoded()
		if err != nil {
			s.logger.Warn("undecodable journal entry", slog.Uint64("sequence", entry.Sequence), slog.Any("error", err))
			continue
		}
		out = append(out, eventResponse{Sequence: entry.Sequence, Type: entry.Type, Attributes: attrs, CreatedAt: entry.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEventsExport(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "journal not configured", http.StatusServiceUnavailable)
		return
	}
	filter, ok := s.eventFilter(w, r)
	if !ok {
		return
	}
	entries, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list events failed", slog.Any("error", err))
		http.Error(w, "list events failed", http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := journal.WriteParquet(&buf, entries); err != nil {
		s.logger.Error("export events failed", slog.Any("error", err))
		http.Error(w, "export events failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", journal.ParquetContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="pool-events.parquet"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type setStateRequest struct {
	Phase string `json:"phase"`
}

type stakeholderForceRequest struct {
	Role   string `json:"role"`
	Amount string `json:"amount"`
}

type investorForceRequest struct {
	Investor string `json:"investor"`
	Amount   string `json:"amount"`
}

type receiveRequest struct {
	Value string `json:"value"`
}

type receiveResponse struct {
	Action string `json:"action"`
	Ether  string `json:"ether"`
	Token  string `json:"token"`
}

type executeRequest struct {
	Target string `json:"target"`
	Value  string `json:"value"`
	Data   string `json:"data"`
}

type approveRequest struct {
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req setStateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	target, err := pool.ParsePhase(req.Phase)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.pool.SetState(caller, target); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"phase": s.pool.State().String()})
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	s.amountCall(w, r, s.pool.BuyShare)
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req receiveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	value := new(uint256.Int)
	if strings.TrimSpace(req.Value) != "" {
		parsed, err := pool.ParseAmount(req.Value)
		if err != nil {
			writeBadRequest(w, err)
			return
		}
		value = parsed
	}
	result, err := s.pool.Receive(caller, value)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receiveResponse{Action: string(result.Action), Ether: result.Ether.Dec(), Token: result.Token.Dec()})
}

func (s *Server) handleReleaseStakeholder(w http.ResponseWriter, r *http.Request) {
	s.amountCall(w, r, s.pool.ReleaseEtherToStakeholder)
}

func (s *Server) handleReleaseStakeholderForce(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req stakeholderForceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	role, err := pool.ParseRole(req.Role)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := pool.ParseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	s.respond(w, s.pool.ReleaseEtherToStakeholderForce(caller, role, amount))
}

func (s *Server) handleAcceptTokens(w http.ResponseWriter, r *http.Request) {
	s.amountCall(w, r, s.pool.AcceptTokenFromICO)
}

func (s *Server) handleReleaseToken(w http.ResponseWriter, r *http.Request) {
	s.amountCall(w, r, s.pool.ReleaseToken)
}

func (s *Server) handleReleaseTokenForce(w http.ResponseWriter, r *http.Request) {
	s.investorCall(w, r, s.pool.ReleaseTokenForce)
}

func (s *Server) handleReleaseEther(w http.ResponseWriter, r *http.Request) {
	s.amountCall(w, r, s.pool.ReleaseEther)
}

func (s *Server) handleReleaseEtherForce(w http.ResponseWriter, r *http.Request) {
	s.investorCall(w, r, s.pool.ReleaseEtherForce)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	s.amountCall(w, r, s.pool.RefundShare)
}

func (s *Server) handleRefundForce(w http.ResponseWriter, r *http.Request) {
	s.investorCall(w, r, s.pool.RefundShareForce)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req executeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	target, err := parseAddress(req.Target)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	value := new(uint256.Int)
	if strings.TrimSpace(req.Value) != "" {
		if value, err = pool.ParseAmount(req.Value); err != nil {
			writeBadRequest(w, err)
			return
		}
	}
	var data []byte
	if raw := strings.TrimSpace(req.Data); raw != "" {
		if data, err = hexutil.Decode(raw); err != nil {
			writeBadRequest(w, err)
			return
		}
	}
	s.respond(w, s.pool.Execute(caller, target, value, data))
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req approveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	spender, err := parseAddress(req.Spender)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := pool.ParseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	approve := func() error { return s.token.Approve(caller, spender, amount) }
	if s.units != nil {
		err = s.units.Update(approve)
	} else {
		err = approve()
	}
	if err != nil {
		s.logger.Error("approve failed", slog.Any("error", err))
		http.Error(w, "approve failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"allowance": s.token.Allowance(caller, spender).Dec()})
}

func (s *Server) amountCall(w http.ResponseWriter, r *http.Request, call func(common.Address, *uint256.Int) error) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := pool.ParseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	s.respond(w, call(caller, amount))
}

func (s *Server) investorCall(w http.ResponseWriter, r *http.Request, call func(common.Address, common.Address, *uint256.Int) error) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req investorForceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	investor, err := parseAddress(req.Investor)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := pool.ParseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	s.respond(w, call(caller, investor, amount))
}

// caller resolves the acting address. Without authentication the address
// is taken from CallerHeader.
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	if addr, ok := middleware.CallerFromContext(r.Context()); ok {
		return addr, true
	}
	if !s.authEnabled {
		addr, err := parseAddress(r.Header.Get(CallerHeader))
		if err == nil {
			return addr, true
		}
	}
	http.Error(w, "caller not identified", http.StatusUnauthorized)
	return common.Address{}, false
}

func (s *Server) respond(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"phase": s.pool.State().String()})
}

// statusFor maps pool errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pool.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, pool.ErrWrongPhase), errors.Is(err, pool.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, pool.ErrInsufficientEntitlement),
		errors.Is(err, pool.ErrBelowMinimumDeposit),
		errors.Is(err, pool.ErrFundCapExceeded),
		errors.Is(err, pool.ErrAllowanceExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pool.ErrInvalidAmount),
		errors.Is(err, pool.ErrUnknownStakeholder),
		errors.Is(err, pool.ErrUnsupportedCall):
		return http.StatusBadRequest
	case errors.Is(err, pool.ErrTransferFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("pool operation failed", slog.Any("error", err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeBadRequest(w, errors.New("invalid request body"))
		return false
	}
	return true
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, errors.New("invalid address")
	}
	return common.HexToAddress(raw), nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
