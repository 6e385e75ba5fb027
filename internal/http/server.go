package http

import (
	"context"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"flatmates/internal/cache"
	"flatmates/internal/core"
	"flatmates/internal/log"
	"flatmates/internal/middleware/ratelimit"
	"flatmates/internal/middleware/security"
	"flatmates/internal/middleware/trace"
	"flatmates/internal/services"
	appweb "flatmates/web"
)

// Ledger is the application service the handlers drive.
type Ledger interface {
	CreateExpense(ctx context.Context, paidBy, description, category string, amount decimal.Decimal) (core.Expense, error)
	BulkUpdate(ctx context.Context, edited []core.Expense) error
	ArchiveSettled(ctx context.Context, edited []core.Expense) (int, error)
	MarkAllSettled(ctx context.Context, edited []core.Expense) ([]core.Expense, error)
	SaveParticipants(ctx context.Context, edited []string) ([]string, error)
	PostAnnouncement(ctx context.Context, author, message string) (core.Announcement, error)
	ListExpenses(ctx context.Context) ([]core.Expense, error)
	ListArchive(ctx context.Context) ([]core.Expense, error)
	ListRecentAnnouncements(ctx context.Context, n int) ([]core.Announcement, error)
	Participants(ctx context.Context) ([]string, error)
	Balances(ctx context.Context) ([]core.BalanceRow, error)
	Dashboard(ctx context.Context, recentExpenses, recentAnnouncements int) (services.Dashboard, error)
}

var _ Ledger = (*services.Ledger)(nil)

// Options tunes the server. Zero values fall back to the defaults below.
type Options struct {
	RecentExpenses      int
	RecentAnnouncements int
	CacheTTL            time.Duration
	RateLimitPerMinute  int
	Logger              *log.Logger
	Metrics             *Metrics
	// Ready is an extra readiness probe, typically the store's Ping.
	Ready func(context.Context) error
}

const (
	defaultRecentExpenses      = 10
	defaultRecentAnnouncements = 5
	defaultCacheTTL            = 30 * time.Second
	readTimeout                = 7 * time.Second
	cacheCleanupInterval       = 10 * time.Minute
)

type Server struct {
	http.Server
	templates *template.Template
	ledger    Ledger
	logger    *log.Logger
	metrics   *Metrics
	opts      Options
	started   time.Time

	detector *security.Detector
	limiter  *ratelimit.Limiter
	tracer   *trace.Middleware

	// Read views, purged by every write made through this server.
	dashboardCache *cache.LRUCache[services.Dashboard]
	balancesCache  *cache.LRUCache[[]core.BalanceRow]
	caches         *cache.Manager

	shutdownOnce sync.Once
}

// NewServer configures routes and templates, returning a ready-to-run http.Server.
func NewServer(addr string, ledger Ledger, opts Options) *Server {
	if opts.RecentExpenses == 0 {
		opts.RecentExpenses = defaultRecentExpenses
	}
	if opts.RecentAnnouncements == 0 {
		opts.RecentAnnouncements = defaultRecentAnnouncements
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}

	s := &Server{
		ledger:         ledger,
		logger:         opts.Logger.WithComponent(log.ComponentHTTP),
		metrics:        opts.Metrics,
		opts:           opts,
		started:        time.Now(),
		dashboardCache: cache.NewLRUCache[services.Dashboard](16, opts.CacheTTL),
		balancesCache:  cache.NewLRUCache[[]core.BalanceRow](4, opts.CacheTTL),
		caches:         cache.NewManager(),
	}
	s.caches.Register(s.dashboardCache)
	s.caches.Register(s.balancesCache)
	s.caches.StartCleanup(cacheCleanupInterval)

	s.detector = security.NewDetector(s.metrics.Suspicious)
	limiterCfg := ratelimit.DefaultConfig()
	if opts.RateLimitPerMinute > 0 {
		limiterCfg.RequestsPerMinute = opts.RateLimitPerMinute
	}
	s.limiter = ratelimit.NewLimiter(limiterCfg)
	s.tracer = trace.NewMiddleware(s.detector.ExtractClientIP, opts.Logger, s.metrics.ObserveRequest)

	s.metrics.GaugeFunc("cache_entries", "Entries held by the read view caches.", func() float64 {
		return float64(s.dashboardCache.Size() + s.balancesCache.Size())
	})
	s.metrics.GaugeFunc("rate_limit_clients", "Clients tracked by the rate limiter.", func() float64 {
		return float64(s.limiter.ActiveClients())
	})
	s.metrics.GaugeFunc("uptime_seconds", "Seconds since the server was created.", func() float64 {
		return time.Since(s.started).Seconds()
	})

	t, err := template.New("").Funcs(templateFuncs()).ParseFS(appweb.TemplatesFS, "templates/*.html")
	if err != nil {
		s.logger.WithComponent(log.ComponentTemplate).Warn("Failed parsing templates", log.FieldError, err)
	}
	s.templates = t

	s.Server = http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	if sub, err := fs.Sub(appweb.StaticFS, "static"); err == nil {
		static := http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
		mux.Handle("GET /static/", security.StaticAssetMiddleware(3600)(static))
	} else {
		s.logger.Warn("Failed to mount embedded static FS", log.FieldError, err)
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", s.metrics.Handler())

	// Pages and HTMX partials
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /ui/balances", s.handleBalancesPartial)
	mux.HandleFunc("/expenses", s.handleCreateExpense)
	mux.HandleFunc("GET /expenses/edit", s.handleEditPage)
	mux.HandleFunc("POST /expenses/edit", s.handleEditSubmit)
	mux.HandleFunc("GET /announcements", s.handleAnnouncementsPage)
	mux.HandleFunc("POST /announcements", s.handlePostAnnouncement)
	mux.HandleFunc("GET /flatmates", s.handleFlatmatesPage)
	mux.HandleFunc("POST /flatmates", s.handleSaveFlatmates)
	mux.HandleFunc("GET /help", s.handleHelp)

	// JSON API
	mux.HandleFunc("GET /api/expenses", s.apiListExpenses)
	mux.HandleFunc("POST /api/expenses", s.apiCreateExpense)
	mux.HandleFunc("PUT /api/expenses", s.apiBulkUpdate)
	mux.HandleFunc("POST /api/expenses/archive", s.apiArchiveSettled)
	mux.HandleFunc("POST /api/expenses/settle-all", s.apiMarkAllSettled)
	mux.HandleFunc("GET /api/archive", s.apiListArchive)
	mux.HandleFunc("GET /api/balances", s.apiBalances)
	mux.HandleFunc("GET /api/dashboard", s.apiDashboard)
	mux.HandleFunc("GET /api/announcements", s.apiListAnnouncements)
	mux.HandleFunc("POST /api/announcements", s.apiPostAnnouncement)
	mux.HandleFunc("GET /api/flatmates", s.apiParticipants)
	mux.HandleFunc("PUT /api/flatmates", s.apiSaveParticipants)

	limited := s.limiter.Middleware(s.detector.ExtractClientIP, s.onRateLimit)(mux)
	detected := s.detector.Middleware(limited)
	traced := s.tracer.Middleware(detected)
	return security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(traced)
}

func (s *Server) onRateLimit(w http.ResponseWriter, r *http.Request) {
	s.metrics.RateLimited()
	log.FromContext(r.Context()).WithComponent(log.ComponentRateLimit).WarnContext(r.Context(), "Rate limit exceeded",
		log.FieldClientIP, s.detector.ExtractClientIP(r),
		log.FieldMethod, r.Method,
		log.FieldPath, r.URL.Path)
	ErrorResponse(http.StatusTooManyRequests, "Too many requests, please slow down").
		Header("Retry-After", "60").
		Write(w)
}

// Shutdown stops the background loops and then the HTTP server. Only the
// first call has any effect.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.caches.Stop()
		s.limiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

// invalidate drops every cached read view after a write.
func (s *Server) invalidate() {
	s.dashboardCache.Purge()
	s.balancesCache.Purge()
}

func (s *Server) dashboard(ctx context.Context) (services.Dashboard, error) {
	key := fmt.Sprintf("%d/%d", s.opts.RecentExpenses, s.opts.RecentAnnouncements)
	return cached(ctx, s, s.dashboardCache, "dashboard", key, func(ctx context.Context) (services.Dashboard, error) {
		return s.ledger.Dashboard(ctx, s.opts.RecentExpenses, s.opts.RecentAnnouncements)
	})
}

func (s *Server) balances(ctx context.Context) ([]core.BalanceRow, error) {
	return cached(ctx, s, s.balancesCache, "balances", "all", s.ledger.Balances)
}

// cached wraps cache.GetOrLoad with a read timeout and hit/miss metrics.
func cached[T any](ctx context.Context, s *Server, c cache.Cache[T], name, key string, load func(context.Context) (T, error)) (T, error) {
	loaded := false
	v, err := cache.GetOrLoad(ctx, c, key, func(ctx context.Context) (T, error) {
		loaded = true
		cctx, cancel := context.WithTimeout(ctx, readTimeout)
		defer cancel()
		return load(cctx)
	})
	s.metrics.CacheLookup(name, !loaded)
	return v, err
}
