package api

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"royaltyledger/internal/config"
	"royaltyledger/internal/ingest"
	"royaltyledger/internal/insights"
	"royaltyledger/internal/notify"
	"royaltyledger/internal/storage"
)

// UserHeader carries the authenticated user id, set by the auth proxy in
// front of this service.
const UserHeader = "X-User-ID"

type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type Handler struct {
	db       *storage.DB
	ingest   *ingest.Service
	insights *insights.Service
	notifier notify.Notifier
	cfg      config.Config
	log      zerolog.Logger

	mu       sync.Mutex
	limiters *cache.Cache
}

// limiterIdleTTL is how long an unused upload bucket is kept. Buckets refill
// within a minute.
const limiterIdleTTL = 10 * time.Minute

func newLimiterCache(ttl time.Duration) *cache.Cache {
	return cache.New(ttl, 2*ttl)
}

func NewHandler(db *storage.DB, ingestSvc *ingest.Service, insightsSvc *insights.Service, notifier notify.Notifier, cfg config.Config, log zerolog.Logger) *Handler {
	return &Handler{
		db:       db,
		ingest:   ingestSvc,
		insights: insightsSvc,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		limiters: newLimiterCache(limiterIdleTTL),
	}
}

// NewApp builds the fiber app with every route registered.
func NewApp(h *Handler) *fiber.App {
	bodyLimit := h.cfg.MaxUploadBytes
	if bodyLimit <= 0 {
		bodyLimit = 10 << 20
	}
	app := fiber.New(fiber.Config{
		AppName:               "royaltyledger",
		BodyLimit:             bodyLimit + 64<<10,
		DisableStartupMessage: true,
		ErrorHandler:          h.handleError,
	})
	h.RegisterRoutes(app)
	return app
}

func (h *Handler) RegisterRoutes(app *fiber.App) {
	app.Get("/api/health", HandleHealth)

	api := app.Group("/api", h.requireUser, h.logRequest)
	api.Post("/statements", h.uploadLimit, h.HandleUpload)
	api.Get("/statements", h.HandleListStatements)
	api.Delete("/statements/:id", h.HandleDeleteStatement)
	api.Post("/statements/:id/reprocess", h.HandleReprocess)
	api.Get("/income", h.HandleListIncome)
	api.Post("/income", h.HandleAddIncome)
	api.Delete("/income/:id", h.HandleDeleteIncome)
	api.Get("/insights", h.HandleInsights)
	api.Get("/summary", h.HandleSummary)
	api.Get("/export", h.HandleExport)
}

func HandleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "engine": "fiber"})
}

func userID(c *fiber.Ctx) string {
	id, _ := c.Locals("userID").(string)
	return id
}

func (h *Handler) requireUser(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Get(UserHeader))
	if id == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing "+UserHeader+" header")
	}
	c.Locals("userID", id)
	return c.Next()
}

func (h *Handler) logRequest(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	h.log.Debug().
		Str("method", c.Method()).
		Str("path", c.Path()).
		Str("user_id", userID(c)).
		Dur("took", time.Since(start)).
		Msg("request")
	return err
}

// uploadLimit applies a per-user token bucket to statement uploads.
func (h *Handler) uploadLimit(c *fiber.Ctx) error {
	if !h.limiterFor(userID(c)).Allow() {
		h.log.Warn().Str("user_id", userID(c)).Msg("upload rate limit exceeded")
		return fiber.NewError(fiber.StatusTooManyRequests, "too many uploads, try again shortly")
	}
	return c.Next()
}

func (h *Handler) limiterFor(user string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	var l *rate.Limiter
	if v, ok := h.limiters.Get(user); ok {
		l = v.(*rate.Limiter)
	} else {
		perMin := h.cfg.UploadRatePerMin
		if perMin <= 0 {
			perMin = 30
		}
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), perMin)
	}
	h.limiters.SetDefault(user, l)
	return l
}

func (h *Handler) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "internal error"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		msg = fe.Message
	} else {
		h.log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return c.Status(code).JSON(Response{Success: false, Error: msg})
}
