// Package server assembles the gin engine: public vote routes, provider
// webhooks, admin reads, health and metrics.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/yourorg/vote-payments/internal/adapter"
	"github.com/yourorg/vote-payments/internal/lifecycle"
	"github.com/yourorg/vote-payments/internal/orchestrator"
	"github.com/yourorg/vote-payments/internal/reporting"
	"github.com/yourorg/vote-payments/internal/reqctx"
	"github.com/yourorg/vote-payments/internal/store"
	"github.com/yourorg/vote-payments/internal/webhook"
)

// VoteService is the lifecycle surface the HTTP layer drives.
type VoteService interface {
	Create(ctx context.Context, in lifecycle.VoteInput, md reqctx.RequestMetadata) (*lifecycle.CreateResult, error)
	GetVote(ctx context.Context, voteID string) (*store.Vote, error)
	CheckPaymentStatus(ctx context.Context, voteID string) (*lifecycle.StatusCheck, error)
	ListVotes(ctx context.Context, f store.VoteFilter) ([]store.Vote, int64, error)
	Refund(ctx context.Context, voteID string, amount int64) (adapter.PaymentResult, error)
}

// StatsGenerator produces admin statistics. *reporting.StatsReporter implements it.
type StatsGenerator interface {
	Generate(ctx context.Context, since time.Time) (*reporting.VoteStats, error)
}

// Options configures the engine.
type Options struct {
	ServiceName string
	CORSOrigins []string
	AdminAPIKey string // admin routes are not mounted when empty
}

// Server holds the handlers' collaborators.
type Server struct {
	votes     VoteService
	stats     StatsGenerator
	webhooks  *webhook.Handler
	providers []string
	opts      Options
}

// New creates a new Server.
func New(votes VoteService, stats StatsGenerator, webhooks *webhook.Handler, providers []string, opts Options) *Server {
	if votes == nil {
		panic("VoteService cannot be nil")
	}
	if stats == nil {
		panic("StatsGenerator cannot be nil")
	}
	if webhooks == nil {
		panic("webhook.Handler cannot be nil")
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "vote-payments"
	}
	return &Server{votes: votes, stats: stats, webhooks: webhooks, providers: providers, opts: opts}
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization", reqctx.RequestIDHeader)
	cfg.ExposeHeaders = []string{reqctx.RequestIDHeader}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(corsConfig(s.opts.CORSOrigins)))
	r.Use(otelgin.Middleware(s.opts.ServiceName))
	r.Use(reqctx.Middleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "providers": s.providers})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/votes", s.createVote)
	r.GET("/votes/:id", s.getVote)
	r.GET("/votes/:id/status", s.checkStatus)

	s.webhooks.Register(r, s.providers...)

	if s.opts.AdminAPIKey == "" {
		log.Printf("Server: admin API key not configured, admin routes disabled")
		return r
	}
	admin := r.Group("/admin", s.requireAdmin)
	admin.GET("/votes", s.listVotes)
	admin.GET("/votes/stats", s.voteStats)
	admin.POST("/votes/:id/refund", s.refundVote)
	return r
}

func (s *Server) requireAdmin(c *gin.Context) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminAPIKey)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})
		return
	}
	c.Next()
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	var verr *lifecycle.ValidationError
	var perr *adapter.ProviderError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrVoteNotFound),
		errors.Is(err, lifecycle.ErrTransactionNotFound),
		errors.Is(err, lifecycle.ErrCandidateNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrRefundUnsupported):
		return http.StatusUnprocessableEntity
	case errors.Is(err, lifecycle.ErrPaymentInitFailed), errors.As(err, &perr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error, extra gin.H) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		log.Printf("Server: %s %s failed: %v", c.Request.Method, c.FullPath(), err)
		msg = "internal error"
	}
	body := gin.H{"success": false, "error": msg}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(code, body)
}

func (s *Server) createVote(c *gin.Context) {
	var in lifecycle.VoteInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request format: " + err.Error()})
		return
	}

	res, err := s.votes.Create(c.Request.Context(), in, reqctx.FromGin(c))
	if err != nil {
		var extra gin.H
		if errors.Is(err, lifecycle.ErrPaymentInitFailed) && res != nil {
			extra = gin.H{"vote": res.Vote, "reference": res.Transaction.Reference}
		}
		s.fail(c, err, extra)
		return
	}

	message := "redirect the voter to payment_url to complete the payment"
	if res.PaymentURL == "" {
		message = "confirm the payment on your phone"
	}
	c.JSON(http.StatusCreated, gin.H{
		"success":     true,
		"vote":        res.Vote,
		"reference":   res.Transaction.Reference,
		"payment_url": res.PaymentURL,
		"message":     message,
	})
}

func (s *Server) getVote(c *gin.Context) {
	vote, err := s.votes.GetVote(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "vote": vote})
}

func (s *Server) checkStatus(c *gin.Context) {
	check, err := s.votes.CheckPaymentStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"vote":    check.Vote,
		"status":  strings.ToLower(string(check.Vote.PaymentStatus)),
		"polled":  check.Polled,
		"message": check.Message,
	})
}

// parseTime accepts RFC 3339 timestamps or plain dates.
func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

func voteFilter(c *gin.Context) (store.VoteFilter, error) {
	f := store.VoteFilter{
		Method:    strings.ToUpper(c.Query("method")),
		Status:    store.PaymentStatus(strings.ToUpper(c.Query("status"))),
		Phone:     c.Query("phone"),
		Reference: c.Query("reference"),
		Page:      1,
		Limit:     20,
	}
	if v := c.Query("candidate_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return f, &lifecycle.ValidationError{Field: "candidate_id", Reason: "must be a positive integer"}
		}
		f.CandidateID = uint(id)
	}
	if v := c.Query("from"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return f, &lifecycle.ValidationError{Field: "from", Reason: "must be a date or RFC 3339 timestamp"}
		}
		f.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return f, &lifecycle.ValidationError{Field: "to", Reason: "must be a date or RFC 3339 timestamp"}
		}
		// A plain date covers the whole day.
		if len(v) == len("2006-01-02") {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		f.To = t
	}
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		f.Page = p
	}
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 100 {
		f.Limit = l
	}
	return f, nil
}

func (s *Server) listVotes(c *gin.Context) {
	f, err := voteFilter(c)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	votes, total, err := s.votes.ListVotes(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	if votes == nil {
		votes = []store.Vote{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"votes":   votes,
		"total":   total,
		"page":    f.Page,
		"limit":   f.Limit,
	})
}

func (s *Server) voteStats(c *gin.Context) {
	var since time.Time
	if v := c.Query("since"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			s.fail(c, &lifecycle.ValidationError{Field: "since", Reason: "must be a date or RFC 3339 timestamp"}, nil)
			return
		}
		since = t
	}
	stats, err := s.stats.Generate(c.Request.Context(), since)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": stats})
}

type refundRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) refundVote(c *gin.Context) {
	var req refundRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request format: " + err.Error()})
			return
		}
	}
	res, err := s.votes.Refund(c.Request.Context(), c.Param("id"), req.Amount)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"provider":         res.Provider,
		"refund_reference": res.ProviderReference,
		"message":          res.Message,
	})
}
