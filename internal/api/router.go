package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/clearconsent/consentd/internal/app"
	iauth "github.com/clearconsent/consentd/internal/auth"
	"github.com/clearconsent/consentd/internal/auth/providers"
	"github.com/clearconsent/consentd/internal/handlers"
	"github.com/clearconsent/consentd/internal/middleware"
	"github.com/clearconsent/consentd/internal/services"
	"github.com/clearconsent/consentd/pkg/ipsource"
	"github.com/clearconsent/consentd/pkg/mail"
)

// NewRouter builds the Gin engine, wires middleware and registers all routes.
func NewRouter(db *gorm.DB, jwt *iauth.JWTService, cfg *app.Config, mailer mail.Mailer) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if jwt == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}

	audit, err := services.NewAuditService(db)
	if err != nil {
		return nil, err
	}
	users, err := services.NewUserService(db, audit)
	if err != nil {
		return nil, err
	}
	consent, err := services.NewConsentService(db, mailer, audit,
		services.WithActivationBaseURL(cfg.Consent.ActivationBaseURL),
		services.WithSiteName(cfg.Consent.SiteName),
		services.WithMailFrom(cfg.Email.SMTP.From),
	)
	if err != nil {
		return nil, err
	}
	reports, err := services.NewConsentReportService(db)
	if err != nil {
		return nil, err
	}
	provider, err := providers.NewLocalProvider(db, providers.LocalConfig{
		LockoutThreshold: cfg.Auth.Local.LockoutThreshold,
		LockoutDuration:  cfg.Auth.Local.LockoutDuration,
	})
	if err != nil {
		return nil, err
	}

	resolver := ipsource.FromHeaderNames(cfg.Consent.TrustedIPHeaders)

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.ClientIP(resolver))
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())

	r.NoRoute(middleware.NotFoundHandler)

	// Health endpoint (public)
	r.GET("/health", handlers.Health())

	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	authHandler := handlers.NewAuthHandler(users, consent, reports, provider, jwt, audit)
	consentHandler := handlers.NewConsentHandler(consent)
	userHandler := handlers.NewUserHandler(reports)

	// Public routes. Registration, login and redemption are the abuse
	// surface, so the rate limiter mounts here rather than globally.
	var throttle gin.HandlerFunc
	if cfg.Server.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.Server.RateLimit.MaxRequests, cfg.Server.RateLimit.Window)
		throttle = limiter.Handler()
	} else {
		throttle = func(c *gin.Context) { c.Next() }
	}

	auth := r.Group("/api/auth", throttle)
	{
		auth.POST("/register", authHandler.Register)
		auth.POST("/login", authHandler.Login)
	}

	// The confirmation link arrives by mail and is clicked unauthenticated.
	r.GET("/api/consent/confirm", throttle, consentHandler.Confirm)

	// Protected routes
	requireAuth := middleware.Auth(jwt)

	api := r.Group("/api", requireAuth)
	api.GET("/auth/me", authHandler.Me)

	admin := api.Group("/users", middleware.RequireAdmin())
	{
		admin.GET("", userHandler.List)
		admin.GET("/:id/consent", userHandler.Consent)
	}

	return r, nil
}
