// Package api serves the experiment over HTTP: the participant submission
// form endpoints, a results refresh, and an operator-only ledger export.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/susu3304/kifubot/internal/config"
	"github.com/susu3304/kifubot/internal/experiment"
	"github.com/susu3304/kifubot/internal/ledger"
)

const discordUserURL = "https://discord.com/api/users/@me"

// Coordinator is the part of experiment.Coordinator the HTTP surface uses.
type Coordinator interface {
	Submit(ctx context.Context, participantID string, contribution decimal.Decimal) (experiment.Result, error)
	Refresh(ctx context.Context) (experiment.Result, error)
	Status() (roundLine, sessionLine string)
}

type API struct {
	router      *mux.Router
	coordinator Coordinator
	ledger      ledger.Ledger
	config      *config.Config
	oauthConfig *oauth2.Config
	userURL     string
	jwtSecret   []byte
	logger      *zap.Logger
	server      *http.Server
}

func New(cfg *config.Config, coordinator Coordinator, l ledger.Ledger, logger *zap.Logger) *API {
	api := &API{
		router:      mux.NewRouter(),
		coordinator: coordinator,
		ledger:      l,
		config:      cfg,
		userURL:     discordUserURL,
		jwtSecret:   []byte(cfg.JWTSecret),
		logger:      logger,
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.DiscordClientID,
			ClientSecret: cfg.DiscordClientSecret,
			RedirectURL:  cfg.DiscordRedirectURI,
			Scopes:       []string{"identify"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://discord.com/api/oauth2/authorize",
				TokenURL: "https://discord.com/api/oauth2/token",
			},
		},
	}

	api.setupRoutes()
	api.server = &http.Server{
		Addr:              cfg.WebBind,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return api
}

func (a *API) setupRoutes() {
	a.router.HandleFunc("/healthz", a.handleHealth).Methods("GET")

	// Participant endpoints
	a.router.HandleFunc("/api/submit", a.handleSubmit).Methods("POST")
	a.router.HandleFunc("/api/refresh", a.handleRefresh).Methods("GET")

	if !a.config.OperatorAuthEnabled() {
		a.logger.Info("Operator login disabled: Discord OAuth2 settings or OPERATOR_IDS missing")
		return
	}

	// Auth endpoints
	a.router.HandleFunc("/api/auth/login", a.handleLogin).Methods("GET")
	a.router.HandleFunc("/api/auth/callback", a.handleCallback).Methods("GET")

	// Protected endpoints
	admin := a.router.PathPrefix("/api/admin").Subrouter()
	admin.Use(a.authMiddleware)
	admin.HandleFunc("/ledger", a.handleAdminLedger).Methods("GET")
}

// Handler returns the router wrapped with CORS.
func (a *API) Handler() http.Handler {
	// AllowCredentials must stay false with a wildcard origin.
	corsOptions := cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}
	return cors.New(corsOptions).Handler(a.router)
}

// Start serves until Shutdown is called.
func (a *API) Start() error {
	a.logger.Info("API server listening",
		zap.String("bind", a.config.WebBind),
		zap.String("public_url", a.config.WebUIBaseURL))
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (a *API) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}
