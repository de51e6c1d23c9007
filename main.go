package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	stdlog "log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/patrickmn/go-cache"
	"github.com/username/parachute/backend/src/config"
	"github.com/username/parachute/backend/src/database"
	"github.com/username/parachute/backend/src/handlers"
	"github.com/username/parachute/backend/src/ledger"
	"github.com/username/parachute/backend/src/logger"
	"github.com/username/parachute/backend/src/security"
	"github.com/username/parachute/backend/src/services"
	"golang.org/x/time/rate"
)

func proxyHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Forwarded-Proto") == "https" {
			r.URL.Scheme = "https"
			r.TLS = &tls.ConnectionState{}
		}
		next.ServeHTTP(w, r)
	})
}

var limiter = rate.NewLimiter(rate.Every(100*time.Millisecond), 30)

func rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			logger.L.Warn("Rate limit exceeded", "path", r.URL.Path)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigins := map[string]bool{
			"http://localhost:3000": true,
		}

		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE, PATCH")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Requested-With, If-None-Match")
		} else if origin == "" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// setupMarketLedgers registers the four configured token ledgers and the
// liquidity pools the oracle prices against. Idempotent across restarts.
func setupMarketLedgers(tokens *ledger.SQLLedger, pairs *ledger.SQLPairFactory) {
	ctx := context.Background()
	registered := []struct {
		symbol, name string
		decimals     int
	}{
		{config.Cfg.AssetToken, "Base Asset", 18},
		{config.Cfg.PaymentToken, "Payment Currency", 6},
		{config.Cfg.SPTToken, "Premium Token", 18},
		{config.Cfg.WETHToken, "Wrapped Native", 18},
	}
	for _, t := range registered {
		if err := tokens.EnsureToken(ctx, database.DB, t.symbol, t.name, t.decimals); err != nil {
			logger.L.Error("Failed to register token ledger", "token", t.symbol, "error", err)
			os.Exit(1)
		}
	}
	for _, pair := range [][2]string{
		{config.Cfg.AssetToken, config.Cfg.WETHToken},
		{config.Cfg.PaymentToken, config.Cfg.WETHToken},
	} {
		if err := pairs.CreatePair(ctx, database.DB, pair[0], pair[1]); err != nil {
			logger.L.Error("Failed to register liquidity pair", "token0", pair[0], "token1", pair[1], "error", err)
			os.Exit(1)
		}
	}
}

func main() {
	config.LoadConfig()
	logger.InitLogger(config.Cfg.LogLevel)

	logger.L.Info("Parachute options backend starting...")

	if config.Cfg.JWTSecret == "" || len(config.Cfg.JWTSecret) < 32 {
		logger.L.Error("JWT_SECRET configuration invalid.")
		os.Exit(1)
	}

	logger.L.Info("Initializing database...", "path", config.Cfg.DatabasePath)
	database.InitDB(config.Cfg.DatabasePath)
	database.RunMigrations(config.Cfg.DatabasePath)

	sessionCache := cache.New(5*time.Minute, 10*time.Minute)

	authService := security.NewAuthService(config.Cfg.JWTSecret)
	mfaService := services.NewMFAService()

	tokens := ledger.NewSQLLedger()
	pairs := ledger.NewSQLPairFactory()
	setupMarketLedgers(tokens, pairs)

	oracle := services.NewOracleService(context.Background(), database.DB, pairs,
		config.Cfg.AssetToken, config.Cfg.PaymentToken, config.Cfg.WETHToken)

	market, err := services.NewMarket(database.DB, tokens, oracle, services.MarketConfig{
		Asset:   config.Cfg.AssetToken,
		Payment: config.Cfg.PaymentToken,
		SPT:     config.Cfg.SPTToken,
		WETH:    config.Cfg.WETHToken,
	})
	if err != nil {
		logger.L.Error("Failed to initialize market", "error", err)
		os.Exit(1)
	}

	userHandler := handlers.NewUserHandler(authService, mfaService, sessionCache)
	marketHandler := handlers.NewMarketHandler(market)
	ledgerHandler := handlers.NewLedgerHandler(tokens, pairs)

	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(handlers.ContextualLoggerMiddleware)
	r.Use(proxyHeadersMiddleware)
	r.Use(enableCORS)
	r.Use(rateLimitMiddleware)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"message": "Parachute Backend is running"})
	})

	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Group(func(r chi.Router) {
			r.Post("/auth/register", userHandler.RegisterUserHandler)
			r.Post("/auth/login", userHandler.LoginUserHandler)
			r.Post("/auth/refresh", userHandler.RefreshTokenHandler)
			r.With(userHandler.AuthMiddleware).Post("/auth/logout", userHandler.LogoutUserHandler)

			r.Get("/options", marketHandler.HandleListActive)
			r.Get("/options/search", marketHandler.HandleSearch)
			r.Get("/options/{id}", marketHandler.HandleGetOption)
			r.Get("/options/{id}/events", marketHandler.HandleOptionEvents)
			r.Get("/events", marketHandler.HandleRecentEvents)
			r.Get("/oracle/spot", marketHandler.HandleSpot)
		})

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(userHandler.AuthMiddleware)

			r.Post("/user/change-password", userHandler.ChangePasswordHandler)
			r.Get("/user/mfa/setup", userHandler.HandleSetupMFA)
			r.Post("/user/mfa/activate", userHandler.HandleActivateMFA)

			r.Post("/options", marketHandler.HandleAsk)
			r.Post("/options/bulk", marketHandler.HandleBulkAsk)
			r.Post("/options/{id}/cancel", marketHandler.HandleCancel)
			r.Post("/options/{id}/buy", marketHandler.HandleBuy)
			r.Post("/options/{id}/exercise", marketHandler.HandleExercise)
			r.Post("/options/{id}/cash-close", marketHandler.HandleCashClose)
			r.Post("/options/{id}/reclaim", marketHandler.HandleReclaim)
			r.Get("/options/mine", marketHandler.HandleListOwned)

			r.Get("/ledger/balances", ledgerHandler.HandleGetBalances)
			r.Post("/ledger/approve", ledgerHandler.HandleApprove)

			// Admin routes
			r.Group(func(r chi.Router) {
				r.Use(userHandler.AdminMiddleware)
				r.Get("/admin/stats", ledgerHandler.HandleGetAdminStats)
				r.Post("/admin/faucet", ledgerHandler.HandleFaucet)
				r.Post("/admin/pairs/reserves", ledgerHandler.HandleSetReserves)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			http.NotFound(w, r)
		}
	})

	serverAddr := ":" + config.Cfg.Port
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.L.Info("Server starting", "address", serverAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		stdlog.Fatalf("Failed to start server: %v", err)
	}
}
