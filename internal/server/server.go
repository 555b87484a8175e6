package server

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"

	"stronghold/internal/chainadapter/evmfacilitator"
	"stronghold/internal/chainadapter/evmlocal"
	"stronghold/internal/chainadapter/svmfacilitator"
	"stronghold/internal/config"
	"stronghold/internal/db"
	"stronghold/internal/kv"
	imiddleware "stronghold/internal/middleware"
	"stronghold/internal/proxy"
	"stronghold/internal/settlement"
	"stronghold/internal/x402"
)

// mainnetSolanaNetworkID is the key config.RPCURLs uses for SOLANA_RPC_URL,
// the single cluster endpoint the shared svmfacilitator.Adapter dials.
const mainnetSolanaNetworkID = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdpKuc147dw2N9d"

// Server wires the x402 gateway, its three chain adapters, and the
// backend reverse proxy onto a Fiber app.
type Server struct {
	app     *fiber.App
	config  *config.Config
	db      *db.DB
	worker  *settlement.Worker
	gateway *x402.Gateway
}

// New creates a new server instance. database may be nil in development
// when no DB_* credentials are configured, in which case nonce and
// idempotency state live only in-process (internal/kv.MemoryStore) and
// no settlement retry worker runs.
func New(cfg *config.Config, database *db.DB) (*Server, error) {
	var store kv.Store
	var worker *settlement.Worker
	if database != nil {
		store = kv.NewPostgresStore(database)
	} else {
		slog.Warn("no database configured, using in-memory nonce/idempotency store")
		store = kv.NewMemoryStore()
	}

	dispatcher, svmAdapter, err := buildDispatcher(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build chain adapter dispatcher: %w", err)
	}

	reqDeps := cfg.ReqDeps
	if cfg.Settlement.SolanaFacilitatorPrivateKeyBase58 != "" {
		feePayer, err := svmAdapter.FeePayerAddress()
		if err != nil {
			slog.Warn("failed to derive SVM fee payer address, SVM networks will not be advertised", "error", err)
		} else {
			reqDeps.SVMFeePayer = feePayer
		}
	}

	gateway := &x402.Gateway{
		Routes:      cfg.Routes,
		Networks:    cfg.Networks,
		Dispatcher:  dispatcher,
		Nonces:      x402.NewNonceCoordinator(store),
		Idempotency: x402.NewIdempotencyCache(store),
		ReqDeps:     reqDeps,
	}

	if database != nil {
		retryStore := settlement.NewStore(database)
		worker = settlement.NewWorker(retryStore, cfg.Networks, cfg.Routes, dispatcher.EVMFacilitator, settlement.DefaultWorkerConfig())
		gateway.Retry = worker
	}

	app := fiber.New(fiber.Config{
		AppName:      "Stronghold x402 Gateway",
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		ErrorHandler: errorHandler,
	})

	s := &Server{app: app, config: cfg, db: database, worker: worker, gateway: gateway}
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// buildDispatcher constructs the three ChainAdapter variants from the
// signing material and RPC endpoints config.Load resolved. It also
// returns the concrete svmfacilitator.Adapter so callers can reach
// FeePayerAddress, which the x402.ChainAdapter interface does not expose.
func buildDispatcher(cfg *config.Config) (*x402.Dispatcher, *svmfacilitator.Adapter, error) {
	rpcURLs := config.RPCURLs()

	evmLocalAdapter, err := evmlocal.New(rpcURLs, cfg.Settlement.SettlementPrivateKeyHex)
	if err != nil {
		return nil, nil, err
	}

	svmAdapter := svmfacilitator.New(rpcURLs[mainnetSolanaNetworkID], cfg.Settlement.SolanaFacilitatorPrivateKeyBase58)

	return &x402.Dispatcher{
		EVMLocal:       evmLocalAdapter,
		EVMFacilitator: evmfacilitator.New(),
		SVMFacilitator: svmAdapter,
	}, svmAdapter, nil
}

func (s *Server) setupMiddleware() {
	s.app.Use(recover.New())
	s.app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} ${latency}\n",
	}))
	s.app.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Payment-Signature", "X-Payment", "X-X402-Payer"},
		ExposeHeaders:    []string{x402.HeaderPaymentResponse, x402.HeaderPaymentRequired},
		AllowCredentials: false,
	}))
	s.app.Use(imiddleware.RequestID())
}

func (s *Server) setupRoutes() {
	s.app.Get("/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	for _, key := range sortedRouteKeys(s.config.Routes) {
		route := s.config.Routes[key]
		backend, err := proxy.New(route)
		if err != nil {
			slog.Error("skipping route with invalid backend URL", "route", key, "error", err)
			continue
		}
		s.app.All(route.Path, s.gateway.RequirePayment(key), adaptor.HTTPHandler(backend))
	}

	s.app.Use(func(c fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "not found",
			"path":  c.Path(),
		})
	})
}

func sortedRouteKeys(routes x402.RouteRegistry) []string {
	keys := make([]string, 0, len(routes))
	for k := range routes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Start starts the HTTP server and, if wired, its settlement retry worker.
func (s *Server) Start(ctx context.Context) error {
	if s.worker != nil {
		s.worker.Start(ctx)
	}
	addr := fmt.Sprintf(":%s", s.config.Server.Port)
	slog.Info("starting stronghold x402 gateway", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the settlement worker, the Fiber app, and
// the database pool.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down server")
	if s.worker != nil {
		s.worker.Stop()
	}
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return err
	}
	if s.db != nil {
		s.db.Close()
	}
	return nil
}

func errorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "internal server error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	slog.Error("request failed", "error", err, "path", c.Path())

	return c.Status(code).JSON(fiber.Map{
		"error":      message,
		"status":     code,
		"request_id": c.Locals(imiddleware.RequestIDKey),
	})
}
