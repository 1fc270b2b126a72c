package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/procurehq/be-purchase-orders/internal/client"
	"github.com/procurehq/be-purchase-orders/internal/config"
	"github.com/procurehq/be-purchase-orders/internal/freeagent"
	"github.com/procurehq/be-purchase-orders/internal/handler"
	"github.com/procurehq/be-purchase-orders/internal/platform/database"
	"github.com/procurehq/be-purchase-orders/internal/platform/logger"
	"github.com/procurehq/be-purchase-orders/internal/platform/middleware"
	"github.com/procurehq/be-purchase-orders/internal/repository"
	"github.com/procurehq/be-purchase-orders/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Purchase Orders Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// NATS is optional; workflow operations proceed without notifications.
	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unavailable; notifications disabled")
			nc = nil
		} else {
			defer nc.Close()
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
		}
	}

	// Initialize repositories
	orgRepo := repository.NewOrganizationRepository(db)
	poRepo := repository.NewPurchaseOrderRepository(db)
	approvalRepo := repository.NewApprovalRepository(db)
	mappingRepo := repository.NewCategoryMappingRepository(db)
	projectRepo := repository.NewProjectRepository(db)

	// Initialize ledger access
	tokenManager := freeagent.NewTokenManager(
		cfg.FreeAgent.TokenURL,
		cfg.FreeAgent.ClientID,
		cfg.FreeAgent.ClientSecret,
		orgRepo,
		log.Logger,
	)
	ledgerFactory := client.NewLedgerFactory(cfg.FreeAgent.BaseURL, tokenManager, log.Logger)

	// Initialize messaging clients
	notifier := client.NewNotificationPublisher(nc, log.Logger)
	dispatcher := client.NewSupplierDispatchClient(nc, log.Logger)

	// Initialize services
	approvalService := service.NewApprovalService(approvalRepo, poRepo, orgRepo, notifier, dispatcher, log.Logger)
	poService := service.NewPurchaseOrderService(poRepo, orgRepo, approvalService, log.Logger)
	mapper := service.NewCategoryMapper(mappingRepo, log.Logger)
	billingService := service.NewBillingService(poRepo, orgRepo, ledgerFactory, mapper, notifier, log.Logger)
	syncService := service.NewProjectSyncService(projectRepo, poRepo, orgRepo, ledgerFactory, log.Logger)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(poService, approvalService, billingService, syncService, log.Logger)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Purchase order routes
	mux.HandleFunc("/api/v1/purchase-orders", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			httpHandler.CreatePurchaseOrder(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/purchase-orders/get", httpHandler.GetPurchaseOrder)
	mux.HandleFunc("/api/v1/purchase-orders/status", httpHandler.UpdatePurchaseOrderStatus)
	mux.HandleFunc("/api/v1/purchase-orders/submit", httpHandler.SubmitForApproval)

	// Approval routes
	mux.HandleFunc("/api/v1/approvals/approve", httpHandler.ApproveRequest)
	mux.HandleFunc("/api/v1/approvals/deny", httpHandler.DenyRequest)
	mux.HandleFunc("/api/v1/approvals/comment", httpHandler.CommentRequest)
	mux.HandleFunc("/api/v1/approvals/cancel", httpHandler.CancelRequest)
	mux.HandleFunc("/api/v1/approvals/audit", httpHandler.AuditTrail)
	mux.HandleFunc("/api/v1/approvals/pending", httpHandler.PendingApprovals)

	// Billing routes
	mux.HandleFunc("/api/v1/bills", httpHandler.CreateBill)
	mux.HandleFunc("/api/v1/bills/get", httpHandler.GetBill)
	mux.HandleFunc("/api/v1/categories/suggest", httpHandler.SuggestCategory)
	mux.HandleFunc("/api/v1/ledger/status", httpHandler.LedgerStatus)

	// Project routes
	mux.HandleFunc("/api/v1/projects", httpHandler.ListProjects)
	mux.HandleFunc("/api/v1/projects/sync", httpHandler.StartProjectSync)
	mux.HandleFunc("/api/v1/projects/sync/status", httpHandler.ProjectSyncStatus)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
