package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pharmaflow/pharmaflow-backend/internal/stock/events"
	"github.com/pharmaflow/pharmaflow-backend/internal/stock/handler"
	"github.com/pharmaflow/pharmaflow-backend/internal/stock/repository"
	"github.com/pharmaflow/pharmaflow-backend/internal/stock/service"
	"github.com/pharmaflow/pharmaflow-backend/pkg/config"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/pharmaflow/pharmaflow-backend/pkg/httputil"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	"github.com/pharmaflow/pharmaflow-backend/pkg/messaging"
)

const (
	serviceName            = "stock-service"
	shutdownTimeout        = 10 * time.Second
	reconciliationInterval = time.Hour
)

func main() {
	cfg, err := config.LoadWithValidation(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(serviceName, cfg.Server.Environment)

	db, err := database.New(&cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := database.Migrate(cfg.Database.URL(), cfg.Database.MigrationsPath); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	var publisher *events.StockEventPublisher
	rmq, err := messaging.New(&cfg.RabbitMQ, log)
	if err != nil {
		log.Warn().Err(err).Msg("rabbitmq unavailable, events disabled")
	} else {
		defer rmq.Close()
		publisher, err = events.NewStockEventPublisher(rmq, log)
		if err != nil {
			log.Warn().Err(err).Msg("failed to set up event publisher, events disabled")
			publisher = nil
		}
	}

	cardRepo := repository.NewStockCardRepository(db)
	batchRepo := repository.NewBatchRepository(db)
	txRepo := repository.NewTransactionRepository(db)
	reqRepo := repository.NewRequisitionRepository(db)
	auditRepo := repository.NewAuditTrailRepository(db)

	auditSvc := service.NewAuditService(auditRepo, log)
	cardDefaults := repository.CardDefaults{MinStock: 10, MaxStock: 1000, ReorderPoint: 20}
	receivingSvc := service.NewReceivingService(db, cardRepo, batchRepo, txRepo, reqRepo, auditSvc, publisher, cardDefaults, log)
	requisitionSvc := service.NewRequisitionService(db, reqRepo, auditSvc, log)
	stockSvc := service.NewStockService(cardRepo, batchRepo, txRepo, log)
	reconciliationSvc := service.NewReconciliationService(cardRepo, batchRepo, log)

	receivingHandler := handler.NewReceivingHandler(receivingSvc, log)
	requisitionHandler := handler.NewRequisitionHandler(requisitionSvc, log)
	stockHandler := handler.NewStockHandler(stockSvc, reconciliationSvc, auditSvc, log)

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", "X-User-ID", "X-User-Name", "X-User-Email", "X-Hospital-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		health := map[string]interface{}{
			"service":  serviceName,
			"database": db.Health(req.Context()),
		}
		if rmq != nil {
			health["rabbitmq"] = rmq.Health()
		}
		httputil.JSON(w, http.StatusOK, health)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.ActorMiddleware)
		r.Use(httputil.RequireHospital)

		receivingHandler.RegisterRoutes(r)
		requisitionHandler.RegisterRoutes(r)
		stockHandler.RegisterRoutes(r)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reconciliationSvc.Start(ctx, reconciliationInterval)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("stock service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}

	log.Info().Msg("stock service stopped")
}
