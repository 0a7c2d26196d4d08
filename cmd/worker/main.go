package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/pesio-ai/be-ap-anchoring/internal/chain"
	"github.com/pesio-ai/be-ap-anchoring/internal/config"
	"github.com/pesio-ai/be-ap-anchoring/internal/database"
	"github.com/pesio-ai/be-ap-anchoring/internal/events"
	"github.com/pesio-ai/be-ap-anchoring/internal/handler"
	"github.com/pesio-ai/be-ap-anchoring/internal/ipfs"
	"github.com/pesio-ai/be-ap-anchoring/internal/logger"
	"github.com/pesio-ai/be-ap-anchoring/internal/middleware"
	"github.com/pesio-ai/be-ap-anchoring/internal/pipeline"
	"github.com/pesio-ai/be-ap-anchoring/internal/repository"
	"github.com/pesio-ai/be-ap-anchoring/internal/scheduler"
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
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Invoice Anchoring Worker")

	// Create context
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

	// Initialize repositories
	invoiceRepo := repository.NewInvoiceRepository(db)
	batchRepo := repository.NewBatchRepository(db)

	// Initialize IPFS client
	ipfsClient := ipfs.New(ipfs.Config{
		APIURL:        cfg.Ipfs.APIURL,
		GatewayURL:    cfg.Ipfs.GatewayURL,
		APIKey:        cfg.Ipfs.APIKey,
		APISecret:     cfg.Ipfs.APISecret,
		RatePerMinute: cfg.Ipfs.RatePerMinute,
		MaxRetries:    cfg.Ipfs.MaxRetries,
		RetryBase:     cfg.Ipfs.RetryBase,
		Timeout:       cfg.Ipfs.Timeout,
	}, log.Logger)
	defer ipfsClient.Close()

	// Initialize chain client
	rpcClient, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to RPC endpoint")
	}
	defer rpcClient.Close()

	signer, err := chain.NewSigner(cfg.Chain.PrivateKey, big.NewInt(cfg.Chain.ChainID))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load signer key")
	}
	if signer == nil {
		log.Warn().Msg("No signer configured; anchor submissions will fail until one is provided")
	} else {
		log.Info().Str("account", signer.Address().Hex()).Msg("Signer account loaded")
	}

	chainClient := chain.New(rpcClient, signer, chain.Config{
		ContractAddress: common.HexToAddress(cfg.Chain.ContractAddress),
		MaxGasPrice:     cfg.Chain.MaxGasPrice,
		MaxRetries:      cfg.Chain.MaxRetries,
		RetryBase:       cfg.Chain.RetryBase,
	}, log.Logger)

	// Initialize event publisher (no-op when NATS is not configured)
	publisher, err := events.Connect(cfg.Nats.URL, cfg.Nats.SubjectPrefix, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer publisher.Close()

	// Build the pipeline
	pipeCfg := pipeline.Config{
		MaxInvoicesPerRun: cfg.Pipeline.MaxInvoicesPerRun,
		ConcurrentUploads: cfg.Pipeline.ConcurrentUploads,
		BatchSize:         cfg.Pipeline.BatchSize,
		BatchesPerRun:     cfg.Pipeline.BatchesPerRun,
		SubmitPause:       cfg.Pipeline.SubmitPause,
		UploadQuiescence:  cfg.Pipeline.UploadQuiescence,
		Confirmations:     cfg.Chain.Confirmations,
		ConfirmTimeout:    cfg.Chain.ConfirmTimeout,
	}

	uploadJob := pipeline.NewUploadJob(invoiceRepo, ipfsClient, publisher, pipeCfg, log.Logger)
	batchJob := pipeline.NewBatchJob(invoiceRepo, batchRepo, ipfsClient, publisher, pipeCfg, log.Logger)
	poller := pipeline.NewConfirmationPoller(invoiceRepo, batchRepo, chainClient, publisher, pipeCfg, log.Logger)
	submitJob := pipeline.NewSubmitJob(invoiceRepo, batchRepo, chainClient, poller, publisher, pipeCfg, log.Logger)
	verifier := pipeline.NewVerifier(invoiceRepo, batchRepo, chainClient, ipfsClient, log.Logger)

	// Schedule the recurring jobs
	sched := scheduler.New(ctx, log.Logger)
	for _, reg := range []struct {
		spec string
		job  pipeline.Job
	}{
		{cfg.Schedules.Upload, uploadJob},
		{cfg.Schedules.Batch, batchJob},
		{cfg.Schedules.Submit, submitJob},
	} {
		if err := sched.Register(reg.spec, reg.job); err != nil {
			log.Fatal().Err(err).Str("job", reg.job.Name()).Msg("Failed to register schedule")
		}
	}
	sched.Start()
	log.Info().Msg("Pipeline scheduler started")

	// Setup HTTP routes
	jobs := map[string]pipeline.Job{
		"upload": uploadJob,
		"batch":  batchJob,
		"submit": submitJob,
	}
	httpHandler := handler.NewHTTPHandler(jobs, verifier, invoiceRepo, batchRepo, log.Logger)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Anchoring routes
	mux.HandleFunc("/api/v1/anchoring/jobs/upload/run", httpHandler.RunJob("upload"))
	mux.HandleFunc("/api/v1/anchoring/jobs/batch/run", httpHandler.RunJob("batch"))
	mux.HandleFunc("/api/v1/anchoring/jobs/submit/run", httpHandler.RunJob("submit"))
	mux.HandleFunc("/api/v1/anchoring/invoices/verify", httpHandler.VerifyInvoice)
	mux.HandleFunc("/api/v1/anchoring/batches/get", httpHandler.GetBatch)
	mux.HandleFunc("/api/v1/anchoring/status", httpHandler.Status)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.Timeout(60 * time.Second)(h)

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

	log.Info().Msg("Shutting down worker...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Stop the scheduler and wait for in-flight runs to unwind
	sched.Stop()

	log.Info().Msg("Worker stopped")
}
