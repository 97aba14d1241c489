package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"message-debounce/handler"
	"message-debounce/internal/config"
	"message-debounce/internal/integrations/paramstore"
	"message-debounce/internal/repository"
	"message-debounce/internal/telemetry"
	"message-debounce/internal/usecase"
)

// envFunction selects which Lambda this binary serves.
const envFunction = "DEBOUNCE_FUNCTION"

func main() {
	ctx := context.Background()
	function := os.Getenv(envFunction)

	// ---- Configuration (read only here) ----
	required := []string{config.EnvBufferTable}
	if function == "consolidate" {
		required = append(required, config.EnvSessionTable, config.EnvControlTable)
	}
	cfg, err := config.Load(os.Getenv, required...)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}
	if cfg.ParamPrefix != "" {
		params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			logger.Error("failed to create SSM client", "err", err)
			os.Exit(1)
		}
		if err := cfg.ApplyParams(ctx, params); err != nil {
			logger.Error("failed to load parameters", "err", err)
			os.Exit(1)
		}
	}

	providers, err := telemetry.Init(ctx, "message-debounce-"+function, os.Stdout, false)
	if err != nil {
		logger.Error("failed to init telemetry", "err", err)
		os.Exit(1)
	}
	opts := []usecase.Option{
		usecase.WithLogger(logger),
		usecase.WithTracer(providers.Tracer),
		usecase.WithMeter(providers.Meter),
	}
	flush := func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := providers.Shutdown(sctx); err != nil {
			logger.Error("failed to flush telemetry", "err", err)
		}
	}

	// ---- Clients ----
	dynamoClient := awsdynamodb.NewFromConfig(awsCfg)
	buffer, err := repository.NewBufferStore(dynamoClient, cfg.BufferTable)
	if err != nil {
		logger.Error("failed to create buffer store", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	var h any
	switch function {
	case "freshness":
		svc, err := usecase.NewFreshnessService(buffer, cfg.InactivityThresholdSeconds, cfg.OperationTimeout, opts...)
		if err != nil {
			logger.Error("failed to create freshness service", "err", err)
			os.Exit(1)
		}
		fh, err := handler.NewFreshnessHandler(svc)
		if err != nil {
			logger.Error("failed to create handler", "err", err)
			os.Exit(1)
		}
		h = fh.Handle

	case "consolidate":
		sessions, err := repository.NewSessionStore(dynamoClient, cfg.SessionTable, cfg.ControlTable, cfg.MarkerTTL)
		if err != nil {
			logger.Error("failed to create session store", "err", err)
			os.Exit(1)
		}
		locker, err := repository.NewLocker(dynamoClient, cfg.ControlTable)
		if err != nil {
			logger.Error("failed to create locker", "err", err)
			os.Exit(1)
		}
		svc, err := usecase.NewConsolidateService(buffer, sessions, locker, cfg.LockTTL, cfg.OperationTimeout, opts...)
		if err != nil {
			logger.Error("failed to create consolidate service", "err", err)
			os.Exit(1)
		}
		ch, err := handler.NewConsolidateHandler(svc)
		if err != nil {
			logger.Error("failed to create handler", "err", err)
			os.Exit(1)
		}
		h = ch.Handle

	case "ingest":
		svc, err := usecase.NewIngestService(buffer, cfg.BufferTTL, cfg.OperationTimeout, opts...)
		if err != nil {
			logger.Error("failed to create ingest service", "err", err)
			os.Exit(1)
		}
		ih, err := handler.NewIngestHandler(svc, logger)
		if err != nil {
			logger.Error("failed to create handler", "err", err)
			os.Exit(1)
		}
		h = ih.Handle

	default:
		logger.Error("unknown function", "key", envFunction, "value", function)
		os.Exit(1)
	}

	lambda.StartWithOptions(h, lambda.WithEnableSIGTERM(flush))
}
