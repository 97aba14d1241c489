package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"message-debounce/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type Ingestor interface {
	Ingest(ctx context.Context, in usecase.IngestInput) (usecase.IngestOutput, error)
}

type ingestRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Channel   string `json:"channel"`
	Payload   string `json:"payload"`
}

type ingestResponse struct {
	UserID    string `json:"user_id"`
	Timestamp int64  `json:"timestamp"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// IngestHandler accepts messages over API Gateway and buffers them.
type IngestHandler struct {
	svc    Ingestor
	logger *slog.Logger
}

func NewIngestHandler(svc Ingestor, logger *slog.Logger) (*IngestHandler, error) {
	if svc == nil {
		return nil, errors.New("handler: ingest service must not be nil")
	}
	if logger == nil {
		return nil, errors.New("handler: logger must not be nil")
	}
	return &IngestHandler{svc: svc, logger: logger}, nil
}

func (h *IngestHandler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req.Headers)
	logger := h.logger.With("correlation_id", corrID)

	if req.HTTPMethod != "" && req.HTTPMethod != http.MethodPost {
		return jsonResponse(http.StatusMethodNotAllowed, corrID, errorResponse{Error: string(usecase.ErrorInvalidInput)}), nil
	}

	var body ingestRequest
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		logger.WarnContext(ctx, "invalid ingest body", "err", err)
		return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Error: string(usecase.ErrorInvalidInput)}), nil
	}

	out, err := h.svc.Ingest(ctx, usecase.IngestInput{
		UserID:    body.UserID,
		SessionID: body.SessionID,
		Channel:   body.Channel,
		Payload:   []byte(body.Payload),
	})
	if err != nil {
		status, code := httpError(err)
		logger.ErrorContext(ctx, "ingest failed", "status", status, "err", err)
		return jsonResponse(status, corrID, errorResponse{Error: code}), nil
	}
	return jsonResponse(http.StatusAccepted, corrID, ingestResponse{UserID: out.UserID, Timestamp: out.Timestamp}), nil
}

func httpError(err error) (int, string) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return http.StatusInternalServerError, string(usecase.ErrorInternal)
	}
	switch ue.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, string(ue.Code)
	case usecase.ErrorStoreUnavailable:
		return http.StatusServiceUnavailable, string(ue.Code)
	default:
		return http.StatusInternalServerError, string(usecase.ErrorInternal)
	}
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return newCorrelationID()
}

func jsonResponse(status int, corrID string, body any) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		raw = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(raw),
	}
}

var newCorrelationID = func() string {
	return uuid.NewString()
}
