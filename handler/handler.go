package handler

import (
	"context"
	"errors"

	"github.com/aws/aws-lambda-go/lambda/messages"

	"message-debounce/internal/domain"
	"message-debounce/internal/usecase"
)

// Lambda error types the scheduler can match in its retry policy.
const (
	ErrorTypeInvalidInput            = "InvalidInput"
	ErrorTypeStoreUnavailable        = "StoreUnavailable"
	ErrorTypeConsolidationInProgress = "ConsolidationInProgress"
	ErrorTypeInternal                = "InternalError"
)

type FreshnessChecker interface {
	CheckFreshness(ctx context.Context, in usecase.FreshnessInput) (domain.FreshnessResult, error)
}

type Consolidator interface {
	Consolidate(ctx context.Context, in usecase.ConsolidateInput) (domain.ConsolidationResult, error)
}

// UserEvent is the direct-invocation payload sent by the scheduler.
type UserEvent struct {
	UserID string `json:"user_id"`
}

type FreshnessHandler struct {
	svc FreshnessChecker
}

func NewFreshnessHandler(svc FreshnessChecker) (*FreshnessHandler, error) {
	if svc == nil {
		return nil, errors.New("handler: freshness service must not be nil")
	}
	return &FreshnessHandler{svc: svc}, nil
}

func (h *FreshnessHandler) Handle(ctx context.Context, ev UserEvent) (domain.FreshnessResult, error) {
	res, err := h.svc.CheckFreshness(ctx, usecase.FreshnessInput{UserID: ev.UserID})
	if err != nil {
		return domain.FreshnessResult{}, invokeError(err)
	}
	return res, nil
}

type ConsolidateHandler struct {
	svc Consolidator
}

func NewConsolidateHandler(svc Consolidator) (*ConsolidateHandler, error) {
	if svc == nil {
		return nil, errors.New("handler: consolidate service must not be nil")
	}
	return &ConsolidateHandler{svc: svc}, nil
}

func (h *ConsolidateHandler) Handle(ctx context.Context, ev UserEvent) (domain.ConsolidationResult, error) {
	res, err := h.svc.Consolidate(ctx, usecase.ConsolidateInput{UserID: ev.UserID})
	if err != nil {
		return domain.ConsolidationResult{}, invokeError(err)
	}
	return res, nil
}

// invokeError names the Lambda error after the usecase code so retry rules
// can target e.g. ConsolidationInProgress.
func invokeError(err error) error {
	return messages.InvokeResponse_Error{
		Type:    errorType(err),
		Message: err.Error(),
	}
}

func errorType(err error) string {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return ErrorTypeInternal
	}
	switch ue.Code {
	case usecase.ErrorInvalidInput:
		return ErrorTypeInvalidInput
	case usecase.ErrorStoreUnavailable:
		return ErrorTypeStoreUnavailable
	case usecase.ErrorConsolidationInProgress:
		return ErrorTypeConsolidationInProgress
	default:
		return ErrorTypeInternal
	}
}
