package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"batch-engine/internal/custody"
	"batch-engine/internal/domain"
	"batch-engine/internal/storage"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{domain.ErrNotAllowed, http.StatusForbidden, "not_allowed"},
	{domain.ErrInvalidBatch, http.StatusNotFound, "invalid_batch"},
	{storage.ErrNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrPaused, http.StatusConflict, "paused"},
	{domain.ErrBatchClosed, http.StatusConflict, "batch_closed"},
	{domain.ErrAlreadyProcessed, http.StatusConflict, "already_processed"},
	{domain.ErrNotYetClaimable, http.StatusConflict, "not_yet_claimable"},
	{domain.ErrTooEarly, http.StatusConflict, "too_early"},
	{domain.ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient_balance"},
	{custody.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient_funds"},
	{domain.ErrSlippageExceeded, http.StatusBadGateway, "slippage_exceeded"},
	{domain.ErrWrongBatchType, http.StatusBadRequest, "wrong_batch_type"},
	{domain.ErrLengthMismatch, http.StatusBadRequest, "length_mismatch"},
	{domain.ErrFeeTooHigh, http.StatusBadRequest, "fee_too_high"},
	{domain.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{domain.ErrTooManyBatches, http.StatusBadRequest, "too_many_batches"},
	{domain.ErrInvalidConfig, http.StatusBadRequest, "invalid_config"},
}

// statusFor maps an engine error to an HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	for _, m := range errorStatus {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: code, Message: err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "bad_request", Message: err.Error()})
}
