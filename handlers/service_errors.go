package handlers

import (
	"errors"
	"net/http"

	"github.com/upb/computer-use-api/services"
	"github.com/upb/computer-use-api/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps domain errors to HTTP responses. Callers only see
// the domain message; wrapped causes stay in the logs.
func HandleServiceError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	var domainErr *services.DomainError
	if !errors.As(err, &domainErr) {
		logger.Error("unhandled error type", zap.Error(err))
		writeOrLog(logger, utils.WriteInternalServerError(w, r, "An unexpected error occurred"))
		return
	}

	message := domainErr.Message
	details := domainErr.Details
	if len(details) == 0 {
		details = nil
	}

	switch domainErr.Type {
	case services.ErrorTypeNotFound:
		writeOrLog(logger, utils.WriteNotFound(w, r, message))

	case services.ErrorTypeValidation:
		writeOrLog(logger, utils.WriteBadRequest(w, r, message, details))

	case services.ErrorTypeUnauthorized:
		writeOrLog(logger, utils.WriteUnauthorized(w, r, message))

	case services.ErrorTypeForbidden:
		writeOrLog(logger, utils.WriteForbidden(w, r, message))

	case services.ErrorTypeRateLimit:
		writeOrLog(logger, utils.WriteTooManyRequests(w, r, message, details))

	case services.ErrorTypeConflict:
		writeOrLog(logger, utils.WriteConflict(w, r, message, details))

	case services.ErrorTypeExternal:
		logger.Warn("external dependency error", zap.Error(err))
		writeOrLog(logger, utils.WriteBadGateway(w, r, message, details))

	case services.ErrorTypeInternal:
		logger.Error("internal server error", zap.Error(err))
		writeOrLog(logger, utils.WriteInternalServerError(w, r, "An internal error occurred"))

	default:
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(domainErr.Type)))
		writeOrLog(logger, utils.WriteInternalServerError(w, r, "An unexpected error occurred"))
	}
}

// HandleValidationError handles errors from request decoding and validation
func HandleValidationError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	var validationErr *utils.ValidationError
	if errors.As(err, &validationErr) {
		writeOrLog(logger, utils.WriteBadRequest(w, r, validationErr.Message, validationErr.Details()))
		return
	}
	writeOrLog(logger, utils.WriteBadRequest(w, r, err.Error(), nil))
}

func writeOrLog(logger *zap.Logger, err error) {
	if err != nil {
		logger.Error("failed to write response", zap.Error(err))
	}
}
