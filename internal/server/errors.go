package server

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/jonathan/scpipeline/internal/compute"
	"github.com/jonathan/scpipeline/internal/pipeline"
	"github.com/jonathan/scpipeline/internal/schemas"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error        string               `json:"error"`
	Code         string               `json:"code"`
	StateMutated bool                 `json:"state_mutated"`
	Fields       []schemas.FieldError `json:"fields,omitempty"`
}

// ErrInvalidID indicates a malformed path identifier
type ErrInvalidID struct {
	Name  string
	Value string
}

func (e *ErrInvalidID) Error() string {
	return "invalid " + e.Name + ": " + e.Value
}

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Fields []schemas.FieldError
}

func (e *ErrValidation) Error() string {
	if len(e.Fields) == 1 {
		return "validation error: " + e.Fields[0].Field + " - " + e.Fields[0].Message
	}
	return "validation error"
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var (
		notFound     *pipeline.NotFoundError
		execNotFound *pipeline.ExecutionNotFoundError
		invalidStep  *pipeline.InvalidStepError
		invalidParam *pipeline.InvalidParamsError
		precondition *pipeline.PreconditionError
		conflict     *pipeline.ConflictError
		stale        *pipeline.StaleExecutionError
		abandoned    *pipeline.AbandonedError
		invalidID    *ErrInvalidID
		validation   *ErrValidation
	)

	switch {
	case errors.As(err, &notFound), errors.As(err, &execNotFound):
		return http.StatusNotFound
	case errors.As(err, &invalidStep), errors.As(err, &invalidParam),
		errors.As(err, &invalidID), errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &precondition):
		return http.StatusUnprocessableEntity
	case errors.As(err, &conflict), errors.As(err, &stale):
		return http.StatusConflict
	case errors.As(err, &abandoned):
		return http.StatusGatewayTimeout
	}

	switch compute.KindOf(err) {
	case compute.KindInvalidInput:
		return http.StatusUnprocessableEntity
	case compute.KindTransport, compute.KindCompute:
		return http.StatusBadGateway
	}

	return http.StatusInternalServerError
}

// errorCode returns the machine-readable code for an error.
func errorCode(err error) string {
	var (
		execNotFound *pipeline.ExecutionNotFoundError
		invalidStep  *pipeline.InvalidStepError
		invalidParam *pipeline.InvalidParamsError
		precondition *pipeline.PreconditionError
		stale        *pipeline.StaleExecutionError
		abandoned    *pipeline.AbandonedError
	)

	switch {
	case errors.As(err, &execNotFound):
		return "execution_not_found"
	case errors.As(err, &invalidStep):
		return "invalid_step"
	case errors.As(err, &invalidParam):
		return "invalid_params"
	case errors.As(err, &precondition):
		return "precondition_failed"
	case errors.As(err, &stale):
		return "stale_execution"
	case errors.As(err, &abandoned):
		return "abandoned"
	}
	if kind := compute.KindOf(err); kind != "" {
		return string(kind)
	}
	return codeForStatus(HTTPStatus(err))
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "unprocessable"
	case http.StatusTooManyRequests:
		return "rate_limit_exceeded"
	default:
		return "internal"
	}
}

// fieldsOf extracts per-field validation messages.
func fieldsOf(err error) []schemas.FieldError {
	var invalidParam *pipeline.InvalidParamsError
	if errors.As(err, &invalidParam) {
		return invalidParam.Fields()
	}
	var validation *ErrValidation
	if errors.As(err, &validation) {
		return validation.Fields
	}
	return nil
}

// validationError converts validator errors on a request DTO.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ErrValidation{Fields: []schemas.FieldError{{Field: "(root)", Message: err.Error()}}}
	}
	fields := make([]schemas.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		msg := "failed on '" + fe.Tag() + "'"
		if fe.Param() != "" {
			msg += " (" + fe.Param() + ")"
		}
		fields = append(fields, schemas.FieldError{Field: fe.Field(), Message: msg})
	}
	return &ErrValidation{Fields: fields}
}

// writeError maps err to its status and writes the error body. Internal errors are logged
// and reported without details.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	body := ErrorBody{
		Error:        err.Error(),
		Code:         errorCode(err),
		StateMutated: pipeline.StateMutated(err),
		Fields:       fieldsOf(err),
	}
	if status == http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		body.Error = "internal server error"
	}
	s.jsonResponse(w, status, body)
}
