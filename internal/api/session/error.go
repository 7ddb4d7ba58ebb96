package session

import (
	"RepairLens/pkg/response"
	"net/http"
)

var (
	ErrSessionNotFound      = response.NewError(http.StatusNotFound, "session not found")
	ErrSessionEnded         = response.NewError(http.StatusGone, "session already ended")
	ErrInvalidEvent         = response.NewError(http.StatusBadRequest, "event not valid in current state")
	ErrUnknownEventType     = response.NewError(http.StatusBadRequest, "unknown event type")
	ErrPermissionDenied     = response.NewError(http.StatusForbidden, "camera permission denied")
	ErrPlanGenerationFailed = response.NewError(http.StatusBadGateway, "failed to generate repair plan")
	ErrMalformedPlan        = response.NewError(http.StatusBadGateway, "plan response could not be parsed")
	ErrRateLimited          = response.NewError(http.StatusTooManyRequests, "vision service rate limited")
	ErrQuestionCooldown     = response.NewError(http.StatusTooManyRequests, "please wait before asking another question")
	ErrQuestionInProgress   = response.NewError(http.StatusConflict, "a question is already being processed")
	ErrInvalidAudioFile     = response.NewError(http.StatusBadRequest, "invalid audio file")
	ErrTranscriptionFailed  = response.NewError(http.StatusInternalServerError, "failed to transcribe audio")
	ErrAnswerFailed         = response.NewError(http.StatusBadGateway, "failed to answer question")
	ErrInternalServerError  = response.NewError(http.StatusInternalServerError, "internal server error")
	ErrBadRequest           = response.NewError(http.StatusBadRequest, "bad request")
)
