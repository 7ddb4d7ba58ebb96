package sessionHandler

import (
	contextPkg "RepairLens/pkg/context"
	"RepairLens/pkg/handlerUtil"
	"RepairLens/pkg/log"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/net/context"
)

func (h *SessionHandler) AskVoiceQuestion(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)
	c, cancel := context.WithTimeout(contextPkg.FromFiberCtx(ctx), 60*time.Second)
	defer cancel()

	errHandler := handlerUtil.New(h.log)

	sessionID := ctx.Params("session_id")
	if sessionID == "" {
		return errHandler.HandleValidationError(ctx, requestID,
			errors.New("session id is required"), ctx.Path())
	}

	audioFile, err := ctx.FormFile("audio")
	if err != nil {
		return errHandler.HandleValidationError(ctx, requestID,
			errors.New("audio file is required"), ctx.Path())
	}

	if err := h.utils.ValidateAudioFile(audioFile); err != nil {
		return errHandler.HandleValidationError(ctx, requestID, err, ctx.Path())
	}

	recording, err := audioFile.Open()
	if err != nil {
		return errHandler.Handle(ctx, requestID, err, ctx.Path(), "open_audio_file")
	}
	defer recording.Close()

	h.log.WithFields(log.Fields{
		"request_id": requestID,
		"session_id": sessionID,
		"filename":   audioFile.Filename,
		"size":       audioFile.Size,
	}).Debug("Processing voice question")

	resp, err := h.sessionService.AskVoiceQuestion(c, sessionID, audioFile.Filename, recording)
	if err != nil {
		return errHandler.Handle(ctx, requestID, err, ctx.Path(), "ask_voice_question")
	}

	select {
	case <-c.Done():
		return errHandler.HandleRequestTimeout(ctx)
	default:
		return errHandler.HandleSuccess(ctx, fiber.StatusOK, resp)
	}
}
