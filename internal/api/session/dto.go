package session

import (
	"RepairLens/internal/entity"
	"mime/multipart"
)

type CreateSessionRequest struct {
	Category    string `json:"category" validate:"required"`
	Description string `json:"description" validate:"required,min=10"`
}

type CreateSessionResponse struct {
	SessionID        string              `json:"session_id"`
	State            entity.SessionState `json:"state"`
	Category         string              `json:"category"`
	DiagnosisSummary string              `json:"diagnosis_summary"`
	LikelyCause      string              `json:"likely_cause"`
	ExpectedItem     string              `json:"expected_item"`
	RepairSteps      []entity.RepairStep `json:"repair_steps"`
}

// PushEventRequest carries a direct user action into the engine. Type is
// one of the entity.Event* user-facing types; the engine rejects types it
// does not accept from the outside (loop-internal results).
type PushEventRequest struct {
	Type        string   `json:"type" validate:"required"`
	Granted     *bool    `json:"granted,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	Items       []string `json:"items,omitempty"`
	Item        string   `json:"item,omitempty"`
	UtteranceID string   `json:"utterance_id,omitempty"`
}

type VoiceQuestionResponse struct {
	Transcript string `json:"transcript"`
	Answer     string `json:"answer"`
	AudioURL   string `json:"audio_url,omitempty"`
}

type ProcessVoiceRequest struct {
	AudioFile *multipart.FileHeader `json:"audio_file" validate:"required"`
}
