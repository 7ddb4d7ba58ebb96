package sessionService

import (
	"RepairLens/internal/entity"
	"RepairLens/pkg/gemini"
	"RepairLens/pkg/visionws"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type visionMode string

const (
	visionIdentity   visionMode = "identity"
	visionCompletion visionMode = "completion"
	visionSubstitute visionMode = "substitute"
)

type visionQuery struct {
	Mode            visionMode
	ExpectedItem    string
	StepInstruction string
	MissingItem     string
	BannedItems     []string
	Hints           []entity.SubstituteHint
}

// visionAnalyzer is the collaborator contract for one frame analysis.
// Implemented by the Gemini backend and the edge detector socket backend.
type visionAnalyzer interface {
	AnalyzeFrame(ctx context.Context, frame []byte, query visionQuery) (*entity.VisionResult, error)
}

var errVisionRateLimited = errors.New("vision analysis rate limited")

type geminiVision struct {
	client gemini.IGemini
}

func newGeminiVision(client gemini.IGemini) visionAnalyzer {
	return &geminiVision{client: client}
}

func (g *geminiVision) AnalyzeFrame(ctx context.Context, frame []byte, query visionQuery) (*entity.VisionResult, error) {
	prompt := buildVisionPrompt(query)

	raw, err := g.client.AnalyzeImage(ctx, base64.StdEncoding.EncodeToString(frame), prompt)
	if err != nil {
		if errors.Is(err, gemini.ErrRateLimited) {
			return nil, errVisionRateLimited
		}
		return nil, err
	}

	result, err := parseVisionResponse(raw)
	if err != nil {
		return nil, err
	}

	return result, nil
}

func buildVisionPrompt(query visionQuery) string {
	var b strings.Builder

	switch query.Mode {
	case visionIdentity:
		fmt.Fprintf(&b, `You are assisting a guided repair session.
Look at this camera frame and decide whether it shows the expected repair target: %q.

Respond with ONLY a JSON object, no extra text:
{
	"matches": true,
	"confidence": 0.92,
	"detected_item": "what the frame actually shows",
	"highlights": [{"x": 0.1, "y": 0.2, "width": 0.3, "height": 0.4, "label": "item"}],
	"hint": "short guidance if the target is not clearly visible"
}
Coordinates are normalized 0..1 over the frame.`, query.ExpectedItem)

	case visionCompletion:
		fmt.Fprintf(&b, `You are assisting a guided repair session on a %q.
The user is working on this step: %q.
Look at the camera frame and decide whether the step appears COMPLETE.

Respond with ONLY a JSON object, no extra text:
{
	"matches": true,
	"confidence": 0.85,
	"completion_evidence": "what in the frame indicates completion",
	"highlights": [{"x": 0.1, "y": 0.2, "width": 0.3, "height": 0.4, "label": "area of work"}],
	"hint": "short guidance if progress seems stuck"
}
"matches" means the step looks finished. Coordinates are normalized 0..1.`, query.ExpectedItem, query.StepInstruction)

	case visionSubstitute:
		fmt.Fprintf(&b, `You are assisting a guided repair session.
The user is missing this item: %q.
Look at the camera frame and decide whether any visible object could serve as a substitute.`, query.MissingItem)

		if len(query.BannedItems) > 0 {
			fmt.Fprintf(&b, "\nDo NOT suggest any of these (the user does not have them or already rejected them): %s.", strings.Join(query.BannedItems, ", "))
		}
		for _, hint := range query.Hints {
			fmt.Fprintf(&b, "\nKnown workable substitute for %s: %s (%s).", hint.Item, hint.Substitute, hint.Note)
		}

		b.WriteString(`

Respond with ONLY a JSON object, no extra text:
{
	"found": true,
	"substitute": "name of the visible object",
	"reason": "why it can replace the missing item",
	"confidence": 0.8,
	"highlights": [{"x": 0.1, "y": 0.2, "width": 0.3, "height": 0.4, "label": "substitute"}]
}`)
	}

	return b.String()
}

func parseVisionResponse(response string) (*entity.VisionResult, error) {
	jsonStart := strings.Index(response, "{")
	jsonEnd := strings.LastIndex(response, "}")

	if jsonStart == -1 || jsonEnd == -1 || jsonEnd <= jsonStart {
		return nil, errors.New("cannot find valid JSON in vision response")
	}

	jsonStr := response[jsonStart : jsonEnd+1]

	var result entity.VisionResult
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return nil, fmt.Errorf("failed to parse vision response: %w", err)
	}

	if result.Confidence < 0 {
		result.Confidence = 0
	}
	if result.Confidence > 1 {
		result.Confidence = 1
	}

	return &result, nil
}

func parseSubstituteResponse(response string, forItem string) (*entity.SubstituteResult, error) {
	jsonStart := strings.Index(response, "{")
	jsonEnd := strings.LastIndex(response, "}")

	if jsonStart == -1 || jsonEnd == -1 || jsonEnd <= jsonStart {
		return nil, errors.New("cannot find valid JSON in substitute response")
	}

	jsonStr := response[jsonStart : jsonEnd+1]

	var result entity.SubstituteResult
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return nil, fmt.Errorf("failed to parse substitute response: %w", err)
	}

	result.ForItem = forItem
	if result.Found && result.Substitute == "" {
		return nil, errors.New("substitute response marked found without a substitute name")
	}

	return &result, nil
}

// substituteFinder is the collaborator contract for one substitute-scan
// attempt.
type substituteFinder interface {
	FindSubstitute(ctx context.Context, frame []byte, query visionQuery) (*entity.SubstituteResult, error)
}

type geminiSubstituteFinder struct {
	client gemini.IGemini
}

func newGeminiSubstituteFinder(client gemini.IGemini) substituteFinder {
	return &geminiSubstituteFinder{client: client}
}

func (g *geminiSubstituteFinder) FindSubstitute(ctx context.Context, frame []byte, query visionQuery) (*entity.SubstituteResult, error) {
	query.Mode = visionSubstitute
	prompt := buildVisionPrompt(query)

	raw, err := g.client.AnalyzeImage(ctx, base64.StdEncoding.EncodeToString(frame), prompt)
	if err != nil {
		if errors.Is(err, gemini.ErrRateLimited) {
			return nil, errVisionRateLimited
		}
		return nil, err
	}

	return parseSubstituteResponse(raw, query.MissingItem)
}

// edgeVision analyzes frames over the persistent websocket to a local
// detector service. Preferred when configured: cheaper and faster per
// frame than Gemini.
type edgeVision struct {
	socket visionws.IVisionSocket
}

func newEdgeVision(socket visionws.IVisionSocket) visionAnalyzer {
	return &edgeVision{socket: socket}
}

func (e *edgeVision) AnalyzeFrame(ctx context.Context, frame []byte, query visionQuery) (*entity.VisionResult, error) {
	result, err := e.socket.ProcessGuidanceFrame(frame, visionws.FrameQuery{
		Mode:            string(query.Mode),
		ExpectedItem:    query.ExpectedItem,
		StepInstruction: query.StepInstruction,
		MissingItem:     query.MissingItem,
		BannedItems:     query.BannedItems,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
