package anonymizer

import "github.com/raaihank/llm-reflexion/internal/extract"

type detectionOutput struct {
	SensitiveEntities []string `json:"sensitive_entities" validate:"required"`
}

type rewriteOutput struct {
	AnonymizedText string `json:"anonymized_text" validate:"required"`
}

type reidentifyOutput struct {
	Candidates []string `json:"candidates" validate:"required"`
}

type verifyOutput struct {
	Index int `json:"index" validate:"gte=0"`
}

type adviceOutput struct {
	Advice string `json:"advice" validate:"required"`
}

type predictionOutput struct {
	Label      string `json:"label" validate:"required"`
	Confidence int    `json:"confidence" validate:"gte=0,lte=100"`
}

type consistencyOutput struct {
	Consistent string `json:"consistent" validate:"required,oneof=Yes No"`
	Confidence int    `json:"confidence" validate:"gte=0,lte=100"`
	Advice     string `json:"advice"`
}

var (
	detectionParser = extract.NewJSONParser[detectionOutput](
		`Return only a JSON object of the form {"sensitive_entities": ["..."]} listing each sensitive detail once, exactly as it appears in the text.`)

	rewriteParser = extract.NewJSONParser[rewriteOutput](
		`Return only a JSON object of the form {"anonymized_text": "..."} containing the full rewritten text.`)

	reidentifyParser = extract.NewJSONParser[reidentifyOutput](
		`Return only a JSON object of the form {"candidates": ["..."]} with the candidates ordered from most to least likely.`)

	verifyParser = extract.NewJSONParser[verifyOutput](
		`Return only a JSON object of the form {"index": 0}.`)

	adviceParser = extract.NewJSONParser[adviceOutput](
		`Return only a JSON object of the form {"advice": "..."}.`)

	predictionParser = extract.NewJSONParser[predictionOutput](
		`Return only a JSON object of the form {"label": "...", "confidence": 0}.`)

	consistencyParser = extract.NewJSONParser[consistencyOutput](
		`Return only a JSON object of the form {"consistent": "Yes" or "No", "confidence": 0, "advice": "..."}.`)
)
