package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/editalflow/api/internal/model"
)

const promptVersion = "edital-extraction-v1"

const extractionSchemaURL = "mem://edital/extraction.json"

const extractionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "numero_pregao":       {"type": ["string", "null"]},
    "uasg":                {"type": ["string", "number", "null"]},
    "orgao":               {"type": ["string", "null"]},
    "objeto":              {"type": ["string", "null"]},
    "valor_estimado":      {"type": ["string", "number", "null"]},
    "data_abertura":       {"type": ["string", "null"]},
    "modalidade":          {"type": ["string", "null"]},
    "tipo_licitacao":      {"type": ["string", "null"]},
    "criterio_julgamento": {"type": ["string", "null"]},
    "confianca":           {"type": ["number", "null"], "minimum": 0, "maximum": 1}
  },
  "additionalProperties": true
}`

// ExtractionValidator checks LLM answers against the extraction schema.
type ExtractionValidator struct {
	schema *jsonschema.Schema
}

func NewExtractionValidator() (*ExtractionValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(extractionSchemaURL, strings.NewReader(extractionSchema)); err != nil {
		return nil, fmt.Errorf("failed to load extraction schema: %w", err)
	}
	schema, err := compiler.Compile(extractionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile extraction schema: %w", err)
	}
	return &ExtractionValidator{schema: schema}, nil
}

// Parse extracts the JSON object from an LLM answer and validates it.
func (v *ExtractionValidator) Parse(raw string) (map[string]any, error) {
	obj := extractJSONObject(raw)
	if obj == "" {
		return nil, fmt.Errorf("no JSON object in answer")
	}
	var doc any
	if err := json.Unmarshal([]byte(obj), &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("schema violation: %w", err)
	}
	m, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("answer is not an object")
	}
	return m, nil
}

// extractJSONObject returns the outermost {...} span of s, tolerating prose
// or code fences around it.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// chunkConfidence scores one answer: the model's own confidence when given,
// otherwise 0.8 for a schema-valid answer, 0 for an unusable one.
func chunkConfidence(v *ExtractionValidator, raw string) float64 {
	fields, err := v.Parse(raw)
	if err != nil {
		return 0
	}
	if c, ok := fields["confianca"].(float64); ok {
		return math.Max(0, math.Min(1, c))
	}
	return 0.8
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v == math.Trunc(v) {
			return fmt.Sprintf("%.0f", v)
		}
		return fmt.Sprintf("%g", v)
	}
	return ""
}

func monetaryField(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case string:
		return ParseBRNumber(v)
	}
	return 0
}

var dateLayouts = []string{
	"02/01/2006 15:04",
	"02/01/2006",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC3339,
}

// ParseBRDate accepts the usual Brazilian and ISO date formats.
func ParseBRDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// MergeExtractions folds per-chunk answers into one EditalInfo: the first
// non-empty value wins for text fields, the largest value for the estimate.
// Submission metadata fills identifiers the document did not state.
func MergeExtractions(answers []map[string]any, meta model.SubmitMetadata) model.EditalInfo {
	var info model.EditalInfo
	first := func(dst *string, key string) {
		if *dst != "" {
			return
		}
		for _, a := range answers {
			if v := stringField(a, key); v != "" {
				*dst = v
				return
			}
		}
	}
	first(&info.PregaoNumber, "numero_pregao")
	first(&info.UASG, "uasg")
	first(&info.Agency, "orgao")
	first(&info.Object, "objeto")
	first(&info.Modality, "modalidade")
	first(&info.BiddingType, "tipo_licitacao")
	first(&info.JudgingCriteria, "criterio_julgamento")

	for _, a := range answers {
		if v := monetaryField(a, "valor_estimado"); v > info.EstimatedValue {
			info.EstimatedValue = v
		}
		if info.OpeningDate == nil {
			info.OpeningDate = ParseBRDate(stringField(a, "data_abertura"))
		}
	}

	if info.PregaoNumber == "" {
		info.PregaoNumber = meta.PregaoNumber
	}
	if info.UASG == "" {
		info.UASG = meta.UASG
	}
	if info.Modality == "" {
		info.Modality = "Pregão Eletrônico"
	}
	if info.BiddingType == "" {
		info.BiddingType = "Menor Preço"
	}
	return info
}

func buildExtractionPrompt(chunk string, index, total int) string {
	return fmt.Sprintf(`Analise o trecho %d de %d de um edital de licitação e extraia as informações estruturadas.

Texto:
%s

Retorne um objeto JSON com as chaves:
numero_pregao, uasg, orgao, objeto, valor_estimado, data_abertura (dd/mm/aaaa hh:mm),
modalidade, tipo_licitacao, criterio_julgamento e confianca (0 a 1).
Use null para informações ausentes no trecho.`, index+1, total, chunk)
}
