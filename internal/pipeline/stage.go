package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/editalflow/api/internal/client"
	"github.com/editalflow/api/internal/model"
)

// Progress reports in-stage completion as done out of total units.
type Progress func(done, total int)

// Stage is one step of the edital pipeline.
type Stage interface {
	Name() model.StageName
	// Weight is the stage's share of overall progress; all weights sum to 100.
	Weight() float64
	Execute(ctx context.Context, sc *StageContext, progress Progress) Outcome
}

// ChunkAnalysis is the LLM answer for one text chunk.
type ChunkAnalysis struct {
	Index      int     `json:"index"`
	Raw        string  `json:"raw"`
	Confidence float64 `json:"confidence"`
}

// StageContext carries intermediate data between stages of a single run.
// It is owned by one worker and never persisted as a whole.
type StageContext struct {
	Job       *model.Job
	StartedAt time.Time

	Source      []byte
	DocumentSHA string
	Pages       int
	PageTexts   []string
	RawText     string
	OCRText     string
	OCRApplied  bool
	Language    string
	Sections    map[string]string

	Regions       []client.TableRegion
	Tables        []model.Table
	ProductTables []model.Table

	Chunks        []string
	ChunkResults  []ChunkAnalysis
	AIConfidence  float64
	LowConfidence bool

	Info           model.EditalInfo
	HasInfo        bool
	Risks          []model.Risk
	RiskSummary    model.RiskSummary
	Opportunities  []model.Opportunity
	QualityScore   float64
	QualityDetails map[string]float64

	Artifact  *model.Artifact
	ResultRef string

	Warnings  []string
	Errors    []string
	Durations map[string]float64
}

func NewStageContext(job *model.Job) *StageContext {
	return &StageContext{
		Job:       job,
		StartedAt: time.Now(),
		Sections:  map[string]string{},
		Durations: map[string]float64{},
	}
}

func (sc *StageContext) warn(format string, args ...any) {
	sc.Warnings = append(sc.Warnings, fmt.Sprintf(format, args...))
}

// stageWeights is the fixed progress share of every stage.
var stageWeights = map[model.StageName]float64{
	model.StageValidation:                2,
	model.StageTextExtraction:            8,
	model.StageOCR:                       10,
	model.StageTableDetection:            8,
	model.StageTableExtraction:           12,
	model.StageAIPreprocessing:           5,
	model.StageAIAnalysis:                25,
	model.StageStructureExtraction:       10,
	model.StageRiskAnalysis:              8,
	model.StageOpportunityIdentification: 7,
	model.StageQualityValidation:         3,
	model.StageResultCompilation:         1,
	model.StageStorage:                   1,
	model.StageNotification:              0,
}

var stageLabels = map[model.StageName]string{
	model.StageValidation:                "Validating document",
	model.StageTextExtraction:            "Extracting text",
	model.StageOCR:                       "Running OCR",
	model.StageTableDetection:            "Detecting tables",
	model.StageTableExtraction:           "Extracting tables",
	model.StageAIPreprocessing:           "Preparing text for analysis",
	model.StageAIAnalysis:                "Analysing with AI",
	model.StageStructureExtraction:       "Extracting structure",
	model.StageRiskAnalysis:              "Analysing risks",
	model.StageOpportunityIdentification: "Identifying opportunities",
	model.StageQualityValidation:         "Validating quality",
	model.StageResultCompilation:         "Compiling results",
	model.StageStorage:                   "Storing results",
	model.StageNotification:              "Sending notifications",
}

// StageLabel is the human-readable step shown while a stage runs.
func StageLabel(name model.StageName) string {
	if l, ok := stageLabels[name]; ok {
		return l
	}
	return string(name)
}

// ValidateStages checks that every pipeline stage is present exactly once, in
// the canonical order, and that weights add up to 100.
func ValidateStages(stages []Stage) error {
	if len(stages) != len(model.StageOrder) {
		return fmt.Errorf("pipeline has %d stages, want %d", len(stages), len(model.StageOrder))
	}
	total := 0.0
	for i, s := range stages {
		if s == nil {
			return fmt.Errorf("stage %d is nil", i+1)
		}
		if s.Name() != model.StageOrder[i] {
			return fmt.Errorf("stage %d is %q, want %q", i+1, s.Name(), model.StageOrder[i])
		}
		if s.Weight() < 0 {
			return fmt.Errorf("stage %q has negative weight", s.Name())
		}
		total += s.Weight()
	}
	if math.Abs(total-100) > 1e-9 {
		return fmt.Errorf("stage weights sum to %.2f, want 100", total)
	}
	return nil
}
