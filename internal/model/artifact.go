package model

import "time"

// EditalInfo is the structured metadata extracted from a procurement notice.
type EditalInfo struct {
	PregaoNumber    string     `json:"pregaoNumber,omitempty"`
	UASG            string     `json:"uasg,omitempty"`
	Agency          string     `json:"agency,omitempty"`
	Object          string     `json:"object,omitempty"`
	EstimatedValue  float64    `json:"estimatedValue"`
	OpeningDate     *time.Time `json:"openingDate,omitempty"`
	Modality        string     `json:"modality,omitempty"`
	BiddingType     string     `json:"biddingType,omitempty"`
	JudgingCriteria string     `json:"judgingCriteria,omitempty"`
}

// ProductRow is one parsed line of a product table.
type ProductRow struct {
	Item        string  `json:"item,omitempty"`
	Description string  `json:"description,omitempty"`
	Quantity    float64 `json:"quantity"`
	Unit        string  `json:"unit,omitempty"`
	UnitPrice   float64 `json:"unitPrice"`
	TotalPrice  float64 `json:"totalPrice"`
}

// Table is a detected table with its raw cells and, for product tables, parsed rows.
type Table struct {
	ID      string       `json:"id"`
	Page    int          `json:"page"`
	Type    TableType    `json:"type"`
	Headers []string     `json:"headers"`
	Data    [][]string   `json:"data,omitempty"`
	Rows    []ProductRow `json:"rows,omitempty"`
}

// Risk is one identified risk factor.
type Risk struct {
	Category      string    `json:"category"`
	Description   string    `json:"description"`
	Severity      RiskLevel `json:"severity"`
	Probability   float64   `json:"probability"`
	Impact        float64   `json:"impact"`
	Score         float64   `json:"score"`
	LowConfidence bool      `json:"lowConfidence,omitempty"`
}

// RiskSummary aggregates the risk list.
type RiskSummary struct {
	Level           RiskLevel            `json:"level"`
	Score           float64              `json:"score"`
	Categories      map[string]RiskLevel `json:"categories"`
	Recommendations []string             `json:"recommendations,omitempty"`
}

// Opportunity is one identified business opportunity.
type Opportunity struct {
	Type          string  `json:"type"`
	Description   string  `json:"description"`
	Value         float64 `json:"value,omitempty"`
	Confidence    float64 `json:"confidence"`
	LowConfidence bool    `json:"lowConfidence,omitempty"`
}

// ArtifactMetadata describes the source document and run.
type ArtifactMetadata struct {
	Year              int     `json:"year,omitempty"`
	UASG              string  `json:"uasg,omitempty"`
	PregaoNumber      string  `json:"pregaoNumber,omitempty"`
	Pages             int     `json:"pages"`
	SizeBytes         int64   `json:"sizeBytes"`
	Language          string  `json:"language,omitempty"`
	OCRApplied        bool    `json:"ocrApplied"`
	ProcessingSeconds float64 `json:"processingSeconds"`
}

// ArtifactSummary mirrors the quick-access summary written next to the artifact.
type ArtifactSummary struct {
	JobID              string    `json:"jobId"`
	ProcessedAt        time.Time `json:"processedAt"`
	QualityScore       float64   `json:"qualityScore"`
	TotalItems         int       `json:"totalItems"`
	TotalValue         float64   `json:"totalValue"`
	TablesFound        int       `json:"tablesFound"`
	ProductTables      int       `json:"productTables"`
	RisksCount         int       `json:"risksCount"`
	OpportunitiesCount int       `json:"opportunitiesCount"`
}

// Artifact is the final structured output of a successful job.
type Artifact struct {
	JobID          string             `json:"jobId"`
	Filename       string             `json:"filename"`
	ProcessedAt    time.Time          `json:"processedAt"`
	Metadata       ArtifactMetadata   `json:"metadata"`
	Info           EditalInfo         `json:"info"`
	Sections       map[string]string  `json:"sections,omitempty"`
	Tables         []Table            `json:"tables"`
	ProductTables  []Table            `json:"productTables"`
	Risks          []Risk             `json:"risks"`
	RiskSummary    RiskSummary        `json:"riskSummary"`
	Opportunities  []Opportunity      `json:"opportunities"`
	QualityScore   float64            `json:"qualityScore"`
	QualityDetails map[string]float64 `json:"qualityDetails"`
	LowConfidence  bool               `json:"lowConfidence"`
	Warnings       []string           `json:"warnings,omitempty"`
	StageDurations map[string]float64 `json:"stageDurations"`
	Summary        ArtifactSummary    `json:"summary"`
}
