package model

// Job status
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further pipeline transition is possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCancelled
}

// IsActive reports whether the job occupies a queue or worker slot.
func (s JobStatus) IsActive() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

// Pipeline stages
type StageName string

const (
	StageValidation                StageName = "validation"
	StageTextExtraction            StageName = "text_extraction"
	StageOCR                       StageName = "ocr_processing"
	StageTableDetection            StageName = "table_detection"
	StageTableExtraction           StageName = "table_extraction"
	StageAIPreprocessing           StageName = "ai_preprocessing"
	StageAIAnalysis                StageName = "ai_analysis"
	StageStructureExtraction       StageName = "structure_extraction"
	StageRiskAnalysis              StageName = "risk_analysis"
	StageOpportunityIdentification StageName = "opportunity_identification"
	StageQualityValidation         StageName = "quality_validation"
	StageResultCompilation         StageName = "result_compilation"
	StageStorage                   StageName = "storage"
	StageNotification              StageName = "notification"
)

// StageOrder is the fixed execution order. Stage indexes are 1-based positions in it.
var StageOrder = []StageName{
	StageValidation,
	StageTextExtraction,
	StageOCR,
	StageTableDetection,
	StageTableExtraction,
	StageAIPreprocessing,
	StageAIAnalysis,
	StageStructureExtraction,
	StageRiskAnalysis,
	StageOpportunityIdentification,
	StageQualityValidation,
	StageResultCompilation,
	StageStorage,
	StageNotification,
}

// StageIndex returns the 1-based position of a stage, or 0 if unknown.
func StageIndex(name StageName) int {
	for i, s := range StageOrder {
		if s == name {
			return i + 1
		}
	}
	return 0
}

// Failure kinds recorded on a failed job
type ErrorKind string

const (
	ErrorKindValidation        ErrorKind = "validation"
	ErrorKindTransientProvider ErrorKind = "transient_provider"
	ErrorKindProvider          ErrorKind = "provider"
	ErrorKindStorage           ErrorKind = "storage"
	ErrorKindDegraded          ErrorKind = "degraded"
	ErrorKindCancelled         ErrorKind = "cancelled"
	ErrorKindInternal          ErrorKind = "internal"
)

// Callback delivery state
type NotificationStatus string

const (
	NotificationNone    NotificationStatus = "none"
	NotificationPending NotificationStatus = "notification_pending"
	NotificationSent    NotificationStatus = "notification_sent"
	NotificationFailed  NotificationStatus = "notification_failed"
)

// Table classification
type TableType string

const (
	TableTypeProducts  TableType = "products"
	TableTypeDocuments TableType = "documents"
	TableTypeSchedule  TableType = "schedule"
	TableTypeOther     TableType = "other"
)

// Risk levels
type RiskLevel string

const (
	RiskLevelLow    RiskLevel = "low"
	RiskLevelMedium RiskLevel = "medium"
	RiskLevelHigh   RiskLevel = "high"
)
