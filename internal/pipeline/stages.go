package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/editalflow/api/internal/cache"
	"github.com/editalflow/api/internal/client"
	"github.com/editalflow/api/internal/model"
)

// DocumentFetcher loads the submitted document bytes.
type DocumentFetcher interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

type PDFProvider interface {
	Inspect(ctx context.Context, data []byte) (client.PDFInfo, error)
	ExtractText(ctx context.Context, data []byte) ([]string, error)
}

type OCRProvider interface {
	Recognize(ctx context.Context, data []byte) (client.OCRResult, error)
}

type TableProvider interface {
	Detect(ctx context.Context, pages []string) ([]client.TableRegion, error)
	Extract(ctx context.Context, pages []string, region client.TableRegion) (client.RawTable, error)
}

type LLMProvider interface {
	Analyze(ctx context.Context, prompt string) (string, error)
}

// ResultSink persists the compiled artifact and returns its reference.
type ResultSink interface {
	Persist(ctx context.Context, job *model.Job, artifact *model.Artifact) (string, error)
}

// CallbackNotifier schedules delivery of the completion callback.
type CallbackNotifier interface {
	Enqueue(ctx context.Context, job *model.Job, summary model.ArtifactSummary) error
}

// Settings are the tunables stage executors read.
type Settings struct {
	MaxFileSize            int64
	OCRDensityThreshold    float64
	ChunkSize              int
	AIParallelism          int
	LowConfidenceThreshold float64
}

func DefaultSettings() Settings {
	return Settings{
		MaxFileSize:            100 * 1024 * 1024,
		OCRDensityThreshold:    0.7,
		ChunkSize:              10000,
		AIParallelism:          2,
		LowConfidenceThreshold: 0.5,
	}
}

// Deps wires the stage executors to their providers. OCR and LLM may be nil,
// in which case the corresponding stages degrade instead of failing.
type Deps struct {
	Fetcher   DocumentFetcher
	PDF       PDFProvider
	OCR       OCRProvider
	Tables    TableProvider
	LLM       LLMProvider
	Validator *ExtractionValidator
	Loader    *cache.Loader
	CacheTTL  time.Duration
	Sink      ResultSink
	Notifier  CallbackNotifier
	Settings  Settings
}

type stageFunc struct {
	name model.StageName
	fn   func(ctx context.Context, sc *StageContext, progress Progress) Outcome
}

func (s stageFunc) Name() model.StageName { return s.name }
func (s stageFunc) Weight() float64 { return stageWeights[s.name] }
func (s stageFunc) Execute(ctx context.Context, sc *StageContext, progress Progress) Outcome {
	return s.fn(ctx, sc, progress)
}

type executors struct {
	Deps
}

// DefaultStages builds the fourteen pipeline stages in execution order.
func DefaultStages(d Deps) ([]Stage, error) {
	if d.Fetcher == nil || d.PDF == nil || d.Tables == nil || d.Sink == nil {
		return nil, errors.New("pipeline: fetcher, pdf, tables and sink providers are required")
	}
	if d.Loader == nil {
		d.Loader = cache.NewLoader(cache.NewMemory())
	}
	if d.CacheTTL <= 0 {
		d.CacheTTL = cache.DefaultTTL
	}
	if d.Validator == nil {
		v, err := NewExtractionValidator()
		if err != nil {
			return nil, err
		}
		d.Validator = v
	}
	def := DefaultSettings()
	if d.Settings.MaxFileSize <= 0 {
		d.Settings.MaxFileSize = def.MaxFileSize
	}
	if d.Settings.OCRDensityThreshold <= 0 {
		d.Settings.OCRDensityThreshold = def.OCRDensityThreshold
	}
	if d.Settings.ChunkSize <= 0 {
		d.Settings.ChunkSize = def.ChunkSize
	}
	if d.Settings.AIParallelism <= 0 {
		d.Settings.AIParallelism = def.AIParallelism
	}
	if d.Settings.LowConfidenceThreshold <= 0 {
		d.Settings.LowConfidenceThreshold = def.LowConfidenceThreshold
	}

	e := &executors{Deps: d}
	stages := []Stage{
		stageFunc{model.StageValidation, e.validate},
		stageFunc{model.StageTextExtraction, e.extractText},
		stageFunc{model.StageOCR, e.ocr},
		stageFunc{model.StageTableDetection, e.detectTables},
		stageFunc{model.StageTableExtraction, e.extractTables},
		stageFunc{model.StageAIPreprocessing, e.preprocess},
		stageFunc{model.StageAIAnalysis, e.analyze},
		stageFunc{model.StageStructureExtraction, e.extractStructure},
		stageFunc{model.StageRiskAnalysis, e.analyzeRisks},
		stageFunc{model.StageOpportunityIdentification, e.identifyOpportunities},
		stageFunc{model.StageQualityValidation, e.validateQuality},
		stageFunc{model.StageResultCompilation, e.compile},
		stageFunc{model.StageStorage, e.store},
		stageFunc{model.StageNotification, e.notify},
	}
	if err := ValidateStages(stages); err != nil {
		return nil, err
	}
	return stages, nil
}

// cached runs fn through the inference cache keyed by the stage and input.
func (e *executors) cached(ctx context.Context, stage model.StageName, input, out any, fn func(ctx context.Context) (any, error)) (bool, error) {
	fp, err := cache.Fingerprint(string(stage), input)
	if err != nil {
		return false, err
	}
	return e.Loader.GetOrCompute(ctx, fp, e.CacheTTL, out, fn)
}

// providerOutcome maps a provider error to a retryable or fatal outcome.
func providerOutcome(err error) Outcome {
	if client.IsTransient(err) || errors.Is(err, cache.ErrComputeAborted) {
		return Retryable(KindTransientProvider, err)
	}
	return Fatal(KindProvider, err)
}

const pdfHeaderWindow = 1024

func (e *executors) validate(ctx context.Context, sc *StageContext, _ Progress) Outcome {
	doc := sc.Job.Document
	data, err := e.Fetcher.Get(ctx, doc.URI)
	switch {
	case errors.Is(err, client.ErrObjectNotFound):
		return Fatal(KindValidation, fmt.Errorf("document not found: %s", doc.URI))
	case err != nil && client.IsTransient(err):
		return Retryable(KindStorage, fmt.Errorf("failed to read document: %w", err))
	case err != nil:
		return Fatal(KindValidation, fmt.Errorf("failed to read document: %w", err))
	}

	if int64(len(data)) > e.Settings.MaxFileSize {
		return Fatal(KindValidation, fmt.Errorf("document is %d bytes, limit is %d", len(data), e.Settings.MaxFileSize))
	}
	head := data
	if len(head) > pdfHeaderWindow {
		head = head[:pdfHeaderWindow]
	}
	if !bytes.Contains(head, []byte("%PDF-")) {
		return Fatal(KindValidation, errors.New("document is not a PDF"))
	}

	info, err := e.PDF.Inspect(ctx, data)
	if err != nil {
		if errors.Is(err, client.ErrEncryptedPDF) {
			return Fatal(KindValidation, errors.New("document is password protected"))
		}
		return Fatal(KindValidation, fmt.Errorf("document could not be parsed: %w", err))
	}
	if info.Encrypted {
		return Fatal(KindValidation, errors.New("document is password protected"))
	}

	sum := sha256.Sum256(data)
	sc.Source = data
	sc.DocumentSHA = hex.EncodeToString(sum[:])
	sc.Pages = info.Pages
	return Ok()
}

func (e *executors) extractText(ctx context.Context, sc *StageContext, _ Progress) Outcome {
	var pages []string
	_, err := e.cached(ctx, model.StageTextExtraction, map[string]string{"sha256": sc.DocumentSHA}, &pages,
		func(ctx context.Context) (any, error) {
			p, err := e.PDF.ExtractText(ctx, sc.Source)
			return p, err
		})
	if err != nil {
		return providerOutcome(fmt.Errorf("text extraction: %w", err))
	}

	sc.PageTexts = pages
	sc.RawText = strings.TrimSpace(strings.Join(pages, "\n\n"))
	sc.Language = DetectLanguage(sc.RawText)
	sc.Sections = IdentifySections(sc.RawText)
	return Ok()
}

func (e *executors) ocr(ctx context.Context, sc *StageContext, _ Progress) Outcome {
	if !NeedsOCR(sc.RawText, e.Settings.OCRDensityThreshold) {
		return Skipped("text layer is readable")
	}
	if e.OCR == nil {
		return Ok().WithWarning("OCR needed but no OCR provider is configured")
	}

	var res client.OCRResult
	_, err := e.cached(ctx, model.StageOCR, map[string]string{"sha256": sc.DocumentSHA}, &res,
		func(ctx context.Context) (any, error) {
			r, err := e.OCR.Recognize(ctx, sc.Source)
			return r, err
		})
	if err != nil {
		if client.IsTransient(err) {
			return Retryable(KindTransientProvider, fmt.Errorf("ocr: %w", err))
		}
		return Ok().WithWarning("OCR failed: %v", err)
	}

	text := strings.TrimSpace(res.Text)
	if text == "" {
		return Ok().WithWarning("OCR produced no text")
	}
	sc.OCRText = text
	sc.OCRApplied = true
	sc.RawText = MergeOCR(sc.RawText, text)
	sc.Language = DetectLanguage(sc.RawText)
	sc.Sections = IdentifySections(sc.RawText)
	return Ok()
}

// tablePages is the text table providers work on: the PDF text layer, or the
// OCR text as a single page when the text layer was empty.
func (sc *StageContext) tablePages() []string {
	if sc.OCRApplied && strings.TrimSpace(strings.Join(sc.PageTexts, "")) == "" {
		return []string{sc.OCRText}
	}
	return sc.PageTexts
}

type tableInput struct {
	SHA256 string              `json:"sha256"`
	OCR    bool                `json:"ocr"`
	Region *client.TableRegion `json:"region,omitempty"`
}

func (e *executors) detectTables(ctx context.Context, sc *StageContext, _ Progress) Outcome {
	pages := sc.tablePages()
	var regions []client.TableRegion
	_, err := e.cached(ctx, model.StageTableDetection, tableInput{SHA256: sc.DocumentSHA, OCR: sc.OCRApplied}, &regions,
		func(ctx context.Context) (any, error) {
			r, err := e.Tables.Detect(ctx, pages)
			return r, err
		})
	if err != nil {
		if client.IsTransient(err) {
			return Retryable(KindTransientProvider, fmt.Errorf("table detection: %w", err))
		}
		return Ok().WithWarning("table detection failed: %v", err)
	}
	sc.Regions = regions
	return Ok()
}

func (e *executors) extractTables(ctx context.Context, sc *StageContext, progress Progress) Outcome {
	pages := sc.tablePages()
	tables := make([]model.Table, 0, len(sc.Regions))
	failed := 0
	for i := range sc.Regions {
		region := sc.Regions[i]
		var raw client.RawTable
		_, err := e.cached(ctx, model.StageTableExtraction, tableInput{SHA256: sc.DocumentSHA, OCR: sc.OCRApplied, Region: &region}, &raw,
			func(ctx context.Context) (any, error) {
				t, err := e.Tables.Extract(ctx, pages, region)
				return t, err
			})
		if err != nil {
			if client.IsTransient(err) {
				return Retryable(KindTransientProvider, fmt.Errorf("table extraction: %w", err))
			}
			failed++
			continue
		}
		tables = append(tables, buildTable(len(tables), raw))
		progress(i+1, len(sc.Regions))
	}

	sc.Tables = tables
	sc.ProductTables = nil
	for _, t := range tables {
		if t.Type == model.TableTypeProducts && len(t.Rows) > 0 {
			sc.ProductTables = append(sc.ProductTables, t)
		}
	}
	if failed > 0 {
		return Ok().WithWarning("%d of %d tables could not be extracted", failed, len(sc.Regions))
	}
	return Ok()
}

func (e *executors) preprocess(_ context.Context, sc *StageContext, _ Progress) Outcome {
	sc.Chunks = ChunkText(sc.RawText, e.Settings.ChunkSize)
	if sc.RawText == "" {
		return Ok().WithWarning("document has no extractable text")
	}
	return Ok()
}

func (e *executors) analyze(ctx context.Context, sc *StageContext, progress Progress) Outcome {
	if e.LLM == nil {
		sc.ChunkResults = nil
		sc.AIConfidence = 0
		sc.LowConfidence = true
		return Ok().WithWarning("AI analysis unavailable: no LLM provider is configured")
	}

	total := len(sc.Chunks)
	results := make([]ChunkAnalysis, total)
	var done atomic.Int32
	var progressMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Settings.AIParallelism)
	for i, chunk := range sc.Chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			prompt := buildExtractionPrompt(chunk, i, total)
			var raw string
			_, err := e.cached(gctx, model.StageAIAnalysis, map[string]string{"prompt": prompt, "version": promptVersion}, &raw,
				func(ctx context.Context) (any, error) {
					a, err := e.LLM.Analyze(ctx, prompt)
					return a, err
				})
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i+1, err)
			}
			results[i] = ChunkAnalysis{Index: i, Raw: raw, Confidence: chunkConfidence(e.Validator, raw)}

			n := int(done.Add(1))
			progressMu.Lock()
			progress(n, total)
			progressMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return providerOutcome(fmt.Errorf("ai analysis: %w", err))
	}

	sum := 0.0
	for _, r := range results {
		sum += r.Confidence
	}
	sc.ChunkResults = results
	sc.AIConfidence = 0
	if total > 0 {
		sc.AIConfidence = sum / float64(total)
	}
	if sc.AIConfidence < e.Settings.LowConfidenceThreshold {
		sc.LowConfidence = true
		return Ok().WithWarning("low AI confidence (%.2f); downstream analysis is degraded", sc.AIConfidence)
	}
	return Ok()
}

func (e *executors) extractStructure(_ context.Context, sc *StageContext, _ Progress) Outcome {
	answers := make([]map[string]any, 0, len(sc.ChunkResults))
	invalid := 0
	for _, r := range sc.ChunkResults {
		fields, err := e.Validator.Parse(r.Raw)
		if err != nil {
			invalid++
			continue
		}
		answers = append(answers, fields)
	}

	sc.Info = MergeExtractions(answers, sc.Job.Metadata)
	sc.HasInfo = len(answers) > 0
	if invalid > 0 {
		sc.Errors = append(sc.Errors, fmt.Sprintf("%d AI answers failed schema validation", invalid))
	}
	if !sc.HasInfo && len(sc.ChunkResults) > 0 {
		return Ok().WithWarning("no structured information could be extracted")
	}
	return Ok()
}

func (e *executors) analyzeRisks(_ context.Context, sc *StageContext, _ Progress) Outcome {
	sc.Risks, sc.RiskSummary = AnalyzeRisks(sc.RawText, sc.LowConfidence)
	return Ok()
}

func (e *executors) identifyOpportunities(_ context.Context, sc *StageContext, _ Progress) Outcome {
	sc.Opportunities = IdentifyOpportunities(sc.Info, sc.ProductTables, sc.LowConfidence)
	return Ok()
}

func (e *executors) validateQuality(_ context.Context, sc *StageContext, _ Progress) Outcome {
	sc.QualityScore, sc.QualityDetails = ScoreQuality(sc)
	return Ok()
}

func (e *executors) compile(_ context.Context, sc *StageContext, _ Progress) Outcome {
	job := sc.Job
	now := time.Now().UTC()

	items := 0
	tablesTotal := 0.0
	for _, t := range sc.ProductTables {
		items += len(t.Rows)
		for _, r := range t.Rows {
			tablesTotal += r.TotalPrice
		}
	}
	totalValue := sc.Info.EstimatedValue
	if totalValue == 0 {
		totalValue = tablesTotal
	}

	durations := make(map[string]float64, len(sc.Durations))
	for k, v := range sc.Durations {
		durations[k] = v
	}

	sc.Artifact = &model.Artifact{
		JobID:       job.ID,
		Filename:    job.Document.Filename,
		ProcessedAt: now,
		Metadata: model.ArtifactMetadata{
			Year:              job.Metadata.Year,
			UASG:              job.Metadata.UASG,
			PregaoNumber:      job.Metadata.PregaoNumber,
			Pages:             sc.Pages,
			SizeBytes:         int64(len(sc.Source)),
			Language:          sc.Language,
			OCRApplied:        sc.OCRApplied,
			ProcessingSeconds: round(time.Since(sc.StartedAt).Seconds(), 3),
		},
		Info:           sc.Info,
		Sections:       sc.Sections,
		Tables:         sc.Tables,
		ProductTables:  sc.ProductTables,
		Risks:          sc.Risks,
		RiskSummary:    sc.RiskSummary,
		Opportunities:  sc.Opportunities,
		QualityScore:   sc.QualityScore,
		QualityDetails: sc.QualityDetails,
		LowConfidence:  sc.LowConfidence,
		Warnings:       append([]string(nil), sc.Warnings...),
		StageDurations: durations,
		Summary: model.ArtifactSummary{
			JobID:              job.ID,
			ProcessedAt:        now,
			QualityScore:       sc.QualityScore,
			TotalItems:         items,
			TotalValue:         totalValue,
			TablesFound:        len(sc.Tables),
			ProductTables:      len(sc.ProductTables),
			RisksCount:         len(sc.Risks),
			OpportunitiesCount: len(sc.Opportunities),
		},
	}
	return Ok()
}

func (e *executors) store(ctx context.Context, sc *StageContext, _ Progress) Outcome {
	if sc.Artifact == nil {
		return Fatal(KindInternal, errors.New("no artifact to store"))
	}
	ref, err := e.Sink.Persist(ctx, sc.Job, sc.Artifact)
	if err != nil {
		return Retryable(KindStorage, err)
	}
	sc.ResultRef = ref
	return Ok()
}

func (e *executors) notify(ctx context.Context, sc *StageContext, _ Progress) Outcome {
	if sc.Job.Metadata.CallbackURL == "" || e.Notifier == nil {
		return Skipped("no callback configured")
	}
	job := sc.Job.Clone()
	job.ResultRef = sc.ResultRef
	job.QualityScore = sc.QualityScore
	if err := e.Notifier.Enqueue(ctx, job, sc.Artifact.Summary); err != nil {
		return Ok().WithWarning("callback could not be scheduled: %v", err)
	}
	return Ok()
}
