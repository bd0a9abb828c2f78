package pipeline

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/editalflow/api/internal/model"
)

func TestRetryPolicy_Decide(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseBackoff: 2 * time.Second, MaxBackoff: 3 * time.Second}

	retry, wait := p.Decide(model.StageAIAnalysis, 1, KindTransientProvider)
	assert.True(t, retry)
	assert.Equal(t, 2*time.Second, wait)

	retry, wait = p.Decide(model.StageAIAnalysis, 2, KindStorage)
	assert.True(t, retry)
	assert.Equal(t, 3*time.Second, wait, "capped at MaxBackoff")

	retry, _ = p.Decide(model.StageAIAnalysis, 3, KindTransientProvider)
	assert.False(t, retry)

	retry, _ = p.Decide(model.StageValidation, 1, KindValidation)
	assert.False(t, retry)

	p.PerStage = map[model.StageName]int{model.StageStorage: 5}
	retry, _ = p.Decide(model.StageStorage, 4, KindStorage)
	assert.True(t, retry)
}

func TestNeedsOCR(t *testing.T) {
	assert.True(t, NeedsOCR("curto", 0.7))
	assert.False(t, NeedsOCR(strings.Repeat("texto legível do edital ", 10), 0.7))
	assert.True(t, NeedsOCR(strings.Repeat("@#$%&*!?", 20), 0.7))
}

func TestMergeOCR(t *testing.T) {
	assert.Equal(t, "b", MergeOCR("", "b"))
	assert.Equal(t, "a", MergeOCR("a", ""))
	assert.Equal(t, "a"+ocrMarker+"b", MergeOCR("a", "b"))
}

func TestChunkText(t *testing.T) {
	assert.Equal(t, []string{""}, ChunkText("", 10))

	chunks := ChunkText("um dois tres quatro cinco", 10)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 10)
	}
	assert.Equal(t, "um dois tres quatro cinco", strings.Join(chunks, " "))

	long := strings.Repeat("x", 25)
	assert.Equal(t, []string{long}, ChunkText(long, 10))
}

func TestIdentifySections(t *testing.T) {
	text := "1 - DO OBJETO\nAquisição de canetas.\n\nVALOR ESTIMADO: R$ 10.000,00\n\nPRAZO de entrega de 30 dias."
	sections := IdentifySections(text)
	assert.Contains(t, sections["objeto"], "Aquisição de canetas")
	assert.Contains(t, sections["valor"], "R$ 10.000,00")
	assert.Contains(t, sections["prazo"], "30 dias")
}

func TestFold(t *testing.T) {
	assert.Equal(t, "registro de precos", fold("Registro de PREÇOS"))
	assert.Equal(t, "sancao", fold("Sanção"))
}

func TestParseBRNumber(t *testing.T) {
	cases := map[string]float64{
		"R$ 1.234,56": 1234.56,
		"1234,5":      1234.5,
		"1.000":       1000,
		"1.000.000":   1000000,
		"12.5":        12.5,
		"abc":         0,
		"":            0,
	}
	for in, want := range cases {
		assert.InDelta(t, want, ParseBRNumber(in), 1e-9, in)
	}
}

func TestClassifyTable(t *testing.T) {
	assert.Equal(t, model.TableTypeProducts, ClassifyTable([]string{"Item", "Descrição", "Qtd"}))
	assert.Equal(t, model.TableTypeDocuments, ClassifyTable([]string{"Documento", "Exigência"}))
	assert.Equal(t, model.TableTypeSchedule, ClassifyTable([]string{"Etapa", "Prazo"}))
	assert.Equal(t, model.TableTypeOther, ClassifyTable([]string{"Coluna A", "Coluna B"}))
}

func TestParseProductRows(t *testing.T) {
	headers := []string{"Item", "Especificação", "Unidade", "Qtd", "Valor Unitário"}
	data := [][]string{
		{"1", "Caneta", "UN", "10", "2,50"},
		{"só uma célula"},
	}
	rows := ParseProductRows(headers, data)
	require.Len(t, rows, 1)
	assert.Equal(t, "1", rows[0].Item)
	assert.Equal(t, "Caneta", rows[0].Description)
	assert.Equal(t, "UN", rows[0].Unit)
	assert.Equal(t, 10.0, rows[0].Quantity)
	assert.Equal(t, 2.5, rows[0].UnitPrice)
	assert.Equal(t, 25.0, rows[0].TotalPrice, "total derived from unit price")
}

func TestExtractionValidator(t *testing.T) {
	v, err := NewExtractionValidator()
	require.NoError(t, err)

	fields, err := v.Parse("Segue o resultado:\n```json\n" + goodAnswer + "\n```")
	require.NoError(t, err)
	assert.Equal(t, "12/2024", fields["numero_pregao"])

	_, err = v.Parse(`{"confianca": 7}`)
	assert.Error(t, err)

	_, err = v.Parse("sem json")
	assert.Error(t, err)

	assert.Equal(t, 0.9, chunkConfidence(v, goodAnswer))
	assert.Equal(t, 0.8, chunkConfidence(v, `{"objeto":"x"}`))
	assert.Equal(t, 0.0, chunkConfidence(v, "nada"))
}

func TestMergeExtractions(t *testing.T) {
	answers := []map[string]any{
		{"objeto": "Aquisição de papel", "valor_estimado": 1000.0},
		{"objeto": "outro", "valor_estimado": "R$ 2.500,00", "data_abertura": "15/03/2024 09:00", "orgao": "UFX"},
	}
	info := MergeExtractions(answers, model.SubmitMetadata{UASG: "153080", PregaoNumber: "90001/2024"})

	assert.Equal(t, "Aquisição de papel", info.Object)
	assert.Equal(t, 2500.0, info.EstimatedValue)
	assert.Equal(t, "UFX", info.Agency)
	assert.Equal(t, "153080", info.UASG)
	assert.Equal(t, "90001/2024", info.PregaoNumber)
	assert.Equal(t, "Pregão Eletrônico", info.Modality)
	require.NotNil(t, info.OpeningDate)
	assert.Equal(t, 15, info.OpeningDate.Day())
}

func TestAnalyzeRisks(t *testing.T) {
	text := "Contratação EMERGENCIAL com entrega imediata. Prevê multa, penalidade e sanção ao contratado."
	risks, summary := AnalyzeRisks(text, false)

	require.NotEmpty(t, risks)
	for i := 1; i < len(risks); i++ {
		assert.GreaterOrEqual(t, risks[i-1].Score, risks[i].Score)
	}
	assert.Equal(t, "high_priority", risks[0].Category)
	assert.InDelta(t, 0.63, risks[0].Score, 1e-9)
	assert.Equal(t, model.RiskLevelHigh, summary.Categories["legal"])
	assert.Equal(t, model.RiskLevelMedium, summary.Categories["timeline"])
	assert.Equal(t, model.RiskLevelLow, summary.Categories["regulatory"])
	assert.NotEmpty(t, summary.Recommendations)

	none, quiet := AnalyzeRisks("Aquisição de papel A4.", true)
	assert.Empty(t, none)
	assert.Equal(t, model.RiskLevelLow, quiet.Level)
	assert.InDelta(t, 0.2, quiet.Score, 1e-9)
}

func TestIdentifyOpportunities(t *testing.T) {
	tables := []model.Table{{
		Type: model.TableTypeProducts,
		Rows: []model.ProductRow{
			{Description: "Caneta", Quantity: 1000, TotalPrice: 300000},
			{Description: "Papel", Quantity: 10, TotalPrice: 250000},
		},
	}}

	opps := IdentifyOpportunities(model.EditalInfo{Object: "Registro de Preços de material"}, tables, true)
	byType := map[string]model.Opportunity{}
	for _, o := range opps {
		byType[o.Type] = o
		assert.True(t, o.LowConfidence)
	}
	require.Len(t, byType, 3)
	assert.Equal(t, 300000.0, byType["volume"].Value)
	assert.Equal(t, 550000.0, byType["high_value"].Value, "falls back to table total")
	assert.Equal(t, 0.85, byType["recurring"].Confidence)

	assert.Empty(t, IdentifyOpportunities(model.EditalInfo{EstimatedValue: 1000}, nil, false))
}

func TestScoreQuality(t *testing.T) {
	sc := NewStageContext(&model.Job{})
	sc.RawText = strings.Repeat("a", 6000)
	sc.Tables = []model.Table{{Data: [][]string{{"1"}}}}
	sc.HasInfo = true
	sc.Info = model.EditalInfo{PregaoNumber: "1", Object: "x", EstimatedValue: 10}
	sc.Risks = []model.Risk{{}}
	sc.Opportunities = []model.Opportunity{{}}

	score, details := ScoreQuality(sc)
	assert.Equal(t, 1.0, details["ai_extraction"])
	assert.Equal(t, 0.7, details["table_extraction"])
	// 0.2 + 0.7*0.25 + 0.25 + 0.15 + 0.15
	assert.Equal(t, 92.5, score)

	sc.LowConfidence = true
	sc.Warnings = []string{"low confidence"}
	degraded, details := ScoreQuality(sc)
	assert.Equal(t, 0.5, details["ai_extraction"])
	assert.Less(t, degraded, score)
}
