package pipeline

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/editalflow/api/internal/model"
)

type riskCategory struct {
	name     string
	impact   float64
	patterns []string
}

// Patterns are stored folded (lower case, no accents).
var riskCategories = []riskCategory{
	{"technical", 0.7, []string{"especificacao unica", "marca especifica", "tecnologia proprietaria", "sem similar", "exclusivo", "unico fornecedor"}},
	{"financial", 0.8, []string{"pagamento antecipado", "sem garantia", "valor elevado", "orcamento limitado", "reajuste automatico"}},
	{"timeline", 0.6, []string{"prazo exiguo", "entrega imediata", "cronograma apertado", "prazo reduzido", "urgencia"}},
	{"regulatory", 0.5, []string{"alteracao normativa", "mudanca regulatoria", "nova lei", "decreto pendente", "norma em revisao"}},
	{"legal", 0.7, []string{"multa", "penalidade", "sancao", "impedimento de licitar", "rescisao unilateral"}},
}

var highPriorityPatterns = []string{"urgente", "emergencial", "dispensa", "inexigibilidade", "prazo reduzido", "aditivo", "prorrogacao"}

var categoryRecommendations = map[string][]string{
	"technical":  {"Verificar capacidade técnica para atender especificações", "Avaliar necessidade de parcerias técnicas"},
	"financial":  {"Avaliar impacto financeiro e fluxo de caixa", "Considerar garantias e seguros adicionais"},
	"timeline":   {"Verificar viabilidade do cronograma proposto", "Planejar recursos adicionais para prazos apertados"},
	"regulatory": {"Acompanhar mudanças regulatórias relevantes", "Consultar especialistas jurídicos"},
	"legal":      {"Revisar cláusulas de penalidade com a assessoria jurídica"},
}

func categoryLevel(matches int) (model.RiskLevel, float64) {
	switch {
	case matches >= 3:
		return model.RiskLevelHigh, 0.8
	case matches >= 1:
		return model.RiskLevelMedium, 0.5
	default:
		return model.RiskLevelLow, 0.2
	}
}

// AnalyzeRisks runs the keyword heuristics over the document text and returns
// risks ordered by score (probability × impact), highest first.
func AnalyzeRisks(text string, lowConfidence bool) ([]model.Risk, model.RiskSummary) {
	folded := fold(text)
	summary := model.RiskSummary{Categories: map[string]model.RiskLevel{}}

	var risks []model.Risk
	total := 0.0
	for _, cat := range riskCategories {
		var found []string
		for _, p := range cat.patterns {
			if strings.Contains(folded, p) {
				found = append(found, p)
			}
		}
		level, prob := categoryLevel(len(found))
		summary.Categories[cat.name] = level
		total += prob
		for _, p := range found {
			risks = append(risks, model.Risk{
				Category:      cat.name,
				Description:   fmt.Sprintf("Indicador de risco encontrado: %s", p),
				Severity:      level,
				Probability:   prob,
				Impact:        cat.impact,
				LowConfidence: lowConfidence,
			})
		}
	}

	highCount := 0
	for _, p := range highPriorityPatterns {
		if strings.Contains(folded, p) {
			highCount++
			risks = append(risks, model.Risk{
				Category:      "high_priority",
				Description:   fmt.Sprintf("Indicador de alto risco encontrado: %s", p),
				Severity:      model.RiskLevelHigh,
				Probability:   0.7,
				Impact:        0.9,
				LowConfidence: lowConfidence,
			})
		}
	}

	for i := range risks {
		risks[i].Score = round(risks[i].Probability*risks[i].Impact, 4)
	}
	sort.SliceStable(risks, func(i, j int) bool { return risks[i].Score > risks[j].Score })

	score := total/float64(len(riskCategories)) + math.Min(float64(highCount)*0.2, 0.4)
	summary.Score = round(math.Min(score, 1), 2)
	switch {
	case summary.Score >= 0.7:
		summary.Level = model.RiskLevelHigh
	case summary.Score >= 0.4:
		summary.Level = model.RiskLevelMedium
	default:
		summary.Level = model.RiskLevelLow
	}
	summary.Recommendations = recommendations(summary)
	return risks, summary
}

func recommendations(s model.RiskSummary) []string {
	var out []string
	if s.Level == model.RiskLevelHigh {
		out = append(out, "Alto risco identificado - revisar cuidadosamente antes de participar")
	}
	for _, cat := range riskCategories {
		if s.Categories[cat.name] == model.RiskLevelHigh {
			out = append(out, categoryRecommendations[cat.name]...)
		}
	}
	if len(out) == 0 {
		out = append(out, "Risco dentro do esperado - proceder com análise padrão")
	}
	return out
}

const (
	volumeQuantityThreshold = 100
	highValueThreshold      = 500000
)

// IdentifyOpportunities flags high-volume items, high-value contracts and
// price-registration (recurring supply) editais.
func IdentifyOpportunities(info model.EditalInfo, productTables []model.Table, lowConfidence bool) []model.Opportunity {
	var opps []model.Opportunity
	tablesTotal := 0.0
	for _, t := range productTables {
		for _, row := range t.Rows {
			tablesTotal += row.TotalPrice
			if row.Quantity > volumeQuantityThreshold {
				desc := row.Description
				if desc == "" {
					desc = "Item"
				}
				opps = append(opps, model.Opportunity{
					Type:          "volume",
					Description:   fmt.Sprintf("Alto volume: %s", desc),
					Value:         row.TotalPrice,
					Confidence:    0.8,
					LowConfidence: lowConfidence,
				})
			}
		}
	}

	value := info.EstimatedValue
	if value == 0 {
		value = tablesTotal
	}
	if value > highValueThreshold {
		opps = append(opps, model.Opportunity{
			Type:          "high_value",
			Description:   fmt.Sprintf("Contrato de alto valor: R$ %.2f", value),
			Value:         value,
			Confidence:    0.9,
			LowConfidence: lowConfidence,
		})
	}

	if strings.Contains(fold(info.Object), "registro de precos") {
		opps = append(opps, model.Opportunity{
			Type:          "recurring",
			Description:   "Registro de preços - possibilidade de fornecimento contínuo",
			Confidence:    0.85,
			LowConfidence: lowConfidence,
		})
	}
	return opps
}

var qualityWeights = map[string]float64{
	"text_extraction":  0.2,
	"table_extraction": 0.25,
	"ai_extraction":    0.25,
	"completeness":     0.15,
	"consistency":      0.15,
}

// lowConfidencePenalty scales the AI sub-score when the analysis was degraded.
const lowConfidencePenalty = 0.5

// ScoreQuality computes the weighted quality score on a 0–100 scale along
// with each sub-score on a 0–1 scale.
func ScoreQuality(sc *StageContext) (float64, map[string]float64) {
	details := map[string]float64{
		"text_extraction":  scoreText(sc.RawText),
		"table_extraction": scoreTables(sc.Tables),
		"ai_extraction":    scoreAI(sc),
		"completeness":     scoreCompleteness(sc),
		"consistency":      scoreConsistency(len(sc.Errors), len(sc.Warnings)),
	}
	total := 0.0
	for k, w := range qualityWeights {
		total += details[k] * w
	}
	return round(total*100, 1), details
}

func scoreText(text string) float64 {
	n := len([]rune(text))
	switch {
	case n == 0:
		return 0
	case n < 1000:
		return 0.3
	case n < 5000:
		return 0.6
	default:
		return 1
	}
}

func scoreTables(tables []model.Table) float64 {
	valid := 0
	for _, t := range tables {
		if len(t.Rows) > 0 || len(t.Data) > 0 {
			valid++
		}
	}
	switch {
	case valid == 0:
		return 0.3
	case valid < 3:
		return 0.7
	default:
		return 1
	}
}

func scoreAI(sc *StageContext) float64 {
	if !sc.HasInfo {
		return 0
	}
	found := 0
	if sc.Info.PregaoNumber != "" {
		found++
	}
	if sc.Info.Object != "" {
		found++
	}
	if sc.Info.EstimatedValue > 0 {
		found++
	}
	score := float64(found) / 3
	if sc.LowConfidence {
		score *= lowConfidencePenalty
	}
	return score
}

func scoreCompleteness(sc *StageContext) float64 {
	components := []bool{
		sc.RawText != "",
		len(sc.Tables) > 0,
		sc.HasInfo,
		len(sc.Risks) > 0,
		len(sc.Opportunities) > 0,
	}
	n := 0
	for _, c := range components {
		if c {
			n++
		}
	}
	return float64(n) / float64(len(components))
}

func scoreConsistency(errors, warnings int) float64 {
	return math.Max(0, 1-0.1*float64(errors)-0.05*float64(warnings))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
