package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/editalflow/api/internal/client"
	"github.com/editalflow/api/internal/model"
)

var productIndicators = []string{"item", "descricao", "quantidade", "valor", "preco", "produto"}

// ClassifyTable assigns a table type from its header row.
func ClassifyTable(headers []string) model.TableType {
	folded := make([]string, 0, len(headers))
	for _, h := range headers {
		if h != "" {
			folded = append(folded, fold(h))
		}
	}
	joined := strings.Join(folded, " ")
	for _, ind := range productIndicators {
		if strings.Contains(joined, ind) {
			return model.TableTypeProducts
		}
	}
	for _, h := range folded {
		if strings.Contains(h, "documento") {
			return model.TableTypeDocuments
		}
	}
	for _, h := range folded {
		if strings.Contains(h, "prazo") {
			return model.TableTypeSchedule
		}
	}
	return model.TableTypeOther
}

type productField int

const (
	fieldNone productField = iota
	fieldItem
	fieldDescription
	fieldQuantity
	fieldUnit
	fieldUnitPrice
	fieldTotalPrice
)

// Checked in order; more specific keywords come first so "valor unitário"
// is not taken for a total.
var productHeaderKeywords = []struct {
	field    productField
	keywords []string
}{
	{fieldUnitPrice, []string{"valor unitario", "preco unitario", "vlr unit", "valor unit", "preco unit"}},
	{fieldTotalPrice, []string{"valor total", "vlr total", "preco total", "total"}},
	{fieldDescription, []string{"descricao", "especificacao"}},
	{fieldQuantity, []string{"quantidade", "qtd", "quant"}},
	{fieldUnit, []string{"unidade", "medida", "un"}},
	{fieldItem, []string{"item", "nº", "numero"}},
}

func mapProductHeader(header string) productField {
	h := fold(header)
	for _, entry := range productHeaderKeywords {
		for _, kw := range entry.keywords {
			if kw == "un" {
				if h == "un" || strings.HasPrefix(h, "un ") || strings.HasPrefix(h, "un.") {
					return entry.field
				}
				continue
			}
			if strings.Contains(h, kw) {
				return entry.field
			}
		}
	}
	return fieldNone
}

// ParseProductRows maps raw cells to product rows using the header keywords.
// Rows with fewer than two cells or no recognised column are dropped.
func ParseProductRows(headers []string, data [][]string) []model.ProductRow {
	fields := make([]productField, len(headers))
	for i, h := range headers {
		fields[i] = mapProductHeader(h)
	}

	var rows []model.ProductRow
	for _, cells := range data {
		if len(cells) < 2 {
			continue
		}
		var row model.ProductRow
		matched := false
		for i, cell := range cells {
			if i >= len(fields) || fields[i] == fieldNone || strings.TrimSpace(cell) == "" {
				continue
			}
			matched = true
			switch fields[i] {
			case fieldItem:
				row.Item = strings.TrimSpace(cell)
			case fieldDescription:
				row.Description = strings.TrimSpace(cell)
			case fieldQuantity:
				row.Quantity = ParseBRNumber(cell)
			case fieldUnit:
				row.Unit = strings.TrimSpace(cell)
			case fieldUnitPrice:
				row.UnitPrice = ParseBRNumber(cell)
			case fieldTotalPrice:
				row.TotalPrice = ParseBRNumber(cell)
			}
		}
		if !matched {
			continue
		}
		if row.TotalPrice == 0 && row.UnitPrice > 0 && row.Quantity > 0 {
			row.TotalPrice = row.UnitPrice * row.Quantity
		}
		rows = append(rows, row)
	}
	return rows
}

var nonNumeric = regexp.MustCompile(`[^\d,.\-]`)

// ParseBRNumber parses Brazilian-formatted numbers ("R$ 1.234,56", "1234,5", "1.000").
// Unparseable input yields 0.
func ParseBRNumber(s string) float64 {
	v := nonNumeric.ReplaceAllString(s, "")
	if v == "" {
		return 0
	}
	switch {
	case strings.Contains(v, ","):
		v = strings.ReplaceAll(v, ".", "")
		v = strings.Replace(v, ",", ".", 1)
	case strings.Count(v, ".") > 1:
		v = strings.ReplaceAll(v, ".", "")
	case strings.Count(v, ".") == 1:
		// A single dot followed by exactly three digits is a thousands separator.
		if idx := strings.Index(v, "."); len(v)-idx-1 == 3 {
			v = strings.Replace(v, ".", "", 1)
		}
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

// buildTable classifies a raw table and, for product tables, parses its rows.
func buildTable(idx int, raw client.RawTable) model.Table {
	t := model.Table{
		ID:      fmt.Sprintf("table_%d", idx+1),
		Page:    raw.Page,
		Type:    ClassifyTable(raw.Headers),
		Headers: raw.Headers,
		Data:    raw.Data,
	}
	if t.Type == model.TableTypeProducts {
		t.Rows = ParseProductRows(raw.Headers, raw.Data)
	}
	return t
}
