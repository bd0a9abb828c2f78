package sink

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/editalflow/api/internal/model"
)

const (
	summarySheet  = "Resumo"
	productsSheet = "Itens"
)

// BuildWorkbook renders the artifact summary, the parsed product rows and
// every raw table into an XLSX workbook.
func BuildWorkbook(a *model.Artifact) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	summary := [][]any{
		{"Job", a.JobID},
		{"Arquivo", a.Filename},
		{"Pregão", a.Info.PregaoNumber},
		{"UASG", a.Info.UASG},
		{"Órgão", a.Info.Agency},
		{"Objeto", a.Info.Object},
		{"Valor estimado", a.Info.EstimatedValue},
		{"Itens", a.Summary.TotalItems},
		{"Valor total", a.Summary.TotalValue},
		{"Riscos", a.Summary.RisksCount},
		{"Oportunidades", a.Summary.OpportunitiesCount},
		{"Qualidade", a.QualityScore},
		{"Baixa confiança", a.LowConfidence},
	}
	for i, row := range summary {
		if err := setRow(f, summarySheet, i+1, row); err != nil {
			return nil, err
		}
	}
	_ = f.SetColWidth(summarySheet, "A", "A", 18)
	_ = f.SetColWidth(summarySheet, "B", "B", 60)

	if len(a.ProductTables) > 0 {
		if _, err := f.NewSheet(productsSheet); err != nil {
			return nil, err
		}
		header := []any{"Tabela", "Item", "Descrição", "Quantidade", "Unidade", "Valor unitário", "Valor total"}
		if err := setRow(f, productsSheet, 1, header); err != nil {
			return nil, err
		}
		row := 2
		for _, t := range a.ProductTables {
			for _, r := range t.Rows {
				values := []any{t.ID, r.Item, r.Description, r.Quantity, r.Unit, r.UnitPrice, r.TotalPrice}
				if err := setRow(f, productsSheet, row, values); err != nil {
					return nil, err
				}
				row++
			}
		}
		_ = f.SetColWidth(productsSheet, "C", "C", 48)
	}

	for _, t := range a.Tables {
		sheet := t.ID
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
		if err := setRow(f, sheet, 1, toAny(t.Headers)); err != nil {
			return nil, err
		}
		for i, cells := range t.Data {
			if err := setRow(f, sheet, i+2, toAny(cells)); err != nil {
				return nil, err
			}
		}
	}

	idx, _ := f.GetSheetIndex(summarySheet)
	f.SetActiveSheet(idx)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

func toAny(cells []string) []any {
	out := make([]any, len(cells))
	for i, c := range cells {
		out[i] = c
	}
	return out
}
