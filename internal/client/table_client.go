package client

import (
	"context"
	"regexp"
	"strings"
)

// TableRegion locates a block of tabular lines inside one page's text.
type TableRegion struct {
	Page      int `json:"page"`
	StartLine int `json:"startLine"`
	EndLine   int `json:"endLine"`
}

// RawTable is an extracted table before classification.
type RawTable struct {
	Page    int        `json:"page"`
	Headers []string   `json:"headers"`
	Data    [][]string `json:"data"`
}

var columnSeparator = regexp.MustCompile(`\t+|\s*\|\s*|\s{2,}`)

// TextTableExtractor finds tables in layout-preserving page text: runs of at
// least minRows consecutive lines that split into two or more columns.
type TextTableExtractor struct {
	minRows int
}

func NewTextTableExtractor() *TextTableExtractor {
	return &TextTableExtractor{minRows: 2}
}

func splitColumns(line string) []string {
	trimmed := strings.Trim(strings.TrimSpace(line), "|")
	if trimmed == "" {
		return nil
	}
	parts := columnSeparator.Split(trimmed, -1)
	cells := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cells = append(cells, p)
		}
	}
	return cells
}

func (e *TextTableExtractor) Detect(ctx context.Context, pages []string) ([]TableRegion, error) {
	var regions []TableRegion
	for pageIdx, text := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lines := strings.Split(text, "\n")
		start := -1
		flush := func(end int) {
			if start >= 0 && end-start >= e.minRows {
				regions = append(regions, TableRegion{Page: pageIdx + 1, StartLine: start, EndLine: end})
			}
			start = -1
		}
		for i, line := range lines {
			if len(splitColumns(line)) >= 2 {
				if start < 0 {
					start = i
				}
				continue
			}
			flush(i)
		}
		flush(len(lines))
	}
	return regions, nil
}

func (e *TextTableExtractor) Extract(_ context.Context, pages []string, region TableRegion) (RawTable, error) {
	table := RawTable{Page: region.Page}
	if region.Page < 1 || region.Page > len(pages) {
		return table, nil
	}
	lines := strings.Split(pages[region.Page-1], "\n")
	if region.EndLine > len(lines) {
		region.EndLine = len(lines)
	}
	for i := region.StartLine; i < region.EndLine; i++ {
		cells := splitColumns(lines[i])
		if len(cells) == 0 {
			continue
		}
		if table.Headers == nil {
			table.Headers = cells
			continue
		}
		table.Data = append(table.Data, cells)
	}
	return table, nil
}
