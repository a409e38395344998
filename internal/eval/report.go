package eval

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// WriteXLSX renders the report as an XLSX workbook: a Documents sheet with
// per-document scores and a Summary sheet with the micro-averaged totals.
func WriteXLSX(rep *Report, path string) error {
	f := excelize.NewFile()
	defer f.Close()

	const docsSheet = "Documents"
	if err := f.SetSheetName("Sheet1", docsSheet); err != nil {
		return err
	}

	write := func(sheet string, col, row int, v any) {
		cell, _ := excelize.CoordinatesToCellName(col, row)
		_ = f.SetCellValue(sheet, cell, v)
	}

	headers := []string{"Document", "Degraded", "TP", "FP", "FN", "Precision", "Recall", "F1", "Missed", "Spurious"}
	for i, h := range headers {
		write(docsSheet, i+1, 1, h)
	}
	row := 2
	for _, d := range rep.Docs {
		write(docsSheet, 1, row, d.Doc)
		write(docsSheet, 2, row, d.Degraded)
		write(docsSheet, 3, row, d.TP)
		write(docsSheet, 4, row, d.FP)
		write(docsSheet, 5, row, d.FN)
		write(docsSheet, 6, row, round3(d.Precision))
		write(docsSheet, 7, row, round3(d.Recall))
		write(docsSheet, 8, row, round3(d.F1))
		write(docsSheet, 9, row, joinLines(d.Missing))
		write(docsSheet, 10, row, joinLines(d.Spurious))
		row++
	}

	const summarySheet = "Summary"
	if _, err := f.NewSheet(summarySheet); err != nil {
		return err
	}
	summary := [][2]any{
		{"Documents scored", len(rep.Docs)},
		{"Documents skipped", len(rep.Skipped)},
		{"True positives", rep.TP},
		{"False positives", rep.FP},
		{"False negatives", rep.FN},
		{"Precision", round3(rep.Precision)},
		{"Recall", round3(rep.Recall)},
		{"F1", round3(rep.F1)},
	}
	for i, kv := range summary {
		write(summarySheet, 1, i+1, kv[0])
		write(summarySheet, 2, i+1, kv[1])
	}
	for i, s := range rep.Skipped {
		write(summarySheet, 4, i+1, s)
	}

	return f.SaveAs(path)
}

func round3(v float64) float64 {
	return float64(int(v*1000+0.5)) / 1000
}

func joinLines(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += "\n"
		}
		out += s
	}
	return out
}

// Summary returns a compact single-line rendering for logs and CLI output.
func Summary(rep *Report) string {
	return fmt.Sprintf("docs=%d skipped=%d tp=%d fp=%d fn=%d precision=%.3f recall=%.3f f1=%.3f",
		len(rep.Docs), len(rep.Skipped), rep.TP, rep.FP, rep.FN, rep.Precision, rep.Recall, rep.F1)
}
