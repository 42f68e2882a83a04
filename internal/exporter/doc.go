// Package exporter writes assembled test runs for analysis tools.
//
// RunExporter writes one CSV per TestRun with a UTF-8 BOM for Excel, plus a
// steps_summary.csv with one row per step. XLSXExporter writes the same
// content as a single workbook: a Runs overview, a Steps summary and one
// sheet of samples per run.
//
// Example usage:
//
//	runs := result.Runs()
//	paths, err := exporter.NewRunExporter(outDir, logger).ExportRuns(runs, ".")
//
//	err = exporter.NewXLSXExporter(logger).ExportFile(runs, "cell-0001.xlsx")
package exporter
