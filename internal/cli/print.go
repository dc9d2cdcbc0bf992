package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"

	"github.com/rawblock/aml-engine/internal/analysis"
	"github.com/rawblock/aml-engine/internal/heuristics"
	"github.com/rawblock/aml-engine/pkg/models"
)

func levelColor(level string) *color.Color {
	switch level {
	case "critical":
		return color.New(color.FgHiRed, color.Bold)
	case "high":
		return color.New(color.FgRed)
	case "medium":
		return color.New(color.FgYellow)
	case "low":
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgGreen)
	}
}

func printAnalysis(w io.Writer, res analysis.AnalysisResult) {
	badge := levelColor(res.Level).Sprintf("%.1f %s", res.RiskScore, res.Level)
	fmt.Fprintf(w, "%s  risk %s\n", res.Address, badge)
	fmt.Fprintf(w, "  degree %d (in %d / out %d)  pagerank %.4f  community %d  triangles %d\n",
		res.Features.Degree, res.Features.InDegree, res.Features.OutDegree,
		res.Features.PageRank, res.Features.Community, res.Features.Triangles)
	fmt.Fprintf(w, "  alerts %d (%d new)\n", res.AlertCount, res.NewAlerts)

	if len(res.Findings) == 0 {
		fmt.Fprintln(w, color.New(color.FgGreen).Sprint("  no patterns detected"))
		return
	}
	types := make([]models.DetectorType, 0, len(res.Findings))
	for t := range res.Findings {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, t := range types {
		for _, f := range res.Findings[t] {
			fmt.Fprintf(w, "  %s %s\n",
				color.New(color.FgMagenta).Sprintf("%-20s", t),
				levelColor(heuristics.Level(f.Score)).Sprintf("%.1f", f.Score))
		}
	}
}

func printJob(w io.Writer, job models.Job) error {
	status := string(job.Status)
	switch job.Status {
	case models.JobCompleted:
		status = color.New(color.FgGreen).Sprint(status)
	case models.JobFailed:
		status = color.New(color.FgRed).Sprint(status)
	case models.JobCancelled:
		status = color.New(color.FgYellow).Sprint(status)
	}
	fmt.Fprintf(w, "job %s [%s]\n", job.ID, status)
	if job.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", job.Error)
	}
	if job.Result == nil {
		return nil
	}
	out, err := json.MarshalIndent(job.Result, "  ", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  %s\n", out)
	return nil
}
