package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/openfroyo/buildlauncher/pkg/engine"
	"github.com/openfroyo/buildlauncher/pkg/stores"
)

// errBuildFailed is returned by commands whose build failed; the failures
// were already reported.
var errBuildFailed = errors.New("build failed")

type failureReport struct {
	Class   string `json:"class"`
	Code    string `json:"code,omitempty"`
	Task    string `json:"task,omitempty"`
	Message string `json:"message"`
}

type buildReport struct {
	BuildID    string          `json:"build_id"`
	Build      string          `json:"build"`
	Succeeded  bool            `json:"succeeded"`
	DurationMS int64           `json:"duration_ms"`
	Failures   []failureReport `json:"failures,omitempty"`
}

func newBuildReport(result engine.BuildResult, duration time.Duration) buildReport {
	report := buildReport{
		Succeeded:  result.Succeeded(),
		DurationMS: duration.Milliseconds(),
	}
	if result.Build != nil {
		report.BuildID = result.Build.ID
		report.Build = result.Build.Name
	}
	for _, rec := range stores.FailureRecords(result.Failure) {
		f := failureReport{Class: rec.Class, Message: rec.Message}
		if rec.Code != nil {
			f.Code = *rec.Code
		}
		if rec.Task != nil {
			f.Task = *rec.Task
		}
		report.Failures = append(report.Failures, f)
	}
	return report
}

// printResult writes the outcome of a build as text or JSON.
func printResult(w io.Writer, result engine.BuildResult, duration time.Duration) error {
	report := newBuildReport(result, duration)
	if jsonOutput {
		return writeJSON(w, report)
	}

	for _, f := range report.Failures {
		fmt.Fprintf(w, "FAILURE: %s\n", f.Message)
	}
	status := "SUCCESSFUL"
	if !report.Succeeded {
		status = "FAILED"
	}
	fmt.Fprintf(w, "\nBUILD %s in %s\n", status, duration.Round(time.Millisecond))
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
