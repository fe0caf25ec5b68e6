// Package results assembles per-job result bundles from the job store and
// renders them for export. Bundles may be read while a job is still
// running; the Final flag tells a caller whether more results can arrive.
package results

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/devicelab/conductor/internal/jobstore"
	"github.com/devicelab/conductor/pkg/types"
)

// Format selects an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatCSV  Format = "csv"
)

// ParseFormat maps a query-string value onto a Format. Empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "csv":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unsupported result format %q", s)
	}
}

// Collector reads result bundles out of the job store.
type Collector struct {
	store jobstore.JobStore
}

func NewCollector(store jobstore.JobStore) *Collector {
	return &Collector{store: store}
}

// Bundle assembles the job's current result bundle. For a running job the
// bundle holds whatever results have been recorded so far and Final is
// false.
func (c *Collector) Bundle(ctx context.Context, jobID string) (*types.ResultBundle, error) {
	meta, err := c.store.GetJobMeta(ctx, jobID)
	if err != nil {
		return nil, err
	}
	results, err := c.store.GetResults(ctx, jobID)
	if err != nil {
		return nil, err
	}
	bundle := &types.ResultBundle{
		JobID:      jobID,
		Visibility: meta.Visibility,
		Status:     meta.Status,
		Final:      meta.Status.Terminal(),
		Results:    results,
		FinishedAt: meta.FinishedAt,
	}
	if meta.StartedAt != nil {
		bundle.StartedAt = *meta.StartedAt
	}
	return bundle, nil
}

// Passed reports the bundle's overall verdict: every non-skipped test
// action passed. It is only meaningful once the bundle is final.
func Passed(bundle *types.ResultBundle) bool {
	for _, r := range bundle.Results {
		if r.Kind != types.ActionKindTest || r.Status == types.ResultSkip {
			continue
		}
		if r.Status != types.ResultPass {
			return false
		}
	}
	return bundle.Status == types.JobStatusComplete
}

// Export renders the bundle in the requested format. JSON and YAML keep
// the hierarchical structure; CSV flattens to one row per test case, with
// action-level rows for actions that produced no cases.
func (c *Collector) Export(w io.Writer, bundle *types.ResultBundle, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(bundle)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(bundle)
	case FormatCSV:
		return exportCSV(w, bundle)
	default:
		return fmt.Errorf("unsupported result format %q", format)
	}
}

func exportCSV(w io.Writer, bundle *types.ResultBundle) error {
	cw := csv.NewWriter(w)
	header := []string{"job_id", "action", "kind", "case", "result", "measurement", "units", "error_kind", "duration_seconds"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range bundle.Results {
		duration := strconv.FormatFloat(r.Duration.Seconds(), 'f', 3, 64)
		if len(r.TestCases) == 0 {
			row := []string{
				bundle.JobID, r.Action, string(r.Kind), "",
				string(r.Status), "", "", string(r.ErrorKind), duration,
			}
			if err := cw.Write(row); err != nil {
				return err
			}
			continue
		}
		for _, tc := range r.TestCases {
			measurement := ""
			if tc.Measurement != 0 {
				measurement = strconv.FormatFloat(tc.Measurement, 'f', -1, 64)
			}
			row := []string{
				bundle.JobID, r.Action, string(r.Kind), tc.Name,
				tc.Result, measurement, tc.Units, string(r.ErrorKind), duration,
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}
