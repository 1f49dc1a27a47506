package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/linecheck/linecheck/internal/config"
	"github.com/linecheck/linecheck/pkg/classify"
	"github.com/linecheck/linecheck/pkg/parts"
)

// VerifyOptions holds verify flags.
type VerifyOptions struct {
	// Strict makes a defective board a failing exit code.
	Strict bool
}

// VerifyReport is the JSON output of verify.
type VerifyReport struct {
	Verdict    parts.Verdict      `json:"verdict"`
	Counts     map[parts.Part]int `json:"counts"`
	Missing    []parts.Deficit    `json:"missing"`
	Detections int                `json:"detections"`
	Accepted   int                `json:"accepted"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{}

	cmd := &cobra.Command{
		Use:   "verify <response.json>",
		Short: "Verify a saved classifier response offline",
		Long: `Run the completeness check against a classifier response saved to disk,
using the parts tables and confidence floor from the station file.

Use "-" to read the response from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(rootOpts, opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "exit with status 1 unless the board is complete")
	return cmd
}

func runVerify(rootOpts *RootOptions, opts *VerifyOptions, path string, cmd *cobra.Command) error {
	cfg, err := loadConfig(rootOpts)
	if err != nil {
		return err
	}
	if err := config.Error(cfg.ValidateParts()); err != nil {
		return commandError(err)
	}

	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return commandError(err)
		}
		defer f.Close()
		r = f
	}

	dets, err := classify.ParseResponse(r)
	if err != nil {
		return commandError(fmt.Errorf("%s: %w", path, err))
	}

	verifier := cfg.Verifier()
	res := verifier.Verify(dets)
	report := VerifyReport{
		Verdict:    res.Verdict,
		Counts:     res.Counts,
		Missing:    res.Missing,
		Detections: len(dets),
		Accepted:   len(parts.Filter(dets, verifier.MinConfidence())),
	}
	if report.Missing == nil {
		report.Missing = []parts.Deficit{}
	}

	out := cmd.OutOrStdout()
	if rootOpts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printReport(out, report, verifier.Required())
	}

	if opts.Strict && res.Verdict != parts.Good {
		return &ExitError{Code: ExitFailure, Err: fmt.Errorf("board incomplete: %s", res.Summary())}
	}
	return nil
}

func printReport(w io.Writer, r VerifyReport, required parts.Requirements) {
	fmt.Fprintf(w, "Verdict: %s (%d of %d detections above the floor)\n", r.Verdict, r.Accepted, r.Detections)
	for _, req := range required {
		mark := "✓"
		if r.Counts[req.Part] < req.Count {
			mark = "✗"
		}
		fmt.Fprintf(w, "  %s %-16s %d/%d\n", mark, req.Part, r.Counts[req.Part], req.Count)
	}
	for _, d := range r.Missing {
		fmt.Fprintf(w, "%s\n", d)
	}
}
