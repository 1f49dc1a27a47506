package parts

import (
	"fmt"
	"strings"
)

// Verdict is the decision for one inspection cycle.
type Verdict int

const (
	// Good means every required part was observed in the required quantity.
	Good Verdict = iota
	// Defective means at least one required part is short.
	Defective
	// Inconclusive means no verdict could be computed. Verify never returns it;
	// the inspection controller uses it for capture and classification failures.
	Inconclusive
)

// String implements fmt.Stringer.
func (v Verdict) String() string {
	switch v {
	case Good:
		return "good"
	case Defective:
		return "defective"
	case Inconclusive:
		return "inconclusive"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// MarshalText encodes the verdict by name.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText decodes a verdict name.
func (v *Verdict) UnmarshalText(b []byte) error {
	switch string(b) {
	case "good":
		*v = Good
	case "defective":
		*v = Defective
	case "inconclusive":
		*v = Inconclusive
	default:
		return fmt.Errorf("unknown verdict %q", b)
	}
	return nil
}

// Deficit is how many of a required part are missing.
type Deficit struct {
	Part    Part `json:"part"`
	Missing int  `json:"missing"`
}

// String formats the deficit the way operators read it.
func (d Deficit) String() string {
	return fmt.Sprintf("%s: %d missing", d.Part, d.Missing)
}

// Result is the outcome of a completeness check.
type Result struct {
	Counts  map[Part]int `json:"counts"`
	Missing []Deficit    `json:"missing"`
	Verdict Verdict      `json:"verdict"`
}

// Summary returns a one-line description of the result.
func (r Result) Summary() string {
	if len(r.Missing) == 0 {
		return "complete"
	}
	parts := make([]string, len(r.Missing))
	for i, d := range r.Missing {
		parts[i] = d.String()
	}
	return strings.Join(parts, ", ")
}

// Verifier checks detections against a required-parts table.
// A Verifier is immutable and safe for concurrent use.
type Verifier struct {
	catalog       Catalog
	required      Requirements
	minConfidence float64
}

// NewVerifier copies the catalog and table so later edits by the caller
// cannot change verdicts.
func NewVerifier(catalog Catalog, required Requirements, minConfidence float64) *Verifier {
	cat := make(Catalog, len(catalog))
	for id, p := range catalog {
		cat[id] = p
	}
	req := make(Requirements, len(required))
	copy(req, required)

	return &Verifier{catalog: cat, required: req, minConfidence: minConfidence}
}

// Required returns a copy of the table.
func (v *Verifier) Required() Requirements {
	out := make(Requirements, len(v.required))
	copy(out, v.required)
	return out
}

// Catalog returns a copy of the class mapping.
func (v *Verifier) Catalog() Catalog {
	out := make(Catalog, len(v.catalog))
	for id, p := range v.catalog {
		out[id] = p
	}
	return out
}

// MinConfidence returns the confidence floor applied before counting.
func (v *Verifier) MinConfidence() float64 {
	return v.minConfidence
}

// Verify counts detections per part and reports what is missing.
//
// Detections under the confidence floor are ignored even if the caller already
// filtered them. Overlapping boxes of the same part each count. Unknown class
// ids are tallied under Unknown and never satisfy a requirement.
func (v *Verifier) Verify(dets []Detection) Result {
	counts := make(map[Part]int, len(v.catalog)+len(v.required)+1)
	for _, p := range v.catalog {
		counts[p] = 0
	}
	for _, req := range v.required {
		counts[req.Part] = 0
	}

	for _, d := range Filter(dets, v.minConfidence) {
		counts[v.catalog.Part(d.Class)]++
	}

	var missing []Deficit
	for _, req := range v.required {
		if short := req.Count - counts[req.Part]; short > 0 {
			missing = append(missing, Deficit{Part: req.Part, Missing: short})
		}
	}

	verdict := Good
	if len(missing) > 0 {
		verdict = Defective
	}
	return Result{Counts: counts, Missing: missing, Verdict: verdict}
}

// Filter returns the detections at or above min, in input order.
// NaN confidences never pass.
func Filter(dets []Detection, min float64) []Detection {
	out := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence >= min {
			out = append(out, d)
		}
	}
	return out
}
