// Package decision turns detector predictions into an eject/pass verdict.
// Decide is a pure function over its inputs: no clock, no I/O, no hidden
// state, so every verdict is reproducible from the predictions and the
// settings that produced it.
package decision

import (
	"fmt"

	"github.com/sawline/timbersort/internal/config"
	"github.com/sawline/timbersort/internal/defect"
)

// Prediction is one detected defect. The embedded Rect is the bounding box
// in normalized board coordinates, flattened into the JSON form the detector
// service returns: {"id","class","confidence","x1","y1","x2","y2"}.
type Prediction struct {
	ID         string       `json:"id"`
	Class      defect.Class `json:"class"`
	Confidence float64      `json:"confidence"`
	defect.Rect
}

// Result is the verdict for one analysis.
type Result struct {
	Eject     bool     `json:"eject"`
	Reasons   []string `json:"reasons"`
	Evaluated int      `json:"evaluated"`
	Valid     int      `json:"valid"`
}

// String renders the verdict for log lines.
func (r Result) String() string {
	verdict := "PASS"
	if r.Eject {
		verdict = "EJECT"
	}
	if len(r.Reasons) == 1 {
		return fmt.Sprintf("%s (%s)", verdict, r.Reasons[0])
	}
	return fmt.Sprintf("%s (%d reasons)", verdict, len(r.Reasons))
}

// Decide evaluates predictions against the ejection settings.
//
// Predictions are first filtered: the class rule must exist and be enabled,
// the box must intersect the region of interest when one is set, and must
// not intersect any exclusion zone. Global criteria are then evaluated in a
// fixed order, all triggered ones reported; per-class criteria run only when
// no global criterion triggered, in canonical class order. A board with no
// valid predictions always passes.
//
// Zero-valued thresholds disable their criterion, except the per-class
// confidence/area pair, where zero means any detection of that class
// triggers.
func Decide(preds []Prediction, cfg config.Ejection) Result {
	res := Result{Evaluated: len(preds)}

	if len(preds) == 0 {
		res.Reasons = []string{"no defects detected"}
		return res
	}

	valid := filterValid(preds, cfg)
	res.Valid = len(valid)
	if len(valid) == 0 {
		res.Reasons = []string{"no defects in valid regions"}
		return res
	}

	if reasons := globalReasons(valid, cfg.Global, cfg.Advanced); len(reasons) > 0 {
		res.Eject = true
		res.Reasons = reasons
		return res
	}

	if reasons := perClassReasons(valid, cfg.PerClass); len(reasons) > 0 {
		res.Eject = true
		res.Reasons = reasons
		return res
	}

	res.Reasons = []string{"no ejection criteria met"}
	return res
}

func filterValid(preds []Prediction, cfg config.Ejection) []Prediction {
	var valid []Prediction
	for _, p := range preds {
		rule, known := cfg.PerClass[p.Class]
		if !known || !rule.Enabled {
			continue
		}
		if roi := cfg.Advanced.RegionOfInterest; roi != nil && !p.Rect.Intersects(*roi) {
			continue
		}
		excluded := false
		for _, zone := range cfg.Advanced.ExclusionZones {
			if p.Rect.Intersects(zone) {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}
		valid = append(valid, p)
	}
	return valid
}

func globalReasons(valid []Prediction, g config.Global, adv config.Advanced) []string {
	var reasons []string

	if g.MaxDefectsBeforeEject > 0 && len(valid) >= g.MaxDefectsBeforeEject {
		reasons = append(reasons,
			fmt.Sprintf("defect count %d reached limit %d", len(valid), g.MaxDefectsBeforeEject))
	}

	if g.RequireMultipleDefects && len(valid) >= 2 {
		reasons = append(reasons,
			fmt.Sprintf("multiple defects present (%d)", len(valid)))
	}

	if g.MinTotalArea > 0 {
		var total float64
		for _, p := range valid {
			total += p.Rect.ScaledArea()
		}
		if total >= g.MinTotalArea {
			reasons = append(reasons,
				fmt.Sprintf("total defect area %.0f reached threshold %.0f", total, g.MinTotalArea))
		}
	}

	if adv.ConsiderOverlap {
		if shared := pairwiseOverlap(valid); shared > 0 {
			reasons = append(reasons,
				fmt.Sprintf("overlapping defects (shared area %.0f)", shared))
		}
	}

	return reasons
}

// pairwiseOverlap sums the shared area of every prediction pair, in
// threshold units.
func pairwiseOverlap(valid []Prediction) float64 {
	var shared float64
	for i := 0; i < len(valid); i++ {
		for j := i + 1; j < len(valid); j++ {
			shared += valid[i].Rect.Intersection(valid[j].Rect) * defect.AreaScale
		}
	}
	return shared
}

func perClassReasons(valid []Prediction, rules map[defect.Class]config.ClassRule) []string {
	byClass := make(map[defect.Class][]Prediction)
	for _, p := range valid {
		byClass[p.Class] = append(byClass[p.Class], p)
	}

	var reasons []string
	for _, class := range defect.Classes() {
		preds := byClass[class]
		if len(preds) == 0 {
			continue
		}
		rule := rules[class]

		for _, p := range preds {
			area := p.Rect.ScaledArea()
			if p.Confidence >= rule.MinConfidence && area >= rule.MinArea {
				reasons = append(reasons,
					fmt.Sprintf("%s: confidence %.2f and area %.0f over thresholds (%.2f, %.0f)",
						class, p.Confidence, area, rule.MinConfidence, rule.MinArea))
				break
			}
		}

		if rule.MaxCount > 0 && len(preds) > rule.MaxCount {
			reasons = append(reasons,
				fmt.Sprintf("%s: count %d over limit %d", class, len(preds), rule.MaxCount))
		}
	}
	return reasons
}
