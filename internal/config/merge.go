package config

import (
	"encoding/json"
	"fmt"

	"github.com/sawline/timbersort/internal/defect"
)

// Patch types mirror the settings document with optional fields. A nil field
// leaves the current value untouched; a set field replaces it. Maps merge per
// key, lists replace wholesale.

// TimingPatch is a partial update of the controller timing block. This is
// also the payload of a SETTINGS frame on the wire.
type TimingPatch struct {
	PushTime     *int64 `json:"pushTime,omitempty"`
	RiserTime    *int64 `json:"riserTime,omitempty"`
	EjectionTime *int64 `json:"ejectionTime,omitempty"`
	AnalysisMode *bool  `json:"analysisMode,omitempty"`
}

// GlobalPatch is a partial update of the global ejection criteria.
type GlobalPatch struct {
	RequireMultipleDefects *bool    `json:"requireMultipleDefects,omitempty"`
	MinTotalArea           *float64 `json:"minTotalArea,omitempty"`
	MaxDefectsBeforeEject  *int     `json:"maxDefectsBeforeEject,omitempty"`
}

// ClassRulePatch is a partial update of one class rule.
type ClassRulePatch struct {
	Enabled       *bool    `json:"enabled,omitempty"`
	MinConfidence *float64 `json:"minConfidence,omitempty"`
	MinArea       *float64 `json:"minArea,omitempty"`
	MaxCount      *int     `json:"maxCount,omitempty"`
}

// AdvancedPatch is a partial update of the advanced block. RegionOfInterest
// is raw JSON so absent (leave), null (clear) and an object (set) stay
// distinguishable.
type AdvancedPatch struct {
	ConsiderOverlap  *bool           `json:"considerOverlap,omitempty"`
	RegionOfInterest json.RawMessage `json:"regionOfInterest,omitempty"`
	ExclusionZones   *[]defect.Rect  `json:"exclusionZones,omitempty"`
}

// EjectionPatch is a partial update of the ejection block.
type EjectionPatch struct {
	Global   *GlobalPatch                    `json:"globalSettings,omitempty"`
	PerClass map[defect.Class]ClassRulePatch `json:"perClassSettings,omitempty"`
	Advanced *AdvancedPatch                  `json:"advancedSettings,omitempty"`
}

// Patch is a partial update of the whole settings document.
type Patch struct {
	Slave    *TimingPatch   `json:"slave,omitempty"`
	Ejection *EjectionPatch `json:"ejection,omitempty"`
}

// ParsePatch decodes a JSON settings patch.
func ParsePatch(data []byte) (Patch, error) {
	var p Patch
	if err := json.Unmarshal(data, &p); err != nil {
		return Patch{}, fmt.Errorf("parse settings patch: %w", err)
	}
	return p, nil
}

// Apply deep-merges p into a copy of t and validates the result. t is not
// modified on error.
func (t Timing) Apply(p TimingPatch) (Timing, error) {
	out := t
	if p.PushTime != nil {
		out.PushTime = *p.PushTime
	}
	if p.RiserTime != nil {
		out.RiserTime = *p.RiserTime
	}
	if p.EjectionTime != nil {
		out.EjectionTime = *p.EjectionTime
	}
	if p.AnalysisMode != nil {
		out.AnalysisMode = *p.AnalysisMode
	}
	if err := out.Validate(); err != nil {
		return t, err
	}
	return out, nil
}

// Apply deep-merges p into a copy of s and validates the result. Fields the
// patch omits keep their current values; per-class rules merge key by key;
// exclusion zone lists replace as a whole. s is not modified on error.
func (s Settings) Apply(p Patch) (Settings, error) {
	out := s.Clone()

	if p.Slave != nil {
		merged, err := out.Slave.Apply(*p.Slave)
		if err != nil {
			return s, err
		}
		out.Slave = merged
	}

	if p.Ejection != nil {
		if err := mergeEjection(&out.Ejection, *p.Ejection); err != nil {
			return s, err
		}
	}

	if err := out.Validate(); err != nil {
		return s, err
	}
	return out, nil
}

func mergeEjection(e *Ejection, p EjectionPatch) error {
	if p.Global != nil {
		if p.Global.RequireMultipleDefects != nil {
			e.Global.RequireMultipleDefects = *p.Global.RequireMultipleDefects
		}
		if p.Global.MinTotalArea != nil {
			e.Global.MinTotalArea = *p.Global.MinTotalArea
		}
		if p.Global.MaxDefectsBeforeEject != nil {
			e.Global.MaxDefectsBeforeEject = *p.Global.MaxDefectsBeforeEject
		}
	}

	for class, rp := range p.PerClass {
		if !class.Valid() {
			return fmt.Errorf("ejection.perClassSettings: unknown class %q", class)
		}
		if e.PerClass == nil {
			e.PerClass = make(map[defect.Class]ClassRule)
		}
		rule := e.PerClass[class]
		if rp.Enabled != nil {
			rule.Enabled = *rp.Enabled
		}
		if rp.MinConfidence != nil {
			rule.MinConfidence = *rp.MinConfidence
		}
		if rp.MinArea != nil {
			rule.MinArea = *rp.MinArea
		}
		if rp.MaxCount != nil {
			rule.MaxCount = *rp.MaxCount
		}
		e.PerClass[class] = rule
	}

	if p.Advanced != nil {
		if p.Advanced.ConsiderOverlap != nil {
			e.Advanced.ConsiderOverlap = *p.Advanced.ConsiderOverlap
		}
		if p.Advanced.RegionOfInterest != nil {
			if string(p.Advanced.RegionOfInterest) == "null" {
				e.Advanced.RegionOfInterest = nil
			} else {
				var r defect.Rect
				if err := json.Unmarshal(p.Advanced.RegionOfInterest, &r); err != nil {
					return fmt.Errorf("ejection.advancedSettings.regionOfInterest: %w", err)
				}
				e.Advanced.RegionOfInterest = &r
			}
		}
		if p.Advanced.ExclusionZones != nil {
			zones := make([]defect.Rect, len(*p.Advanced.ExclusionZones))
			copy(zones, *p.Advanced.ExclusionZones)
			e.Advanced.ExclusionZones = zones
		}
	}

	return nil
}
