// Package config holds the machine settings model: controller timing and
// ejection criteria. Settings are updated by deep-merged partial patches and
// persisted as a JSON file.
package config

import (
	"fmt"
	"time"

	"github.com/sawline/timbersort/internal/defect"
)

// Timing is the controller-side settings block: cylinder hold durations in
// milliseconds and the analysis mode switch.
type Timing struct {
	PushTime     int64 `json:"pushTime"`
	RiserTime    int64 `json:"riserTime"`
	EjectionTime int64 `json:"ejectionTime"`
	AnalysisMode bool  `json:"analysisMode"`
}

// PushDuration returns the push hold time as a duration.
func (t Timing) PushDuration() time.Duration { return time.Duration(t.PushTime) * time.Millisecond }

// RiserDuration returns the riser travel time as a duration.
func (t Timing) RiserDuration() time.Duration { return time.Duration(t.RiserTime) * time.Millisecond }

// EjectionDuration returns the ejection hold time as a duration.
func (t Timing) EjectionDuration() time.Duration {
	return time.Duration(t.EjectionTime) * time.Millisecond
}

// Validate checks timing bounds.
func (t Timing) Validate() error {
	if t.PushTime < 0 {
		return fmt.Errorf("slave.pushTime: negative duration %d", t.PushTime)
	}
	if t.RiserTime < 0 {
		return fmt.Errorf("slave.riserTime: negative duration %d", t.RiserTime)
	}
	if t.EjectionTime < 0 {
		return fmt.Errorf("slave.ejectionTime: negative duration %d", t.EjectionTime)
	}
	return nil
}

// Global holds ejection criteria applied across all defect classes.
// Zero-valued thresholds disable their criterion.
type Global struct {
	RequireMultipleDefects bool    `json:"requireMultipleDefects"`
	MinTotalArea           float64 `json:"minTotalArea"`
	MaxDefectsBeforeEject  int     `json:"maxDefectsBeforeEject"`
}

// ClassRule holds ejection criteria for one defect class.
type ClassRule struct {
	Enabled       bool    `json:"enabled"`
	MinConfidence float64 `json:"minConfidence"`
	MinArea       float64 `json:"minArea"`
	MaxCount      int     `json:"maxCount"`
}

// Advanced holds the geometric filters and the overlap criterion.
// A nil RegionOfInterest means the whole board counts.
type Advanced struct {
	ConsiderOverlap  bool          `json:"considerOverlap"`
	RegionOfInterest *defect.Rect  `json:"regionOfInterest"`
	ExclusionZones   []defect.Rect `json:"exclusionZones"`
}

// Ejection is the full decision-engine settings block.
type Ejection struct {
	Global   Global                     `json:"globalSettings"`
	PerClass map[defect.Class]ClassRule `json:"perClassSettings"`
	Advanced Advanced                   `json:"advancedSettings"`
}

// Settings is the complete machine settings document.
type Settings struct {
	Slave    Timing   `json:"slave"`
	Ejection Ejection `json:"ejection"`
}

// Default returns the shipped settings: 3s cylinder holds, analysis on, every
// class enabled at 0.5 confidence, all optional criteria disabled.
func Default() Settings {
	per := make(map[defect.Class]ClassRule, len(defect.Classes()))
	for _, c := range defect.Classes() {
		per[c] = ClassRule{Enabled: true, MinConfidence: 0.5}
	}
	return Settings{
		Slave: Timing{
			PushTime:     3000,
			RiserTime:    3000,
			EjectionTime: 3000,
			AnalysisMode: true,
		},
		Ejection: Ejection{
			PerClass: per,
		},
	}
}

// Clone returns a deep copy of s. Settings hold a map and a slice, so a
// plain assignment would share them.
func (s Settings) Clone() Settings {
	out := s
	if s.Ejection.PerClass != nil {
		per := make(map[defect.Class]ClassRule, len(s.Ejection.PerClass))
		for k, v := range s.Ejection.PerClass {
			per[k] = v
		}
		out.Ejection.PerClass = per
	}
	if s.Ejection.Advanced.RegionOfInterest != nil {
		roi := *s.Ejection.Advanced.RegionOfInterest
		out.Ejection.Advanced.RegionOfInterest = &roi
	}
	if s.Ejection.Advanced.ExclusionZones != nil {
		zones := make([]defect.Rect, len(s.Ejection.Advanced.ExclusionZones))
		copy(zones, s.Ejection.Advanced.ExclusionZones)
		out.Ejection.Advanced.ExclusionZones = zones
	}
	return out
}

// Validate checks the whole document and names the first offending field.
func (s Settings) Validate() error {
	if err := s.Slave.Validate(); err != nil {
		return err
	}

	g := s.Ejection.Global
	if g.MinTotalArea < 0 {
		return fmt.Errorf("ejection.globalSettings.minTotalArea: negative threshold %v", g.MinTotalArea)
	}
	if g.MaxDefectsBeforeEject < 0 {
		return fmt.Errorf("ejection.globalSettings.maxDefectsBeforeEject: negative count %d", g.MaxDefectsBeforeEject)
	}

	for class, rule := range s.Ejection.PerClass {
		if !class.Valid() {
			return fmt.Errorf("ejection.perClassSettings: unknown class %q", class)
		}
		if rule.MinConfidence < 0 || rule.MinConfidence > 1 {
			return fmt.Errorf("ejection.perClassSettings.%s.minConfidence: %v outside [0,1]", class, rule.MinConfidence)
		}
		if rule.MinArea < 0 {
			return fmt.Errorf("ejection.perClassSettings.%s.minArea: negative threshold %v", class, rule.MinArea)
		}
		if rule.MaxCount < 0 {
			return fmt.Errorf("ejection.perClassSettings.%s.maxCount: negative count %d", class, rule.MaxCount)
		}
	}

	adv := s.Ejection.Advanced
	if adv.RegionOfInterest != nil && !adv.RegionOfInterest.Valid() {
		return fmt.Errorf("ejection.advancedSettings.regionOfInterest: malformed region %+v", *adv.RegionOfInterest)
	}
	for i, z := range adv.ExclusionZones {
		if !z.Valid() {
			return fmt.Errorf("ejection.advancedSettings.exclusionZones[%d]: malformed region %+v", i, z)
		}
	}
	return nil
}
