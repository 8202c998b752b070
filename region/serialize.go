package region

import (
	"encoding/json"
	"fmt"

	"gammafit/config"
	"gammafit/hypermet"
	"gammafit/specdata"
	"gammafit/sum4"
)

type jsonEdgeRange struct {
	Left  float64 `json:"left"`
	Right float64 `json:"right"`
}

type jsonPeakEntry struct {
	Type      string         `json:"type"`
	Hypermet  *hypermet.Peak `json:"hypermet"`
	Sum4Left  float64        `json:"sum4_left"`
	Sum4Right float64        `json:"sum4_right"`
}

type jsonRegion struct {
	Type        string               `json:"type"`
	Channel     []float64            `json:"channel"`
	Count       []float64            `json:"count"`
	Weight      []float64            `json:"weight"`
	Background  *hypermet.Background `json:"background"`
	DefaultPeak *hypermet.Peak       `json:"default_peak"`
	Peaks       []jsonPeakEntry      `json:"peaks"`
	LB          jsonEdgeRange        `json:"background_left"`
	RB          jsonEdgeRange        `json:"background_right"`
	Settings    config.FitSettings   `json:"settings"`
	Dirty       bool                 `json:"dirty"`
}

// MarshalJSON serializes the region as a self-describing "region" tree.
// Edges and SUM4 areas are stored as channel ranges and rebuilt from the
// data on load, so derived quantities can never disagree with the data.
func (r *Region) MarshalJSON() ([]byte, error) {
	out := jsonRegion{
		Type:        "region",
		Channel:     r.Data.Channel,
		Count:       r.Data.Count,
		Weight:      r.Data.Weight,
		Background:  r.Background,
		DefaultPeak: r.DefaultPeak,
		LB:          jsonEdgeRange{Left: r.LB.Left(), Right: r.LB.Right()},
		RB:          jsonEdgeRange{Left: r.RB.Left(), Right: r.RB.Right()},
		Settings:    r.settings,
		Dirty:       r.dirty,
	}
	for _, id := range r.PeakIDs() {
		p := r.Peaks[id]
		out.Peaks = append(out.Peaks, jsonPeakEntry{
			Type:      "peak_entry",
			Hypermet:  p.Hypermet,
			Sum4Left:  p.Sum4.Left(),
			Sum4Right: p.Sum4.Right(),
		})
	}
	return json.Marshal(out)
}

// UnmarshalJSON rebuilds a region from its serialized tree. The target is
// left unmodified when the top-level type tag does not match.
func (r *Region) UnmarshalJSON(data []byte) error {
	var in jsonRegion
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Type != "region" {
		return fmt.Errorf("region: expected type \"region\", got %q", in.Type)
	}
	if len(in.Channel) == 0 || len(in.Channel) != len(in.Count) || len(in.Channel) != len(in.Weight) {
		return fmt.Errorf("region: malformed data sequences")
	}
	if in.Background == nil || in.DefaultPeak == nil {
		return fmt.Errorf("region: missing background or default peak")
	}

	wd := specdata.WeightedData{Channel: in.Channel, Count: in.Count, Weight: in.Weight}
	lb, err := sum4.NewEdge(wd.Subset(in.LB.Left, in.LB.Right))
	if err != nil {
		return fmt.Errorf("region: rebuilding left edge: %w", err)
	}
	rb, err := sum4.NewEdge(wd.Subset(in.RB.Left, in.RB.Right))
	if err != nil {
		return fmt.Errorf("region: rebuilding right edge: %w", err)
	}

	peaks := make(map[int64]*Peak, len(in.Peaks))
	for _, pe := range in.Peaks {
		if pe.Hypermet == nil {
			return fmt.Errorf("region: peak entry missing hypermet")
		}
		p := &Peak{Hypermet: pe.Hypermet}
		if area, aerr := sum4.NewArea(wd.Subset(pe.Sum4Left, pe.Sum4Right), lb, rb); aerr == nil {
			p.Sum4 = area
		}
		peaks[pe.Hypermet.ID()] = p
	}

	r.Data = wd
	r.Background = in.Background
	r.DefaultPeak = in.DefaultPeak
	r.Peaks = peaks
	r.LB = lb
	r.RB = rb
	r.settings = in.Settings
	r.dirty = in.Dirty
	r.variableCount = 0
	return nil
}
