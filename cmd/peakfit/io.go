package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"gammafit/region"
)

// LoadSpectrumCSV reads a spectrum histogram from a CSV file:
//
//   - The first row is a header; a single column is read as counts with the
//     channel taken as 0,1,2,...; two columns are read as channel,count.
//   - All remaining rows are numeric values.
//
// Returns parallel channel and count sequences.
func LoadSpectrumCSV(path string) (channels, counts []float64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	cols := len(header)
	if cols != 1 && cols != 2 {
		return nil, nil, fmt.Errorf("%s: expected 1 (count) or 2 (channel,count) columns, got %d", path, cols)
	}

	row := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read row %d: %w", row+2, err)
		}
		if len(record) == 1 && record[0] == "" {
			continue
		}
		if len(record) != cols {
			return nil, nil, fmt.Errorf("row %d: expected %d columns, got %d", row+2, cols, len(record))
		}

		vals := make([]float64, cols)
		for j, s := range record {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("parse float at row %d col %d (%q): %w", row+2, j+1, s, err)
			}
			vals[j] = v
		}

		if cols == 1 {
			channels = append(channels, float64(row))
			counts = append(counts, vals[0])
		} else {
			channels = append(channels, vals[0])
			counts = append(counts, vals[1])
		}
		row++
	}

	if row == 0 {
		return nil, nil, fmt.Errorf("no data rows in %s", path)
	}
	return channels, counts, nil
}

// WriteReportCSV writes the per-peak report table.
func WriteReportCSV(path string, reports []region.PeakReport) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{
		"id", "position", "position_sigma", "energy", "energy_sigma",
		"fwhm_channels", "fwhm_channels_sigma", "fwhm_energy",
		"area_analytic", "area_analytic_sigma", "area_sum4", "area_sum4_sigma",
		"currie_quality",
	}); err != nil {
		return err
	}
	g := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	for _, r := range reports {
		if err := w.Write([]string{
			strconv.FormatInt(r.ID, 10),
			g(r.Position.Value), g(r.Position.Sigma),
			g(r.Energy.Value), g(r.Energy.Sigma),
			g(r.FWHMChannels.Value), g(r.FWHMChannels.Sigma),
			g(r.FWHMEnergy),
			g(r.AreaAnalytic.Value), g(r.AreaAnalytic.Sigma),
			g(r.AreaSum4.Value), g(r.AreaSum4.Sigma),
			strconv.Itoa(r.CurrieQuality),
		}); err != nil {
			return err
		}
	}
	return nil
}

// WriteReportJSON writes the per-peak report as a JSON array.
func WriteReportJSON(path string, reports []region.PeakReport) error {
	raw, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// WriteRenderCSV writes the dense rendering table for plotting.
func WriteRenderCSV(path string, r *region.Rendering) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"channel", "energy", "background", "back_steps", "full_fit"}); err != nil {
		return err
	}
	g := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	for i := range r.Channel {
		if err := w.Write([]string{
			g(r.Channel[i]), g(r.Energy[i]), g(r.Background[i]), g(r.BackSteps[i]), g(r.FullFit[i]),
		}); err != nil {
			return err
		}
	}
	return nil
}
