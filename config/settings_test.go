package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault_SaneValues(t *testing.T) {
	s := Default()
	if s.KON.Width < 2 {
		t.Errorf("KON.Width = %d, want >= 2", s.KON.Width)
	}
	if s.Resid.MaxIterations <= 0 {
		t.Errorf("Resid.MaxIterations = %d", s.Resid.MaxIterations)
	}
	if s.Width.CommonBounds.Min >= s.Width.CommonBounds.Max {
		t.Errorf("CommonBounds: min %v >= max %v", s.Width.CommonBounds.Min, s.Width.CommonBounds.Max)
	}
	if s.FitterMaxIter <= 0 {
		t.Errorf("FitterMaxIter = %d", s.FitterMaxIter)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := Default()
	s.KON.SigmaSpectrum = 4.5
	s.Width.Common = true
	s.EnergyCalibration = []float64{0, 0.5}
	s.FWHMCalibration = []float64{1, 0.01}

	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := s.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.KON.SigmaSpectrum != 4.5 {
		t.Errorf("SigmaSpectrum = %v, want 4.5", loaded.KON.SigmaSpectrum)
	}
	if !loaded.Width.Common {
		t.Error("Width.Common not preserved")
	}
	if len(loaded.EnergyCalibration) != 2 || loaded.EnergyCalibration[1] != 0.5 {
		t.Errorf("EnergyCalibration = %v", loaded.EnergyCalibration)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	if err := os.WriteFile(path, []byte("kon:\n  sigma_spectrum: 2.5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.KON.SigmaSpectrum != 2.5 {
		t.Errorf("SigmaSpectrum = %v, want 2.5", s.KON.SigmaSpectrum)
	}
	def := Default()
	if s.KON.Width != def.KON.Width {
		t.Errorf("KON.Width = %d, want default %d", s.KON.Width, def.KON.Width)
	}
	if s.Resid.MaxIterations != def.Resid.MaxIterations {
		t.Errorf("Resid.MaxIterations = %d, want default %d", s.Resid.MaxIterations, def.Resid.MaxIterations)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestCalibration_FromCoefficients(t *testing.T) {
	s := Default()
	if s.Calibration().Valid() {
		t.Error("default settings should have no valid calibration")
	}
	s.EnergyCalibration = []float64{0, 1}
	s.FWHMCalibration = []float64{2}
	if !s.Calibration().Valid() {
		t.Error("calibration with coefficients should be valid")
	}
}
