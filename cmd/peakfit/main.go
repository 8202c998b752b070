// Command peakfit drives the fitting library in batch mode: it loads a CSV
// spectrum and a YAML settings file, seeds and fits every detected peak in
// the spectrum slice, and writes a per-peak report plus an optional dense
// rendering for plotting.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"gammafit/config"
	"gammafit/manager"
	"gammafit/optimize"
	"gammafit/specdata"
)

type fitFlags struct {
	spectrum    string
	settings    string
	reportCSV   string
	reportJSON  string
	render      string
	backend     string
	logFile     string
	metricsAddr string
	subdivide   int
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	root := &cobra.Command{
		Use:           "peakfit",
		Short:         "Gamma-ray spectrum peak fitting",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newFitCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("peakfit failed")
		os.Exit(1)
	}
}

func newFitCmd() *cobra.Command {
	var flags fitFlags
	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Fit every detected peak in a spectrum",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFit(flags)
		},
	}
	addFitFlags(cmd.Flags(), &flags)
	return cmd
}

func addFitFlags(fs *pflag.FlagSet, flags *fitFlags) {
	fs.StringVar(&flags.spectrum, "spectrum", "", "spectrum CSV (count, or channel,count columns)")
	fs.StringVar(&flags.settings, "settings", "", "fit settings YAML (defaults when omitted)")
	fs.StringVar(&flags.reportCSV, "report", "report.csv", "per-peak report CSV output")
	fs.StringVar(&flags.reportJSON, "report-json", "", "per-peak report JSON output (optional)")
	fs.StringVar(&flags.render, "render", "", "dense rendering CSV output (optional)")
	fs.StringVar(&flags.backend, "backend", "bfgs", "optimizer backend: bfgs or gonum")
	fs.StringVar(&flags.logFile, "log-file", "", "rotated history log file (stderr when omitted)")
	fs.StringVar(&flags.metricsAddr, "metrics-addr", "", "listen address for Prometheus metrics (optional)")
	fs.IntVar(&flags.subdivide, "subdivide", 10, "rendering samples per channel")
}

func runFit(flags fitFlags) error {
	if flags.spectrum == "" {
		return fmt.Errorf("--spectrum is required")
	}

	settings := config.Default()
	if flags.settings != "" {
		var err error
		settings, err = config.Load(flags.settings)
		if err != nil {
			return err
		}
	}

	channels, counts, err := LoadSpectrumCSV(flags.spectrum)
	if err != nil {
		return err
	}
	data, err := specdata.New(channels, counts, weightStrategy(settings.Weight))
	if err != nil {
		return err
	}
	log.Info().Int("bins", data.Len()).Str("spectrum", flags.spectrum).Msg("spectrum loaded")

	opts := []manager.Option{manager.WithLogger(manager.NewLogger(flags.logFile))}
	if flags.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, manager.WithMetrics(manager.NewMetrics(reg)))
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(flags.metricsAddr, mux); err != nil {
				log.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	mgr, err := manager.New(data, settings, opts...)
	if err != nil {
		return err
	}

	var opt optimize.Minimizer
	switch flags.backend {
	case "bfgs":
		opt = optimize.NewBFGS(settings.FitterMaxIter)
	case "gonum":
		opt = optimize.NewGonumAdapter(settings.FitterMaxIter)
	default:
		return fmt.Errorf("unknown backend %q", flags.backend)
	}

	if err := mgr.FindAndFit(opt); err != nil {
		return err
	}
	if !mgr.Sane() {
		log.Warn().Msg("fit not sane, perturbing and refitting")
		if err := mgr.PerturbAndRefit(opt); err != nil {
			return err
		}
	}

	cal := settings.Calibration()
	reports := mgr.Region().Report(cal)
	for _, r := range reports {
		log.Info().
			Int64("peak", r.ID).
			Float64("position", r.Position.Value).
			Float64("energy", r.Energy.Value).
			Float64("fwhm", r.FWHMChannels.Value).
			Float64("area", r.AreaAnalytic.Value).
			Int("quality", r.CurrieQuality).
			Msg("peak")
	}

	if err := WriteReportCSV(flags.reportCSV, reports); err != nil {
		return err
	}
	if flags.reportJSON != "" {
		if err := WriteReportJSON(flags.reportJSON, reports); err != nil {
			return err
		}
	}
	if flags.render != "" {
		rendering := mgr.Region().Render(flags.subdivide, cal)
		if err := WriteRenderCSV(flags.render, rendering); err != nil {
			return err
		}
	}
	log.Info().Int("peaks", len(reports)).Str("report", flags.reportCSV).Msg("done")
	return nil
}

func weightStrategy(name string) specdata.Strategy {
	switch name {
	case "true":
		return specdata.TrueWeight{}
	case "revay_student":
		return specdata.RevayStudentWeight{}
	default:
		return specdata.PhillipsMarlowWeight{}
	}
}
