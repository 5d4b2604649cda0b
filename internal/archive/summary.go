package archive

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/octscan/internal/spectral"
)

// WriteSummary prints a human-readable overview of rec.
func WriteSummary(w io.Writer, rec *Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	cfg := rec.Config

	fmt.Fprintf(tw, "ID:\t%s\n", rec.ID)
	if cfg.Label != "" {
		fmt.Fprintf(tw, "Label:\t%s\n", cfg.Label)
	}
	fmt.Fprintf(tw, "Status:\t%s\n", rec.Status)
	fmt.Fprintf(tw, "Started:\t%s\n", rec.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "Duration:\t%s\n", rec.EndedAt.Sub(rec.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(tw, "Steps:\t%d of %d\n", rec.Steps(), rec.Capacity)
	fmt.Fprintf(tw, "Range:\t%g to %g mm\n", cfg.Start, cfg.End)
	fmt.Fprintf(tw, "Integration:\t%s, dwell %s\n", cfg.IntegrationTime, cfg.Dwell)
	if rec.Instrument.Spectrometer != "" || rec.Instrument.Stage != "" {
		fmt.Fprintf(tw, "Instrument:\t%s / %s\n", rec.Instrument.Spectrometer, rec.Instrument.Stage)
	}
	if rec.Instrument.Software != "" {
		fmt.Fprintf(tw, "Software:\t%s\n", rec.Instrument.Software)
	}
	if n := len(rec.Calibration); n > 1 {
		lo, hi := rec.Calibration[0], rec.Calibration[n-1]
		if lo > hi {
			lo, hi = hi, lo
		}
		fmt.Fprintf(tw, "Band:\t%.1f to %.1f nm over %d pixels\n", lo, hi, n)
		fmt.Fprintf(tw, "Axial resolution:\t%.2f µm\n", spectral.AxialResolution(lo*1e-9, hi*1e-9)*1e6)
		fmt.Fprintf(tw, "Depth range:\t%.3f mm\n", spectral.MaxDepth(lo*1e-9, hi*1e-9, n)*1e3)
	}

	for i, b := range cfg.Bands {
		fmt.Fprintf(tw, "Zoom band %d:\t%.1f to %.1f µm, %d bins\n", i+1, b.Start*1e6, b.End*1e6, b.Bins)
	}

	degraded := 0
	for _, p := range rec.Profiles {
		if p.Degraded {
			degraded++
		}
	}
	if degraded > 0 {
		fmt.Fprintf(tw, "Degraded profiles:\t%d\n", degraded)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(rec.Profiles) > 0 {
		fmt.Fprintln(w, "\nStep  Position (mm)  Strongest peaks (µm)")
		for i, p := range rec.Profiles {
			depths := make([]string, len(p.Peaks))
			for j, pk := range p.Peaks {
				depths[j] = fmt.Sprintf("%.1f", pk.Depth*1e6)
			}
			fmt.Fprintf(w, "%4d  %13.4f  %s\n", i, rec.Positions[i], strings.Join(depths, ", "))
		}
	}

	if len(rec.Warnings) > 0 {
		fmt.Fprintln(w, "\nWarnings:")
		for _, wn := range rec.Warnings {
			step := "-"
			if wn.Step >= 0 {
				step = fmt.Sprint(wn.Step)
			}
			fmt.Fprintf(w, "  [%s] step %s %s: %s\n", wn.Severity, step, wn.Kind, wn.Message)
		}
	}
	return nil
}
