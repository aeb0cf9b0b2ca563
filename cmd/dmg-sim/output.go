package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/banshee-data/beamlink/internal/report"
	"github.com/banshee-data/beamlink/internal/security"
)

func printSummary(w io.Writer, res *Result) {
	fmt.Fprintf(w, "scenario %q finished at %v: %d frames sent, %d delivered, %d dropped\n",
		res.Scenario.Name, res.End, res.Medium.Transmitted, res.Medium.Delivered, res.Medium.Dropped)
	for _, e := range res.Events.Completed {
		fmt.Fprintf(w, "  %s -> %s %s completed at %v: tx %v (%.2f dB)",
			res.Name(e.Station), res.Name(e.Peer), e.Role, e.At, e.BestTx, e.BestTxSNR)
		if e.BestRx != nil {
			fmt.Fprintf(w, ", rx %v (%.2f dB)", *e.BestRx, e.BestRxSNR)
		}
		if sum, err := report.Summarize(e.TxSamples); err == nil {
			fmt.Fprintf(w, ", %d samples mean %.2f dB sd %.2f", sum.Count, sum.MeanDB, sum.StdDevDB)
		}
		fmt.Fprintln(w)
	}
	for _, e := range res.Events.Failed {
		fmt.Fprintf(w, "  %s -> %s %s failed at %v after %d retries: %s\n",
			res.Name(e.Station), res.Name(e.Peer), e.Role, e.At, e.Retries, e.Reason)
	}
	for _, e := range res.Events.Brp {
		fmt.Fprintf(w, "  %s -> %s refinement %s at %v: tx awv %d, rx awv %d (%.2f dB)\n",
			res.Name(e.Station), res.Name(e.Peer), e.Role, e.At, e.BestTxAWV, e.BestRxAWV, e.BestSNR)
	}
	for _, e := range res.Events.Suspended {
		fmt.Fprintf(w, "  %s -> %s suspended in %s at %v (discarded=%v)\n",
			res.Name(e.Station), res.Name(e.Peer), e.Phase, e.At, e.Discarded)
	}
	for _, e := range res.Events.Expired {
		fmt.Fprintf(w, "  %s -> %s beam link expired at %v (master=%v)\n",
			res.Name(e.Station), res.Name(e.Peer), e.At, e.Master)
	}
}

// eachLink calls fn with the samples every station holds toward every peer.
func eachLink(res *Result, fn func(name string, series []report.Series) error) error {
	for _, st := range res.Stations {
		for _, peer := range st.Peers().Addresses() {
			series := []report.Series{
				{Name: "tx", Samples: st.Table().Samples(peer, true)},
				{Name: "rx", Samples: st.Table().Samples(peer, false)},
			}
			name := security.SanitizeFilename(res.Name(st.Address())) + "-" + security.SanitizeFilename(res.Name(peer))
			if err := fn(name, series); err != nil && !errors.Is(err, report.ErrNoSamples) {
				return err
			}
		}
	}
	return nil
}

// writePlots writes one PNG per station and peer into dir and returns the
// files written.
func writePlots(dir string, res *Result) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var written []string
	err := eachLink(res, func(name string, series []report.Series) error {
		path := filepath.Join(dir, name+".png")
		if err := report.PlotSectorSNR(path, "SNR per sector "+name, series...); err != nil {
			return err
		}
		written = append(written, path)
		return nil
	})
	return written, err
}

// writeCharts writes one HTML chart per station and peer into dir.
func writeCharts(dir string, res *Result) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var written []string
	err := eachLink(res, func(name string, series []report.Series) error {
		path := filepath.Join(dir, name+".html")
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := report.RenderSectorChart(f, "SNR per sector "+name, series...); err != nil {
			os.Remove(path)
			return err
		}
		written = append(written, path)
		return nil
	})
	return written, err
}
