package workspace

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"vaspilot/internal/job"
)

// diagTailBytes bounds how much of each log file feeds classification.
const diagTailBytes = 4096

// Validate inspects an attempt directory after the scheduler reports
// completion. Scheduler-level success is not trusted: the run counts as
// succeeded only when the outputs carry convergence markers. The
// returned error text is the canonical diagnostic fed to failure
// classification.
func (m *Manager) Validate(dir string, typ job.Type) (*job.Result, error) {
	run, err := parseVasprun(filepath.Join(dir, "vasprun.xml"))
	if err != nil {
		return nil, err
	}

	if run.nelm > 0 && run.lastSCSteps >= run.nelm {
		return nil, fmt.Errorf("electronic self-consistency was not achieved in %d steps (NELM = %d)", run.lastSCSteps, run.nelm)
	}

	if typ == job.TypeRelaxation {
		if run.nsw > 0 && run.ionicSteps >= run.nsw {
			return nil, fmt.Errorf("ionic relaxation did not converge in %d steps (NSW = %d)", run.ionicSteps, run.nsw)
		}
		info, statErr := os.Stat(filepath.Join(dir, "CONTCAR"))
		if statErr != nil || info.Size() == 0 {
			return nil, fmt.Errorf("relaxation produced no CONTCAR")
		}
	}

	return &job.Result{
		TotalEnergy: run.finalEnergy,
		Converged:   true,
		IonicSteps:  run.ionicSteps,
		OutputDir:   dir,
	}, nil
}

// CollectDiagnostics gathers log tails from an attempt directory for
// classification. Missing files are skipped; a killed job may have
// written nothing at all.
func (m *Manager) CollectDiagnostics(dir string) string {
	var b strings.Builder
	for _, name := range []string{"stderr.log", "stdout.log"} {
		tail, err := fileTail(filepath.Join(dir, name), diagTailBytes)
		if err != nil || tail == "" {
			continue
		}
		b.WriteString(tail)
		if !strings.HasSuffix(tail, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// vasprunSummary is the subset of vasprun.xml the engine cares about:
// step counts against their configured limits plus the final energy.
type vasprunSummary struct {
	nelm        int
	nsw         int
	ionicSteps  int // number of <calculation> blocks
	lastSCSteps int // electronic steps in the last ionic step
	finalEnergy float64
}

// parseVasprun streams through vasprun.xml without loading it. A file
// the solver never finished writing fails XML parsing, which is exactly
// the signal we want: truncated output is not a successful run.
func parseVasprun(path string) (*vasprunSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("output file vasprun.xml is missing")
	}
	defer f.Close()
	if info, err := f.Stat(); err == nil && info.Size() == 0 {
		return nil, fmt.Errorf("output file vasprun.xml is empty")
	}

	var (
		sum          vasprunSummary
		dec          = xml.NewDecoder(f)
		inParameters bool
		inCalc       bool
		inEnergy     bool
		closed       bool
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("output file vasprun.xml is truncated or malformed")
		}

		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "parameters":
				inParameters = true
			case "calculation":
				inCalc = true
				sum.ionicSteps++
				sum.lastSCSteps = 0
			case "scstep":
				if inCalc {
					sum.lastSCSteps++
				}
			case "energy":
				if inCalc {
					inEnergy = true
				}
			case "i":
				name := attrValue(el, "name")
				switch {
				case inParameters && name == "NELM":
					if v, err := decodeInt(dec, &el); err == nil {
						sum.nelm = v
					}
				case inParameters && name == "NSW":
					if v, err := decodeInt(dec, &el); err == nil {
						sum.nsw = v
					}
				case inEnergy && name == "e_fr_energy":
					if v, err := decodeFloat(dec, &el); err == nil {
						sum.finalEnergy = v
					}
				}
			}
		case xml.EndElement:
			switch el.Name.Local {
			case "parameters":
				inParameters = false
			case "calculation":
				inCalc = false
			case "energy":
				inEnergy = false
			case "modeling":
				closed = true
			}
		}
	}

	if !closed {
		return nil, fmt.Errorf("output file vasprun.xml is truncated or malformed")
	}
	return &sum, nil
}

func attrValue(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func decodeInt(dec *xml.Decoder, el *xml.StartElement) (int, error) {
	var raw string
	if err := dec.DecodeElement(&raw, el); err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(raw))
}

func decodeFloat(dec *xml.Decoder, el *xml.StartElement) (float64, error) {
	var raw string
	if err := dec.DecodeElement(&raw, el); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(raw), 64)
}

func fileTail(path string, n int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.Size() > n {
		if _, err := f.Seek(-n, io.SeekEnd); err != nil {
			return "", err
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
