// Package workspace manages on-disk attempt directories: input
// materialization before submission and output validation after the
// scheduler reports completion. Every attempt gets a fresh directory so
// failed runs stay inspectable.
package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"vaspilot/internal/job"
)

// Script-level pseudo parameters. They flow through the correction
// machinery like solver tags but land in the batch script, not INCAR.
const (
	ParamWalltimeHours = "WALLTIME_HOURS"
	ParamMemGB         = "MEM_GB"
	ParamTasks         = "NTASKS"
)

var scriptParams = map[string]bool{
	ParamWalltimeHours: true,
	ParamMemGB:         true,
	ParamTasks:         true,
}

// restartFiles are copied from a parent calculation so a dependent run
// starts from the converged charge density and wavefunctions.
var restartFiles = []string{"CHGCAR", "WAVECAR"}

// Manager lays out attempt directories under a single root.
type Manager struct {
	root string
}

func NewManager(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Manager{root: root}, nil
}

func (m *Manager) Root() string { return m.root }

// AttemptDir returns the directory for one attempt of a job.
func (m *Manager) AttemptDir(jobID string, attempt int) string {
	return filepath.Join(m.root, jobID, fmt.Sprintf("attempt-%d", attempt))
}

// Prepare creates the attempt directory and materializes all inputs:
// the INCAR-style parameter file, the structure file, the batch script
// and any restart files from parentDir. parentDir is empty for jobs
// without a parent.
func (m *Manager) Prepare(spec *job.Spec, dir string, params job.Params, parentDir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create attempt dir: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "INCAR"), []byte(FormatINCAR(params)), 0o644); err != nil {
		return fmt.Errorf("failed to write INCAR: %w", err)
	}

	if err := m.writeStructure(spec, dir, parentDir); err != nil {
		return err
	}

	if parentDir != "" {
		for _, name := range restartFiles {
			src := filepath.Join(parentDir, name)
			if _, err := os.Stat(src); err != nil {
				continue // parent may not have written it (LWAVE off etc.)
			}
			if err := copyFile(src, filepath.Join(dir, name)); err != nil {
				return fmt.Errorf("failed to copy restart file %s: %w", name, err)
			}
		}
	}

	script := batchScript(spec, params)
	if err := os.WriteFile(filepath.Join(dir, "job.sh"), []byte(script), 0o755); err != nil {
		return fmt.Errorf("failed to write batch script: %w", err)
	}
	return nil
}

func (m *Manager) writeStructure(spec *job.Spec, dir, parentDir string) error {
	dst := filepath.Join(dir, "POSCAR")

	// A parent's relaxed geometry takes precedence over the original
	// structure file: dependent steps run on the converged cell.
	if parentDir != "" {
		contcar := filepath.Join(parentDir, "CONTCAR")
		if info, err := os.Stat(contcar); err == nil && info.Size() > 0 {
			if err := copyFile(contcar, dst); err != nil {
				return fmt.Errorf("failed to copy parent structure: %w", err)
			}
			return nil
		}
	}
	if spec.StructurePath == "" {
		return fmt.Errorf("no structure available: spec has no structurePath and parent wrote no CONTCAR")
	}
	if err := copyFile(spec.StructurePath, dst); err != nil {
		return fmt.Errorf("failed to copy structure %s: %w", spec.StructurePath, err)
	}
	return nil
}

// FormatINCAR renders solver parameters in INCAR syntax, keys sorted
// for reproducible files. Script-level pseudo parameters are excluded.
func FormatINCAR(params job.Params) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if scriptParams[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s = %s\n", k, formatValue(params[k]))
	}
	return b.String()
}

func formatValue(v any) string {
	switch val := v.(type) {
	case bool:
		if val {
			return ".TRUE."
		}
		return ".FALSE."
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case float32:
		return formatValue(float64(val))
	default:
		return fmt.Sprintf("%v", val)
	}
}

func batchScript(spec *job.Spec, params job.Params) string {
	hours := spec.Walltime.Hours()
	if v, ok := params.Float(ParamWalltimeHours); ok {
		hours = v
	}
	memGB := 64.0
	if v, ok := params.Float(ParamMemGB); ok {
		memGB = v
	}
	tasks := 32.0
	if v, ok := params.Float(ParamTasks); ok {
		tasks = v
	}

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "#SBATCH --job-name=vaspilot-%s\n", spec.Type)
	fmt.Fprintf(&b, "#SBATCH --time=%s\n", slurmTime(hours))
	fmt.Fprintf(&b, "#SBATCH --mem=%dG\n", int64(memGB))
	fmt.Fprintf(&b, "#SBATCH --ntasks=%d\n", int64(tasks))
	b.WriteString("#SBATCH --output=stdout.log\n")
	b.WriteString("#SBATCH --error=stderr.log\n")
	b.WriteString("\n")
	b.WriteString("srun ${VASP_CMD:-vasp_std}\n")
	return b.String()
}

// slurmTime formats fractional hours as HH:MM:SS.
func slurmTime(hours float64) string {
	total := int64(hours * 3600)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
