package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vaspilot/internal/job"
)

func writeVasprun(t *testing.T, dir string, nelm, nsw, ionicSteps, lastSC int, energy float64, truncated bool) {
	t.Helper()
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?>\n<modeling>\n")
	fmt.Fprintf(&b, " <parameters>\n  <i type=\"int\" name=\"NELM\">%d</i>\n  <i type=\"int\" name=\"NSW\">%d</i>\n </parameters>\n", nelm, nsw)
	for i := 0; i < ionicSteps; i++ {
		sc := 5
		if i == ionicSteps-1 {
			sc = lastSC
		}
		b.WriteString(" <calculation>\n")
		for j := 0; j < sc; j++ {
			b.WriteString("  <scstep><energy><i name=\"e_fr_energy\">-1.0</i></energy></scstep>\n")
		}
		fmt.Fprintf(&b, "  <energy><i name=\"e_fr_energy\">%g</i></energy>\n", energy)
		b.WriteString(" </calculation>\n")
	}
	content := b.String()
	if truncated {
		content = content[:len(content)/2]
	} else {
		content += "</modeling>\n"
	}
	if err := os.WriteFile(filepath.Join(dir, "vasprun.xml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	t.Run("converged scf", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		writeVasprun(t, dir, 60, 0, 1, 12, -34.56, false)

		res, err := m.Validate(dir, job.TypeSCF)
		if err != nil {
			t.Fatalf("Expected success, got: %v", err)
		}
		if !res.Converged {
			t.Error("Expected converged result")
		}
		if res.TotalEnergy != -34.56 {
			t.Errorf("Expected energy -34.56, got %v", res.TotalEnergy)
		}
		if res.OutputDir != dir {
			t.Errorf("Expected output dir %s, got %s", dir, res.OutputDir)
		}
	})

	t.Run("electronic nonconvergence", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		// Last ionic step consumed the full NELM budget.
		writeVasprun(t, dir, 60, 0, 1, 60, -34.56, false)

		_, err := m.Validate(dir, job.TypeSCF)
		if err == nil {
			t.Fatal("Expected non-convergence error")
		}
		if !strings.Contains(err.Error(), "electronic self-consistency was not achieved") {
			t.Errorf("Expected canonical electronic diagnostic, got: %v", err)
		}
	})

	t.Run("ionic nonconvergence", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		writeVasprun(t, dir, 60, 100, 100, 12, -34.56, false)
		mustWrite(t, filepath.Join(dir, "CONTCAR"), "Si2\n")

		_, err := m.Validate(dir, job.TypeRelaxation)
		if err == nil {
			t.Fatal("Expected non-convergence error")
		}
		if !strings.Contains(err.Error(), "ionic relaxation did not converge") {
			t.Errorf("Expected canonical ionic diagnostic, got: %v", err)
		}
	})

	t.Run("relaxation without contcar", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		writeVasprun(t, dir, 60, 100, 8, 12, -34.56, false)

		_, err := m.Validate(dir, job.TypeRelaxation)
		if err == nil || !strings.Contains(err.Error(), "CONTCAR") {
			t.Errorf("Expected CONTCAR error, got: %v", err)
		}
	})

	t.Run("missing vasprun", func(t *testing.T) {
		t.Parallel()
		_, err := m.Validate(t.TempDir(), job.TypeSCF)
		if err == nil || !strings.Contains(err.Error(), "missing") {
			t.Errorf("Expected missing-output error, got: %v", err)
		}
	})

	t.Run("truncated vasprun", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		writeVasprun(t, dir, 60, 0, 1, 12, -34.56, true)

		_, err := m.Validate(dir, job.TypeSCF)
		if err == nil || !strings.Contains(err.Error(), "truncated") {
			t.Errorf("Expected truncated-output error, got: %v", err)
		}
	})
}

func TestPrepare(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	m, err := NewManager(root)
	if err != nil {
		t.Fatal(err)
	}

	structure := filepath.Join(t.TempDir(), "mp-149.vasp")
	mustWrite(t, structure, "Si2\n1.0\n")

	spec := &job.Spec{Type: job.TypeRelaxation, StructurePath: structure, Walltime: 6 * time.Hour}
	params := job.Params{
		"ENCUT":            520,
		"EDIFF":            1e-6,
		"LWAVE":            true,
		ParamWalltimeHours: 6.0,
		ParamMemGB:         128.0,
	}

	dir := m.AttemptDir("job-1", 0)
	if err := m.Prepare(spec, dir, params, ""); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	incar := mustRead(t, filepath.Join(dir, "INCAR"))
	if !strings.Contains(incar, "ENCUT = 520") {
		t.Errorf("Expected ENCUT in INCAR, got:\n%s", incar)
	}
	if !strings.Contains(incar, "EDIFF = 1e-06") {
		t.Errorf("Expected EDIFF in INCAR, got:\n%s", incar)
	}
	if !strings.Contains(incar, "LWAVE = .TRUE.") {
		t.Errorf("Expected boolean INCAR syntax, got:\n%s", incar)
	}
	if strings.Contains(incar, ParamWalltimeHours) {
		t.Errorf("Script pseudo-params must not leak into INCAR:\n%s", incar)
	}

	script := mustRead(t, filepath.Join(dir, "job.sh"))
	if !strings.Contains(script, "--time=06:00:00") {
		t.Errorf("Expected walltime in batch script, got:\n%s", script)
	}
	if !strings.Contains(script, "--mem=128G") {
		t.Errorf("Expected memory in batch script, got:\n%s", script)
	}

	if mustRead(t, filepath.Join(dir, "POSCAR")) != "Si2\n1.0\n" {
		t.Error("Expected structure copied to POSCAR")
	}
}

func TestPrepareFromParent(t *testing.T) {
	t.Parallel()
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	parentDir := t.TempDir()
	mustWrite(t, filepath.Join(parentDir, "CONTCAR"), "relaxed cell\n")
	mustWrite(t, filepath.Join(parentDir, "CHGCAR"), "charge density\n")
	// No WAVECAR: parent ran with LWAVE off. Prepare must not fail.

	spec := &job.Spec{Type: job.TypeSCF, ParentID: "parent-1", Walltime: time.Hour}
	dir := m.AttemptDir("job-2", 0)
	if err := m.Prepare(spec, dir, job.Params{}, parentDir); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	if mustRead(t, filepath.Join(dir, "POSCAR")) != "relaxed cell\n" {
		t.Error("Expected parent CONTCAR used as POSCAR")
	}
	if mustRead(t, filepath.Join(dir, "CHGCAR")) != "charge density\n" {
		t.Error("Expected parent CHGCAR copied")
	}
	if _, err := os.Stat(filepath.Join(dir, "WAVECAR")); !os.IsNotExist(err) {
		t.Error("Expected no WAVECAR when parent has none")
	}
}

func TestCollectDiagnostics(t *testing.T) {
	t.Parallel()
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "stderr.log"), "slurmstepd: error: oom-kill event\n")
	mustWrite(t, filepath.Join(dir, "stdout.log"), "running on 64 cores\n")

	diag := m.CollectDiagnostics(dir)
	if !strings.Contains(diag, "oom-kill") || !strings.Contains(diag, "64 cores") {
		t.Errorf("Expected both log tails in diagnostics, got:\n%s", diag)
	}

	if got := m.CollectDiagnostics(t.TempDir()); got != "" {
		t.Errorf("Expected empty diagnostics for empty dir, got %q", got)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func mustRead(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}
