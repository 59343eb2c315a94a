package job

import (
	"strings"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		spec    *Spec
		wantErr bool
		errMsg  string
	}{
		{
			name:    "missing type",
			spec:    &Spec{StructurePath: "POSCAR"},
			wantErr: true,
			errMsg:  "job type is required",
		},
		{
			name:    "unknown type",
			spec:    &Spec{Type: "dos", StructurePath: "POSCAR"},
			wantErr: true,
			errMsg:  "unknown job type",
		},
		{
			name:    "no structure and no parent",
			spec:    &Spec{Type: TypeRelaxation},
			wantErr: true,
			errMsg:  "either structurePath or parentId is required",
		},
		{
			name:    "nscf without parent",
			spec:    &Spec{Type: TypeNSCF, StructurePath: "POSCAR"},
			wantErr: true,
			errMsg:  "nscf requires a parent job id",
		},
		{
			name: "valid relaxation",
			spec: &Spec{Type: TypeRelaxation, StructurePath: "structures/mp-149.vasp"},
		},
		{
			name: "valid scf from parent",
			spec: &Spec{Type: TypeSCF, ParentID: "9b2f"},
		},
		{
			name:    "attempts over cap",
			spec:    &Spec{Type: TypeSCF, StructurePath: "POSCAR", MaxAttempts: 11},
			wantErr: true,
			errMsg:  "maxAttempts exceeds maximum",
		},
		{
			name:    "walltime over cap",
			spec:    &Spec{Type: TypeSCF, StructurePath: "POSCAR", Walltime: 8 * 24 * time.Hour},
			wantErr: true,
			errMsg:  "walltime exceeds maximum",
		},
		{
			name:    "bad callback scheme",
			spec:    &Spec{Type: TypeSCF, StructurePath: "POSCAR", Callback: &Callback{URL: "ftp://example.com"}},
			wantErr: true,
			errMsg:  "scheme must be http or https",
		},
		{
			name: "valid callback",
			spec: &Spec{Type: TypeSCF, StructurePath: "POSCAR", Callback: &Callback{URL: "https://planner.internal/events"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error containing %q", tt.errMsg)
				} else if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("Expected error containing %q, got %q", tt.errMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	defaults := map[Type]Params{
		TypeSCF: {"EDIFF": 1e-6, "NELM": 100, "ISMEAR": -5},
	}

	spec := &Spec{
		Type:   TypeSCF,
		Params: Params{"NELM": 200, "ENCUT": 520},
	}
	ApplyDefaults(spec, defaults)

	if spec.MaxAttempts != defaultAttempts {
		t.Errorf("Expected default maxAttempts %d, got %d", defaultAttempts, spec.MaxAttempts)
	}
	if spec.Walltime != defaultWalltime {
		t.Errorf("Expected default walltime %s, got %s", defaultWalltime, spec.Walltime)
	}
	// User override wins over the type default.
	if got := spec.Params["NELM"]; got != 200 {
		t.Errorf("Expected NELM=200 preserved, got %v", got)
	}
	// Type default fills the gap.
	if got := spec.Params["ISMEAR"]; got != -5 {
		t.Errorf("Expected ISMEAR=-5 from defaults, got %v", got)
	}
	// User-only setting survives.
	if got := spec.Params["ENCUT"]; got != 520 {
		t.Errorf("Expected ENCUT=520 preserved, got %v", got)
	}
}

func TestMergeDoesNotMutate(t *testing.T) {
	t.Parallel()

	base := Params{"AMIX": 0.4, "NELM": 60}
	delta := Params{"AMIX": 0.2}
	merged := Merge(base, delta)

	if base["AMIX"] != 0.4 {
		t.Errorf("Merge mutated base: AMIX=%v", base["AMIX"])
	}
	if merged["AMIX"] != 0.2 || merged["NELM"] != 60 {
		t.Errorf("Unexpected merge result: %v", merged)
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	terminal := []Status{StatusSucceeded, StatusFailedTerminal, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	live := []Status{StatusPending, StatusSubmitted, StatusRunning, StatusFailedRecoverable}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
