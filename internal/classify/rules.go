package classify

func f(v float64) *float64 { return &v }

// DefaultRules is the built-in signature table, ordered by priority.
// Scheduler-level failures (walltime, memory) are checked before
// solver-level ones so a killed run is not mistaken for non-convergence.
// Operators can replace the table via the engine settings file.
func DefaultRules() []RuleConfig {
	return []RuleConfig{
		{
			Name:        "walltime-exceeded",
			Pattern:     `(?i)DUE TO TIME LIMIT|walltime exceeded|job step timed out`,
			Category:    string(CategoryWalltime),
			Correctable: true,
			Adjust: []Adjustment{
				// WALLTIME_HOURS is consumed by the batch script, not the solver.
				{Param: "WALLTIME_HOURS", Op: "scale", Factor: 1.5, Base: f(24), Ceil: f(168)},
			},
		},
		{
			Name:        "out-of-memory",
			Pattern:     `(?i)out[ -]of[ -]memory|oom-kill|insufficient virtual memory|std::bad_alloc`,
			Category:    string(CategoryMemory),
			Correctable: true,
			Adjust: []Adjustment{
				{Param: "MEM_GB", Op: "scale", Factor: 2, Base: f(64), Ceil: f(512)},
				{Param: "NCORE", Op: "set", Value: 4},
			},
		},
		{
			Name:        "plane-wave-cutoff",
			Pattern:     `(?i)plane[ -]wave (cutoff|coefficients)|ENCUT is (too low|lower than)|basis set.*inconsisten`,
			Category:    string(CategoryBasisSet),
			Correctable: true,
			Adjust: []Adjustment{
				{Param: "ENCUT", Op: "scale", Factor: 1.25, Base: f(520), Ceil: f(900)},
			},
		},
		{
			Name:        "electronic-nonconvergence",
			Pattern:     `(?i)electronic (self-consistency|minimi[sz]ation).{0,20}not (achieved|converged)|EDIFF (was )?not reached|NELM .*electronic steps`,
			Category:    string(CategoryElectronicNonConv),
			Correctable: true,
			Adjust: []Adjustment{
				{Param: "AMIX", Op: "scale", Factor: 0.5, Base: f(0.4), Floor: f(0.02)},
				{Param: "NELM", Op: "scale", Factor: 2, Base: f(60), Ceil: f(400)},
			},
		},
		{
			Name:        "ionic-nonconvergence",
			Pattern:     `(?i)ZBRENT: fatal error|ionic relaxation.{0,20}not converge|NSW .*ionic steps reached`,
			Category:    string(CategoryIonicNonConv),
			Correctable: true,
			Adjust: []Adjustment{
				{Param: "NSW", Op: "scale", Factor: 2, Base: f(100), Ceil: f(500)},
				{Param: "POTIM", Op: "scale", Factor: 0.5, Base: f(0.5), Floor: f(0.05)},
			},
		},
		{
			// Transient scheduler faults retry with identical parameters.
			Name:        "scheduler-transient",
			Pattern:     `(?i)sbatch: error: (slurm_receive_msg|Batch job submission failed: (Socket|Resource temporarily))|connection (refused|reset)|scheduler unreachable`,
			Category:    string(CategorySchedulerFault),
			Correctable: true,
		},
	}
}
