package scheduler

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// SlurmClient drives a SLURM cluster through its command line tools.
// Submission uses sbatch --parsable, live runs are tracked with squeue
// and finished ones with sacct.
type SlurmClient struct{}

func NewSlurmClient() *SlurmClient { return &SlurmClient{} }

func (c *SlurmClient) Name() string { return "slurm" }

func (c *SlurmClient) Submit(ctx context.Context, dir string) (string, error) {
	out, err := exec.CommandContext(ctx, "sbatch", "--parsable", "--chdir", dir, "job.sh").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("sbatch failed: %s", commandError(out, err))
	}
	id := parseSbatchID(string(out))
	if id == "" {
		return "", fmt.Errorf("sbatch returned no job id: %q", strings.TrimSpace(string(out)))
	}
	return id, nil
}

func (c *SlurmClient) Poll(ctx context.Context, id string) (RunInfo, error) {
	// squeue covers runs still in the queue. An empty answer means the
	// run finished and moved to accounting.
	out, err := exec.CommandContext(ctx, "squeue", "-h", "-j", id, "-o", "%T").Output()
	if err == nil {
		if state := strings.TrimSpace(string(out)); state != "" {
			return mapSlurmState(state), nil
		}
	}

	out, err = exec.CommandContext(ctx, "sacct", "-n", "-X", "-j", id, "-o", "State", "--parsable2").Output()
	if err != nil {
		return RunInfo{}, fmt.Errorf("sacct failed for job %s: %s", id, commandError(out, err))
	}
	state := strings.TrimSpace(strings.Split(string(out), "\n")[0])
	if state == "" {
		return RunInfo{State: StateUnknown, Reason: "job not known to squeue or sacct"}, nil
	}
	return mapSlurmState(state), nil
}

func (c *SlurmClient) Cancel(ctx context.Context, id string) error {
	out, err := exec.CommandContext(ctx, "scancel", id).CombinedOutput()
	if err != nil {
		return fmt.Errorf("scancel failed for job %s: %s", id, commandError(out, err))
	}
	return nil
}

func (c *SlurmClient) Ready(ctx context.Context) error {
	if err := exec.CommandContext(ctx, "squeue", "--version").Run(); err != nil {
		return fmt.Errorf("scheduler unreachable: %w", err)
	}
	return nil
}

// parseSbatchID extracts the numeric id from sbatch --parsable output,
// which is "<id>" or "<id>;<cluster>" on federated clusters.
func parseSbatchID(out string) string {
	id := strings.TrimSpace(out)
	if i := strings.IndexByte(id, ';'); i >= 0 {
		id = id[:i]
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return id
}

// mapSlurmState folds SLURM's state vocabulary into RunInfo. Kill
// reasons are rewritten into the phrasing the failure rules match on.
func mapSlurmState(raw string) RunInfo {
	// sacct may append a suffix such as "CANCELLED by 1234".
	state := strings.ToUpper(strings.Fields(raw)[0])

	switch state {
	case "PENDING", "CONFIGURING", "REQUEUED", "SUSPENDED":
		return RunInfo{State: StateQueued}
	case "RUNNING", "COMPLETING", "STAGE_OUT":
		return RunInfo{State: StateRunning}
	case "COMPLETED":
		return RunInfo{State: StateSucceeded}
	case "TIMEOUT":
		return RunInfo{State: StateFailed, Reason: "job killed: walltime exceeded (TIMEOUT)"}
	case "OUT_OF_MEMORY":
		return RunInfo{State: StateFailed, Reason: "job killed: out of memory (OUT_OF_MEMORY)"}
	case "FAILED", "NODE_FAIL", "BOOT_FAIL", "DEADLINE", "PREEMPTED", "CANCELLED":
		return RunInfo{State: StateFailed, Reason: fmt.Sprintf("job ended in state %s", raw)}
	default:
		return RunInfo{State: StateUnknown, Reason: fmt.Sprintf("unrecognized scheduler state %q", raw)}
	}
}

func commandError(out []byte, err error) string {
	msg := strings.TrimSpace(string(out))
	if msg == "" {
		return err.Error()
	}
	return msg
}
