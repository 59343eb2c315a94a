package job

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"vaspilot/internal/apperrors"
)

// Validation limits
const (
	maxAttemptsCap  = 10
	maxWalltime     = 7 * 24 * time.Hour
	defaultAttempts = 3
	defaultWalltime = 24 * time.Hour
)

// ApplyDefaults fills unset spec fields and merges per-type parameter
// defaults under the user's overrides. User-specified values always win.
func ApplyDefaults(spec *Spec, typeDefaults map[Type]Params) {
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = defaultAttempts
	}
	if spec.Walltime <= 0 {
		spec.Walltime = defaultWalltime
	}
	if defaults, ok := typeDefaults[spec.Type]; ok {
		spec.Params = Merge(defaults, spec.Params)
	} else if spec.Params == nil {
		spec.Params = Params{}
	}
}

// Validate checks a spec for submission. Does not modify the spec.
func Validate(spec *Spec) error {
	switch spec.Type {
	case TypeRelaxation, TypeSCF, TypeNSCF:
	case "":
		return apperrors.Validation("type", "job type is required")
	default:
		return apperrors.Validation("type", fmt.Sprintf("unknown job type %q", spec.Type))
	}

	// NSCF restarts from a converged charge density; it always needs a parent.
	if spec.Type == TypeNSCF && spec.ParentID == "" {
		return apperrors.Validation("parentId", "nscf requires a parent job id")
	}

	if spec.StructurePath == "" && spec.ParentID == "" {
		return apperrors.Validation("structurePath", "either structurePath or parentId is required")
	}

	if spec.MaxAttempts > maxAttemptsCap {
		return apperrors.Validation("maxAttempts", fmt.Sprintf("maxAttempts exceeds maximum of %d", maxAttemptsCap))
	}

	if spec.Walltime > maxWalltime {
		return apperrors.Validation("walltime", fmt.Sprintf("walltime exceeds maximum of %s", maxWalltime))
	}

	if spec.Callback != nil && spec.Callback.URL != "" {
		if err := validateURL(spec.Callback.URL); err != nil {
			return apperrors.Validation("callback.url", fmt.Sprintf("invalid callback URL: %v", err))
		}
	}

	return nil
}

func validateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
