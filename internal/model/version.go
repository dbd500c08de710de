package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ChangeType selects which semver segment a new flow version bumps.
type ChangeType string

const (
	ChangeMajor ChangeType = "major"
	ChangeMinor ChangeType = "minor"
	ChangePatch ChangeType = "patch"
)

// Environment tags where a version is meant to run.
type Environment string

const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// VersionStatus is the lifecycle of a flow version snapshot.
type VersionStatus string

const (
	VersionDraft    VersionStatus = "draft"
	VersionApproved VersionStatus = "approved"
	VersionDeployed VersionStatus = "deployed"
	VersionRetired  VersionStatus = "retired"
)

// FlowVersion is an immutable snapshot of a flow definition with a semantic
// version. Deploying a version replaces the flow's active definition;
// rollback re-deploys the previous deployed snapshot.
type FlowVersion struct {
	ID                string        `json:"id"`
	FlowID            string        `json:"flowId"`
	Version           string        `json:"version"` // MAJOR.MINOR.PATCH
	ChangeType        ChangeType    `json:"changeType"`
	ChangeDescription string        `json:"changeDescription,omitempty"`
	Environment       Environment   `json:"environment"`
	Status            VersionStatus `json:"status"`
	Definition        Flow          `json:"definition"`
	CreatedBy         string        `json:"createdBy,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	ApprovedAt        *time.Time    `json:"approvedAt,omitempty"`
	DeployedAt        *time.Time    `json:"deployedAt,omitempty"`
}

// BumpVersion advances a MAJOR.MINOR.PATCH string by the given change type.
// An empty current version starts from 0.0.0, so the first patch is 0.0.1.
func BumpVersion(current string, change ChangeType) (string, error) {
	major, minor, patch := 0, 0, 0
	if current != "" {
		parts := strings.Split(current, ".")
		if len(parts) != 3 {
			return "", fmt.Errorf("malformed version %q", current)
		}
		var err error
		if major, err = strconv.Atoi(parts[0]); err != nil {
			return "", fmt.Errorf("malformed version %q", current)
		}
		if minor, err = strconv.Atoi(parts[1]); err != nil {
			return "", fmt.Errorf("malformed version %q", current)
		}
		if patch, err = strconv.Atoi(parts[2]); err != nil {
			return "", fmt.Errorf("malformed version %q", current)
		}
	}

	switch change {
	case ChangeMajor:
		major, minor, patch = major+1, 0, 0
	case ChangeMinor:
		minor, patch = minor+1, 0
	case ChangePatch:
		patch++
	default:
		return "", fmt.Errorf("unknown change type %q", change)
	}
	return fmt.Sprintf("%d.%d.%d", major, minor, patch), nil
}
