package core

import "fmt"

type PolicyViolationCode string

const (
	ViolationPathForbidden PolicyViolationCode = "path_policy_forbidden"
	ViolationPathTraversal PolicyViolationCode = "path_policy_traversal"
	ViolationPathEmpty     PolicyViolationCode = "path_policy_empty"
	ViolationRepoDenied    PolicyViolationCode = "repo_not_allowed"
	ViolationToolDenied    PolicyViolationCode = "tool_not_allowed"
)

type PolicyViolation struct {
	Code   PolicyViolationCode `json:"code"`
	Path   string              `json:"path,omitempty"`
	Reason string              `json:"reason"`
}

func (v *PolicyViolation) Error() string {
	if v.Path == "" {
		return fmt.Sprintf("%s: %s", v.Code, v.Reason)
	}
	return fmt.Sprintf("%s: %s (%s)", v.Code, v.Path, v.Reason)
}

func (v *PolicyViolation) ErrorKind() Kind {
	return KindForbidden
}
