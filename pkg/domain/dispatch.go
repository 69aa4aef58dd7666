package domain

import "strings"

type DispatchKind string

const (
	DispatchByWorkflow   DispatchKind = "workflow"
	DispatchByVersion    DispatchKind = "workflow_version"
	DispatchByDeployment DispatchKind = "deployment"
	DispatchByModel      DispatchKind = "model"
)

// CreateRunRequest is the wire shape accepted by run creation. Exactly one of
// WorkflowID, WorkflowVersionID, DeploymentID or ModelID selects the variant.
type CreateRunRequest struct {
	WorkflowID                string         `json:"workflow_id,omitempty"`
	WorkflowVersionID         string         `json:"workflow_version_id,omitempty"`
	DeploymentID              string         `json:"deployment_id,omitempty"`
	ModelID                   string         `json:"model_id,omitempty"`
	MachineID                 string         `json:"machine_id,omitempty"`
	Inputs                    map[string]any `json:"inputs,omitempty"`
	Webhook                   string         `json:"webhook,omitempty"`
	WebhookIntermediateStatus bool           `json:"webhook_intermediate_status,omitempty"`
	Origin                    RunOrigin      `json:"origin,omitempty"`
	GPU                       string         `json:"gpu,omitempty"`
	RunTimeoutSeconds         int            `json:"run_timeout_seconds,omitempty"`
}

// DispatchRequest is the normalized create request. Ref holds the id named by Kind.
type DispatchRequest struct {
	Kind                      DispatchKind
	Ref                       string
	MachineID                 string
	Inputs                    map[string]any
	Webhook                   string
	WebhookIntermediateStatus bool
	Origin                    RunOrigin
	GPU                       string
	RunTimeoutSeconds         int
}

func (r CreateRunRequest) Normalize() (DispatchRequest, error) {
	var kinds []DispatchKind
	var ref string
	pick := func(kind DispatchKind, id string) {
		if id = strings.TrimSpace(id); id != "" {
			kinds = append(kinds, kind)
			ref = id
		}
	}
	pick(DispatchByWorkflow, r.WorkflowID)
	pick(DispatchByVersion, r.WorkflowVersionID)
	pick(DispatchByDeployment, r.DeploymentID)
	pick(DispatchByModel, r.ModelID)

	switch len(kinds) {
	case 0:
		return DispatchRequest{}, &ValidationError{Msg: "one of workflow_id, workflow_version_id, deployment_id or model_id is required"}
	case 1:
	default:
		names := make([]string, len(kinds))
		for i, k := range kinds {
			names[i] = string(k)
		}
		return DispatchRequest{}, &ValidationError{Msg: "ambiguous run request: " + strings.Join(names, ", ")}
	}

	origin := r.Origin
	if origin == "" {
		origin = OriginAPI
	}
	if !origin.Valid() {
		return DispatchRequest{}, &ValidationError{Field: "origin", Msg: "unknown origin " + string(origin)}
	}
	if r.RunTimeoutSeconds < 0 {
		return DispatchRequest{}, &ValidationError{Field: "run_timeout_seconds", Msg: "must be positive"}
	}
	return DispatchRequest{
		Kind:                      kinds[0],
		Ref:                       ref,
		MachineID:                 strings.TrimSpace(r.MachineID),
		Inputs:                    r.Inputs,
		Webhook:                   strings.TrimSpace(r.Webhook),
		WebhookIntermediateStatus: r.WebhookIntermediateStatus,
		Origin:                    origin,
		GPU:                       r.GPU,
		RunTimeoutSeconds:         r.RunTimeoutSeconds,
	}, nil
}

// Workflow, WorkflowVersion, Deployment and Model are the catalog records a
// dispatch request resolves through. Only the fields routing needs are kept.
type Workflow struct {
	ID                string `json:"id"`
	Name              string `json:"name,omitempty"`
	UserID            string `json:"user_id,omitempty"`
	OrgID             string `json:"org_id,omitempty"`
	SelectedMachineID string `json:"selected_machine_id,omitempty"`
	Deleted           bool   `json:"deleted,omitempty"`
}

type WorkflowVersion struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	Version    int    `json:"version"`
}

type Deployment struct {
	ID                string `json:"id"`
	WorkflowID        string `json:"workflow_id"`
	WorkflowVersionID string `json:"workflow_version_id"`
	MachineID         string `json:"machine_id"`
	Environment       string `json:"environment,omitempty"`
}

type Model struct {
	ID           string `json:"id"`
	DeploymentID string `json:"deployment_id"`
}

// RunTarget is the resolved destination of a dispatch request.
type RunTarget struct {
	Workflow          Workflow
	WorkflowVersionID string
	DeploymentID      string
	ModelID           string
	Machine           Machine
}
