package deployment

import (
	"encoding/json"
	"fmt"
)

// ServiceDeploymentFailure marks one service failing its deploy or its
// post-deploy health validation. It is contained to the batch it
// occurred in; escalation happens only through the rollbackOnFailure
// policy.
type ServiceDeploymentFailure struct {
	ServiceName string `json:"service_name"`
	Version     string `json:"version"`
	Phase       string `json:"phase"` // "deploy" or "health"
	Err         error  `json:"-"`
}

func (e *ServiceDeploymentFailure) Error() string {
	return fmt.Sprintf("service %s@%s failed during %s: %v", e.ServiceName, e.Version, e.Phase, e.Err)
}

func (e *ServiceDeploymentFailure) Unwrap() error {
	return e.Err
}

// MarshalJSON flattens Err into its message; error values marshal to
// {} otherwise and the failure reason would be lost on the wire.
func (e ServiceDeploymentFailure) MarshalJSON() ([]byte, error) {
	var msg string
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		ServiceName string `json:"service_name"`
		Version     string `json:"version"`
		Phase       string `json:"phase"`
		Error       string `json:"error"`
	}{e.ServiceName, e.Version, e.Phase, msg})
}
