package deployment

import (
	"context"
)

// Scope identifies the project/environment a service belongs to.
type Scope struct {
	ProjectPath string
	Environment string
}

// ServiceSpec is what the coordinator asks a Deployer to run.
type ServiceSpec struct {
	Scope
	Name    string
	Version string

	// Image overrides the default image reference (name:version).
	Image string
}

// ServiceInstance is the running result of a deploy. InstanceID is the
// deployer's own handle (a container id for the Docker deployer);
// Endpoint is the instance health endpoint, empty when the service
// exposes none.
type ServiceInstance struct {
	Name       string
	Version    string
	InstanceID string
	Endpoint   string
}

// Deployer is the external collaborator that physically starts, stops
// and swaps service instances. The coordinator owns sequencing and
// error propagation only.
type Deployer interface {
	// Deploy creates and starts an instance at the requested version.
	Deploy(ctx context.Context, spec ServiceSpec) (*ServiceInstance, error)

	// Stop halts the currently running instance of the service.
	Stop(ctx context.Context, scope Scope, serviceName string) error

	// SetVersion points the service's code/version reference at the
	// given version without starting it.
	SetVersion(ctx context.Context, scope Scope, serviceName, version string) error

	// RestoreConfig puts backed-up configuration files back in place
	// for the service.
	RestoreConfig(ctx context.Context, scope Scope, serviceName string, files map[string][]byte) error

	// Start launches the service at whatever version its reference
	// currently points to.
	Start(ctx context.Context, scope Scope, serviceName string) (*ServiceInstance, error)

	// Running reports whether the instance process is alive.
	Running(ctx context.Context, inst *ServiceInstance) (bool, error)

	// ExportConfig returns the service's current configuration files,
	// keyed by file name.
	ExportConfig(ctx context.Context, scope Scope, serviceName string) (map[string][]byte, error)

	// ExportState returns recent state/log files for the service.
	ExportState(ctx context.Context, scope Scope, serviceName string) (map[string][]byte, error)
}
