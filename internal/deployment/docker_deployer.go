package deployment

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"release-coordinator/internal/security"
	"release-coordinator/pkg/docker"
	"release-coordinator/pkg/logger"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
)

const (
	healthPort     = "8080/tcp"
	configDir      = "/app/config"
	managedLabel   = "coordinator.managed"
	serviceLabel   = "coordinator.service"
	versionLabel   = "coordinator.version"
	projectLabel   = "coordinator.project"
	envLabel       = "coordinator.environment"
	stopTimeoutSec = 30
)

// DockerDeployer runs each service as a labelled container. One
// container per service per project/environment; a deploy replaces the
// previous container for the same name.
type DockerDeployer struct {
	client  *docker.Client
	profile security.ContainerProfile
}

func NewDockerDeployer(client *docker.Client, profile security.ContainerProfile) *DockerDeployer {
	return &DockerDeployer{client: client, profile: profile}
}

func containerName(scope Scope, serviceName string) string {
	project := strings.ReplaceAll(strings.Trim(scope.ProjectPath, "/"), "/", "-")
	return fmt.Sprintf("rc-%s-%s-%s", project, scope.Environment, serviceName)
}

func (d *DockerDeployer) Deploy(ctx context.Context, spec ServiceSpec) (*ServiceInstance, error) {
	if err := d.createContainer(ctx, spec); err != nil {
		return nil, err
	}
	return d.Start(ctx, spec.Scope, spec.Name)
}

func (d *DockerDeployer) Stop(ctx context.Context, scope Scope, serviceName string) error {
	name := containerName(scope, serviceName)
	timeout := stopTimeoutSec

	err := d.client.Raw().ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", name, err)
	}

	logger.Info("stopped service container", logger.String("container", name))
	return nil
}

// SetVersion replaces the service's container with one created from the
// target version image, left stopped for Start to launch.
func (d *DockerDeployer) SetVersion(ctx context.Context, scope Scope, serviceName, version string) error {
	return d.createContainer(ctx, ServiceSpec{
		Scope:   scope,
		Name:    serviceName,
		Version: version,
	})
}

func (d *DockerDeployer) RestoreConfig(ctx context.Context, scope Scope, serviceName string, files map[string][]byte) error {
	if len(files) == 0 {
		return nil
	}

	name := containerName(scope, serviceName)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for fname, data := range files {
		hdr := &tar.Header{
			Name:    strings.TrimPrefix(configDir, "/") + "/" + fname,
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write tar header for %s: %w", fname, err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("failed to write tar data for %s: %w", fname, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to close config archive: %w", err)
	}

	err := d.client.Raw().CopyToContainer(ctx, name, "/", &buf, container.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("failed to restore config into %s: %w", name, err)
	}

	return nil
}

func (d *DockerDeployer) Start(ctx context.Context, scope Scope, serviceName string) (*ServiceInstance, error) {
	name := containerName(scope, serviceName)

	if err := d.client.Raw().ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container %s: %w", name, err)
	}

	inspect, err := d.client.InspectContainer(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	inst := &ServiceInstance{
		Name:       serviceName,
		Version:    inspect.Config.Labels[versionLabel],
		InstanceID: inspect.ID,
	}

	if bindings, ok := inspect.NetworkSettings.Ports[nat.Port(healthPort)]; ok && len(bindings) > 0 {
		inst.Endpoint = fmt.Sprintf("http://127.0.0.1:%s/health", bindings[0].HostPort)
	}

	logger.Info("started service container",
		logger.String("container", name),
		logger.String("version", inst.Version))
	return inst, nil
}

func (d *DockerDeployer) Running(ctx context.Context, inst *ServiceInstance) (bool, error) {
	return d.client.IsContainerRunning(ctx, inst.InstanceID)
}

func (d *DockerDeployer) ExportConfig(ctx context.Context, scope Scope, serviceName string) (map[string][]byte, error) {
	name := containerName(scope, serviceName)

	inspect, err := d.client.InspectContainer(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	env, err := json.MarshalIndent(inspect.Config.Env, "", "  ")
	if err != nil {
		return nil, err
	}
	labels, err := json.MarshalIndent(inspect.Config.Labels, "", "  ")
	if err != nil {
		return nil, err
	}

	return map[string][]byte{
		fmt.Sprintf("%s-env.json", serviceName):    env,
		fmt.Sprintf("%s-labels.json", serviceName): labels,
	}, nil
}

func (d *DockerDeployer) ExportState(ctx context.Context, scope Scope, serviceName string) (map[string][]byte, error) {
	name := containerName(scope, serviceName)

	logs, err := d.client.Raw().ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "500",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read logs for %s: %w", name, err)
	}
	defer logs.Close()

	data, err := io.ReadAll(logs)
	if err != nil {
		return nil, fmt.Errorf("failed to drain logs for %s: %w", name, err)
	}

	return map[string][]byte{
		fmt.Sprintf("%s.log", serviceName): data,
	}, nil
}

// createContainer pulls the image and creates a stopped container for
// the service, removing any previous container with the same name.
func (d *DockerDeployer) createContainer(ctx context.Context, spec ServiceSpec) error {
	cli := d.client.Raw()
	name := containerName(spec.Scope, spec.Name)

	imageRef := spec.Image
	if imageRef == "" {
		imageRef = fmt.Sprintf("%s:%s", spec.Name, spec.Version)
	}

	if err := d.ensureNetwork(ctx); err != nil {
		return err
	}

	// Replace any previous container for this service.
	if err := cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove previous container %s: %w", name, err)
	}

	pull, err := cli.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}
	io.Copy(io.Discard, pull)
	pull.Close()

	securityOpt, err := d.profile.SecurityOpt()
	if err != nil {
		return err
	}

	port := nat.Port(healthPort)
	pidsLimit := d.profile.PidsLimit

	containerConfig := &container.Config{
		Image: imageRef,
		ExposedPorts: nat.PortSet{
			port: struct{}{},
		},
		Labels: map[string]string{
			managedLabel: "true",
			serviceLabel: spec.Name,
			versionLabel: spec.Version,
			projectLabel: spec.ProjectPath,
			envLabel:     spec.Environment,
		},
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(d.profile.NetworkName),
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: ""},
			},
		},
		Resources: container.Resources{
			CPUQuota:  d.profile.CPUQuota,
			CPUPeriod: 100000,
			Memory:    d.profile.MemoryLimit,
			PidsLimit: &pidsLimit,
			Ulimits:   d.profile.Ulimits,
		},
		SecurityOpt:    securityOpt,
		ReadonlyRootfs: d.profile.ReadOnlyRoot,
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{"CHOWN", "DAC_OVERRIDE", "SETGID", "SETUID", "NET_BIND_SERVICE"},
	}

	if _, err := cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name); err != nil {
		return fmt.Errorf("failed to create container %s: %w", name, err)
	}

	return nil
}

func (d *DockerDeployer) ensureNetwork(ctx context.Context) error {
	cli := d.client.Raw()

	networks, err := cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}

	for _, net := range networks {
		if net.Name == d.profile.NetworkName {
			return nil
		}
	}

	_, err = cli.NetworkCreate(ctx, d.profile.NetworkName, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{
			managedLabel: "true",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create network: %w", err)
	}

	logger.Info("created deployment network", logger.String("network", d.profile.NetworkName))
	return nil
}
