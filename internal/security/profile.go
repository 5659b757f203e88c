package security

import (
	"encoding/json"
	"fmt"

	"release-coordinator/pkg"

	"github.com/docker/go-units"
	"github.com/opencontainers/runtime-spec/specs-go"
)

// ContainerProfile defines the resource and security constraints applied
// to every service container managed by the coordinator.
type ContainerProfile struct {
	CPUQuota    int64
	MemoryLimit int64
	PidsLimit   int64

	NoNewPrivs   bool
	ReadOnlyRoot bool
	NetworkName  string

	// SeccompOpt replaces the built-in seccomp policy when set. It is a
	// preformatted "seccomp=<json>" security option.
	SeccompOpt string

	Ulimits []*units.Ulimit
}

// DefaultContainerProfile returns the baseline profile. Production gets
// the same resource limits but keeps root read-only.
func DefaultContainerProfile(environment string, memoryLimit, cpuQuota int64) ContainerProfile {
	if memoryLimit <= 0 {
		memoryLimit = 1073741824 // 1GB
	}
	if cpuQuota <= 0 {
		cpuQuota = 100000 // 1.0 CPU with a 100ms period
	}

	profile := ContainerProfile{
		CPUQuota:    cpuQuota,
		MemoryLimit: memoryLimit,
		PidsLimit:   512,
		NoNewPrivs:  true,
		NetworkName: "release_coordinator",
		Ulimits: []*units.Ulimit{
			{Name: "nofile", Soft: 1024, Hard: 1024},
			{Name: "nproc", Soft: 512, Hard: 512},
		},
	}

	if environment == "production" {
		profile.ReadOnlyRoot = true
	}

	return profile
}

// SeccompProfile builds a minimal deny-list seccomp policy for service
// containers, serialized for use in a container SecurityOpt entry.
func SeccompProfile() (string, error) {
	profile := specs.LinuxSeccomp{
		DefaultAction: specs.ActAllow,
		Syscalls: []specs.LinuxSyscall{
			{
				Names: []string{
					"mount", "umount2", "reboot", "swapon", "swapoff",
					"init_module", "finit_module", "delete_module",
					"kexec_load", "kexec_file_load", "open_by_handle_at",
				},
				Action: specs.ActErrno,
			},
		},
	}

	data, err := json.Marshal(profile)
	if err != nil {
		return "", fmt.Errorf("failed to marshal seccomp profile: %w", err)
	}

	return fmt.Sprintf("seccomp=%s", data), nil
}

// SeccompProfileFromFile loads a custom seccomp policy from disk and
// validates that it parses before handing it to the container runtime.
func SeccompProfileFromFile(path string) (string, error) {
	data, err := pkg.ReadFile(path)
	if err != nil {
		return "", err
	}

	var profile specs.LinuxSeccomp
	if err := json.Unmarshal(data, &profile); err != nil {
		return "", fmt.Errorf("invalid seccomp profile %s: %w", path, err)
	}

	return fmt.Sprintf("seccomp=%s", data), nil
}

// SecurityOpt returns the docker security options for this profile.
func (p ContainerProfile) SecurityOpt() ([]string, error) {
	opts := []string{"apparmor=docker-default"}

	if p.NoNewPrivs {
		opts = append(opts, "no-new-privileges:true")
	}

	seccomp := p.SeccompOpt
	if seccomp == "" {
		var err error
		seccomp, err = SeccompProfile()
		if err != nil {
			return nil, err
		}
	}
	opts = append(opts, seccomp)

	return opts, nil
}
