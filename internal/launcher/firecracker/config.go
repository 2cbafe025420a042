package firecracker

import (
	"fmt"
	"strings"

	"github.com/seantiz/interplex/internal/config"
)

// Defaults for values not set in configuration.
const (
	// DefaultVsockPort is the port the worker listens on inside the microVM.
	DefaultVsockPort uint32 = 1024

	// MinCID is the lowest usable vsock context ID; 0-2 are reserved.
	MinCID uint32 = 3

	DefaultVCPUs = 1
	DefaultMemMB = 512

	// MaxVMs bounds the number of concurrently running worker VMs.
	MaxVMs = 32
)

// GuestWorkerPath is the worker binary inside the rootfs image. The kernel
// runs it as init.
const GuestWorkerPath = "/usr/local/bin/interplex-worker"

// Config holds settings for the Firecracker launcher.
type Config struct {
	KernelPath     string
	RootfsPath     string
	FirecrackerBin string
	CNIConfigDir   string
	CNIBinDir      string
	CNINetwork     string
	VsockPort      uint32
	CIDBase        uint32
	VCPUs          int
	MemMB          int
	MaxVMs         int

	// CoordinatorURL is passed to workers for remote resource lookups. It
	// must be reachable from the bridge subnet.
	CoordinatorURL string
}

// ConfigFrom builds a launcher config from the service configuration,
// filling defaults.
func ConfigFrom(c config.Config, coordinatorURL string) Config {
	fc := c.Firecracker
	cfg := Config{
		KernelPath:     fc.KernelPath,
		RootfsPath:     fc.RootfsPath,
		FirecrackerBin: fc.Bin,
		CNIConfigDir:   fc.CNIConfigDir,
		CNIBinDir:      fc.CNIBinDir,
		CNINetwork:     fc.CNINetwork,
		VsockPort:      fc.VsockPort,
		CIDBase:        MinCID,
		VCPUs:          fc.VCPUs,
		MemMB:          fc.MemMB,
		MaxVMs:         MaxVMs,
		CoordinatorURL: coordinatorURL,
	}
	if cfg.VsockPort == 0 {
		cfg.VsockPort = DefaultVsockPort
	}
	if cfg.VCPUs <= 0 {
		cfg.VCPUs = DefaultVCPUs
	}
	if cfg.MemMB <= 0 {
		cfg.MemMB = DefaultMemMB
	}
	if cfg.CNINetwork == "" {
		cfg.CNINetwork = DefaultNetworkName
	}
	return cfg
}

// Validate reports missing paths needed to boot a VM.
func (c Config) Validate() error {
	var missing []string
	if c.KernelPath == "" {
		missing = append(missing, "kernel_path")
	}
	if c.RootfsPath == "" {
		missing = append(missing, "rootfs_path")
	}
	if c.FirecrackerBin == "" {
		missing = append(missing, "bin")
	}
	if c.CNIBinDir == "" {
		missing = append(missing, "cni_bin_dir")
	}
	if len(missing) > 0 {
		return fmt.Errorf("firecracker config: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// BootArgs returns the kernel command line that starts the worker as init
// for groupID. Arguments after "--" are passed to init.
func (c Config) BootArgs(groupID string) string {
	args := fmt.Sprintf("console=ttyS0 reboot=k panic=1 pci=off init=%s -- --vsock-port %d --group %s",
		GuestWorkerPath, c.VsockPort, groupID)
	if c.CoordinatorURL != "" {
		args += " --coordinator " + c.CoordinatorURL
	}
	return args
}
