// Package firecracker launches each interpreter group's worker inside its own
// Firecracker microVM. The worker runs as init and is reached over the vsock
// UDS bridge.
package firecracker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/seantiz/interplex/internal/launcher"
	"github.com/seantiz/interplex/internal/model"
	"github.com/seantiz/interplex/internal/recovery"
)

// Name is the launcher name recorded in recovery entries.
const Name = "firecracker"

const (
	vsockDeviceID = "vsock0"
	rootfsDriveID = "rootfs"

	stopTimeout = 3 * time.Second
)

type vm struct {
	id        string
	machine   *fcsdk.Machine
	cid       uint32
	dir       string
	endpoint  launcher.Endpoint
	started   bool
	netAttach bool
	// exited is closed when the VMM process exits. Nil until the VM starts.
	exited chan struct{}
}

func (v *vm) alive() bool {
	if v.exited == nil {
		return true
	}
	select {
	case <-v.exited:
		return false
	default:
		return true
	}
}

// Launcher starts one microVM per interpreter group.
type Launcher struct {
	cfg    Config
	net    *Network
	logger *slog.Logger

	// inflight collapses concurrent launches of one group. mu is never held
	// across a boot, so other groups launch and stop independently.
	inflight singleflight.Group

	mu      sync.Mutex
	vms     map[string]*vm // groupID -> vm
	booting int

	cidMu    sync.Mutex
	cidNext  uint32
	cidInUse map[uint32]bool
}

// New creates a Firecracker launcher.
func New(cfg Config, logger *slog.Logger) (*Launcher, error) {
	if cfg.CIDBase < MinCID {
		cfg.CIDBase = MinCID
	}
	if cfg.MaxVMs <= 0 {
		cfg.MaxVMs = MaxVMs
	}
	network, err := NewNetwork(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create network: %w", err)
	}
	return &Launcher{
		cfg:      cfg,
		net:      network,
		logger:   logger,
		vms:      make(map[string]*vm),
		cidNext:  cfg.CIDBase,
		cidInUse: make(map[uint32]bool),
	}, nil
}

// Name implements launcher.Launcher.
func (l *Launcher) Name() string { return Name }

// Verify checks the host prerequisites for booting VMs.
func (l *Launcher) Verify() error {
	if err := l.cfg.Validate(); err != nil {
		return err
	}
	return l.net.Verify()
}

// Network returns the bridge network shared by all VMs.
func (l *Launcher) Network() *Network { return l.net }

// Launch implements launcher.Launcher.
func (l *Launcher) Launch(ctx context.Context, req launcher.Request) (launcher.Endpoint, error) {
	ep, err, _ := l.inflight.Do(req.GroupID, func() (any, error) {
		return l.launch(ctx, req)
	})
	if err != nil {
		return launcher.Endpoint{}, err
	}
	return ep.(launcher.Endpoint), nil
}

func (l *Launcher) launch(ctx context.Context, req launcher.Request) (launcher.Endpoint, error) {
	l.mu.Lock()
	v, ok := l.vms[req.GroupID]
	if ok && v.alive() {
		l.mu.Unlock()
		launcher.ObserveLaunch(Name, launcher.OutcomeReused, 0)
		return v.endpoint, nil
	}
	if ok {
		delete(l.vms, req.GroupID)
	}
	if n := len(l.vms) + l.booting; n >= l.cfg.MaxVMs {
		l.mu.Unlock()
		launcher.ObserveLaunch(Name, launcher.OutcomeFailed, 0)
		return launcher.Endpoint{}, fmt.Errorf("%w %s: %d VMs already running", launcher.ErrLaunch, req.GroupID, n)
	}
	l.booting++
	l.mu.Unlock()

	if ok {
		l.logger.Warn("worker VM exited, relaunching", "group_id", req.GroupID, "vm_id", v.id)
		l.cleanup(v)
	}

	start := time.Now()
	v, err := l.boot(ctx, req)

	l.mu.Lock()
	l.booting--
	if err == nil {
		l.vms[req.GroupID] = v
	}
	l.mu.Unlock()

	if err != nil {
		launcher.ObserveLaunch(Name, launcher.OutcomeFailed, 0)
		return launcher.Endpoint{}, fmt.Errorf("%w %s: %w", launcher.ErrLaunch, req.GroupID, err)
	}
	vmBootDuration.Observe(time.Since(start).Seconds())
	launcher.ObserveLaunch(Name, launcher.OutcomeStarted, time.Since(start).Seconds())

	l.logger.Info("worker VM started",
		"group_id", req.GroupID,
		"vm_id", v.id,
		"cid", v.cid,
		"endpoint", v.endpoint.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return v.endpoint, nil
}

func (l *Launcher) boot(ctx context.Context, req launcher.Request) (*vm, error) {
	v := &vm{id: strings.ToLower(model.NewID())}

	cid, err := l.allocateCID()
	if err != nil {
		return nil, err
	}
	v.cid = cid

	ok := false
	defer func() {
		if !ok {
			l.cleanup(v)
		}
	}()

	if v.dir, err = os.MkdirTemp("", "interplex-vm-"+v.id+"-"); err != nil {
		return nil, fmt.Errorf("create vm dir: %w", err)
	}
	rootfs := filepath.Join(v.dir, "rootfs.ext4")
	if err := copyRootfs(l.cfg.RootfsPath, rootfs); err != nil {
		return nil, err
	}

	att, err := l.net.Attach(ctx, v.id)
	if err != nil {
		return nil, err
	}
	v.netAttach = true

	socketPath := filepath.Join(v.dir, "fc.sock")
	vsockPath := filepath.Join(v.dir, "vsock.sock")
	fcCfg := fcsdk.Config{
		SocketPath:      socketPath,
		KernelImagePath: l.cfg.KernelPath,
		KernelArgs:      l.cfg.BootArgs(req.GroupID),
		Drives: []models.Drive{{
			DriveID:      fcsdk.String(rootfsDriveID),
			PathOnHost:   fcsdk.String(rootfs),
			IsRootDevice: fcsdk.Bool(true),
			IsReadOnly:   fcsdk.Bool(false),
		}},
		NetworkInterfaces: fcsdk.NetworkInterfaces{{
			StaticConfiguration: &fcsdk.StaticNetworkConfiguration{
				MacAddress:  att.MACAddress,
				HostDevName: att.TAPDevice,
			},
		}},
		VsockDevices: []fcsdk.VsockDevice{{ID: vsockDeviceID, Path: vsockPath, CID: cid}},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(int64(l.cfg.VCPUs)),
			MemSizeMib: fcsdk.Int64(int64(l.cfg.MemMB)),
			Smt:        fcsdk.Bool(false),
		},
		NetNS: att.NamespacePath,
		VMID:  v.id,
	}

	// The SDK logs through logrus; its output is dropped in favour of slog.
	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	// The VM outlives the launch request, so its process is not bound to ctx.
	vmCtx := context.Background()
	cmd := fcsdk.VMCommandBuilder{}.
		WithBin(l.cfg.FirecrackerBin).
		WithSocketPath(socketPath).
		Build(vmCtx)
	if v.machine, err = fcsdk.NewMachine(vmCtx, fcCfg,
		fcsdk.WithLogger(logrus.NewEntry(fcLogger)),
		fcsdk.WithProcessRunner(cmd),
	); err != nil {
		return nil, fmt.Errorf("create machine: %w", err)
	}
	if err := v.machine.Start(vmCtx); err != nil {
		return nil, fmt.Errorf("start VM: %w", err)
	}
	v.started = true
	activeVMs.Inc()
	v.exited = make(chan struct{})
	go func() {
		_ = v.machine.Wait(context.Background())
		close(v.exited)
	}()

	v.endpoint = launcher.Endpoint{
		Host:      att.GuestIP.String(),
		Transport: recovery.TransportVsock,
		VsockPath: vsockPath,
		VsockPort: l.cfg.VsockPort,
		Launcher:  Name,
	}

	timeout := req.ConnectTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	if err := launcher.WaitReady(ctx, v.endpoint.Dialer(), timeout); err != nil {
		return nil, err
	}
	ok = true
	return v, nil
}

// Stop implements launcher.Launcher.
func (l *Launcher) Stop(_ context.Context, groupID string) error {
	l.mu.Lock()
	v, ok := l.vms[groupID]
	delete(l.vms, groupID)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	l.cleanup(v)
	l.logger.Info("worker VM stopped", "group_id", groupID, "vm_id", v.id)
	return nil
}

// StopAll stops every VM and detaches any remaining network state.
func (l *Launcher) StopAll(ctx context.Context) {
	l.mu.Lock()
	ids := make([]string, 0, len(l.vms))
	for id := range l.vms {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	for _, id := range ids {
		_ = l.Stop(ctx, id)
	}
	l.net.DetachAll(ctx)
}

// cleanup stops the VM and releases its CID, network and files. It uses its
// own contexts so it completes after the caller's context is done.
func (l *Launcher) cleanup(v *vm) {
	start := time.Now()

	if v.machine != nil && v.started {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := v.machine.Shutdown(ctx); err != nil {
			l.logger.Debug("graceful VM shutdown failed, forcing stop", "vm_id", v.id, "error", err)
			if err := v.machine.StopVMM(); err != nil {
				l.logger.Debug("StopVMM failed", "vm_id", v.id, "error", err)
			}
		}
		cancel()

		waitCtx, waitCancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := v.machine.Wait(waitCtx); err != nil {
			l.logger.Debug("wait for VM exit", "vm_id", v.id, "error", err)
		}
		waitCancel()
		activeVMs.Dec()
	}

	l.releaseCID(v.cid)

	if v.netAttach {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := l.net.Detach(ctx, v.id); err != nil {
			l.logger.Warn("network detach failed", "vm_id", v.id, "error", err)
		}
		cancel()
	}
	if v.dir != "" {
		os.RemoveAll(v.dir)
	}

	vmCleanupDuration.Observe(time.Since(start).Seconds())
}

func (l *Launcher) allocateCID() (uint32, error) {
	l.cidMu.Lock()
	defer l.cidMu.Unlock()

	span := uint32(l.cfg.MaxVMs + 10)
	for i := range span {
		candidate := max(l.cidNext+i, MinCID)
		if !l.cidInUse[candidate] {
			l.cidInUse[candidate] = true
			l.cidNext = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no free vsock CID (%d in use)", len(l.cidInUse))
}

func (l *Launcher) releaseCID(cid uint32) {
	l.cidMu.Lock()
	defer l.cidMu.Unlock()
	delete(l.cidInUse, cid)
}

// copyRootfs copies the image with reflink when the filesystem supports it.
func copyRootfs(src, dst string) error {
	if out, err := exec.Command("cp", "--reflink=auto", src, dst).CombinedOutput(); err != nil {
		return fmt.Errorf("copy rootfs %s: %s: %w", src, strings.TrimSpace(string(out)), err)
	}
	return nil
}
