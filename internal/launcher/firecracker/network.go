package firecracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"
)

// Bridge network defaults.
const (
	DefaultNetworkName = "interplex"
	DefaultBridgeName  = "iplxbr0"
	DefaultSubnet      = "10.170.0.0/24"
	DefaultGateway     = "10.170.0.1"

	CNIVersion  = "1.0.0"
	CNIIfName   = "eth0"
	CNICacheDir = "/var/lib/cni/cache"

	NetNSRunDir = "/var/run/netns"
	NetNSPrefix = "interplex-"
)

var requiredCNIPlugins = []string{"bridge", "host-local", "tc-redirect-tap"}

// Attachment is the network state of one VM after CNI ADD.
type Attachment struct {
	TAPDevice     string
	MACAddress    string
	GuestIP       net.IP
	GatewayIP     net.IP
	NamespacePath string
}

// Network attaches VMs to a CNI bridge, one namespace per VM.
type Network struct {
	name      string
	binDir    string
	configDir string
	cni       *libcni.CNIConfig
	confList  *libcni.NetworkConfigList
	raw       []byte
	logger    *slog.Logger

	mu       sync.Mutex
	attached map[string]string // vmID -> namespace path
}

// NewNetwork builds the conflist for the named bridge network.
func NewNetwork(cfg Config, logger *slog.Logger) (*Network, error) {
	name := cfg.CNINetwork
	if name == "" {
		name = DefaultNetworkName
	}
	raw, err := confList(name)
	if err != nil {
		return nil, err
	}
	list, err := libcni.ConfListFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("parse CNI conflist: %w", err)
	}
	return &Network{
		name:      name,
		binDir:    cfg.CNIBinDir,
		configDir: cfg.CNIConfigDir,
		cni:       libcni.NewCNIConfigWithCacheDir([]string{cfg.CNIBinDir}, CNICacheDir, nil),
		confList:  list,
		raw:       raw,
		logger:    logger,
		attached:  make(map[string]string),
	}, nil
}

func (n *Network) runtimeConf(vmID, nsPath string) *libcni.RuntimeConf {
	return &libcni.RuntimeConf{ContainerID: vmID, NetNS: nsPath, IfName: CNIIfName}
}

// Attach creates a namespace for vmID and runs CNI ADD in it.
func (n *Network) Attach(ctx context.Context, vmID string) (*Attachment, error) {
	nsName := NetNSPrefix + vmID
	nsPath := filepath.Join(NetNSRunDir, nsName)
	if err := createNetNS(nsName); err != nil {
		return nil, err
	}

	rt := n.runtimeConf(vmID, nsPath)
	result, err := n.cni.AddNetworkList(ctx, n.confList, rt)
	if err == nil {
		var att *Attachment
		if att, err = parseResult(result, nsPath); err == nil {
			n.mu.Lock()
			n.attached[vmID] = nsPath
			n.mu.Unlock()
			n.logger.Info("network attached", "vm_id", vmID, "tap", att.TAPDevice, "guest_ip", att.GuestIP.String())
			return att, nil
		}
		if delErr := n.cni.DelNetworkList(ctx, n.confList, rt); delErr != nil {
			n.logger.Debug("CNI DEL after bad result", "vm_id", vmID, "error", delErr)
		}
	}
	if nsErr := deleteNetNS(nsName); nsErr != nil {
		n.logger.Warn("netns cleanup after failed attach", "vm_id", vmID, "error", nsErr)
	}
	return nil, fmt.Errorf("attach %s to %s: %w", vmID, n.name, err)
}

// Detach runs CNI DEL and removes the namespace. Detaching an unknown VM is
// a no-op.
func (n *Network) Detach(ctx context.Context, vmID string) error {
	n.mu.Lock()
	nsPath, ok := n.attached[vmID]
	delete(n.attached, vmID)
	n.mu.Unlock()
	if !ok {
		return nil
	}

	var errs []error
	if err := n.cni.DelNetworkList(ctx, n.confList, n.runtimeConf(vmID, nsPath)); err != nil {
		errs = append(errs, fmt.Errorf("CNI DEL for %s: %w", vmID, err))
	}
	if err := deleteNetNS(NetNSPrefix + vmID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DetachAll detaches every VM still attached.
func (n *Network) DetachAll(ctx context.Context) {
	n.mu.Lock()
	ids := make([]string, 0, len(n.attached))
	for id := range n.attached {
		ids = append(ids, id)
	}
	n.mu.Unlock()
	for _, id := range ids {
		if err := n.Detach(ctx, id); err != nil {
			n.logger.Error("network detach failed", "vm_id", id, "error", err)
		}
	}
}

// Verify checks that the required CNI plugins are installed.
func (n *Network) Verify() error {
	var missing []string
	for _, plugin := range requiredCNIPlugins {
		_, err := os.Stat(filepath.Join(n.binDir, plugin))
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist):
			missing = append(missing, plugin)
		default:
			return fmt.Errorf("stat CNI plugin %s: %w", plugin, err)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing CNI plugins in %s: %s", n.binDir, strings.Join(missing, ", "))
	}
	return nil
}

// WriteConfList writes the conflist into the CNI config directory.
func (n *Network) WriteConfList() error {
	if err := os.MkdirAll(n.configDir, 0o755); err != nil {
		return fmt.Errorf("create CNI config dir: %w", err)
	}
	path := filepath.Join(n.configDir, n.name+".conflist")
	if err := os.WriteFile(path, n.raw, 0o644); err != nil {
		return fmt.Errorf("write conflist: %w", err)
	}
	return nil
}

type confListJSON struct {
	CNIVersion string           `json:"cniVersion"`
	Name       string           `json:"name"`
	Plugins    []map[string]any `json:"plugins"`
}

func confList(name string) ([]byte, error) {
	data, err := json.MarshalIndent(confListJSON{
		CNIVersion: CNIVersion,
		Name:       name,
		Plugins: []map[string]any{
			{
				"type":      "bridge",
				"bridge":    DefaultBridgeName,
				"isGateway": true,
				"ipMasq":    true,
				"ipam": map[string]any{
					"type":    "host-local",
					"subnet":  DefaultSubnet,
					"gateway": DefaultGateway,
				},
			},
			{"type": "tc-redirect-tap"},
		},
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal conflist: %w", err)
	}
	return data, nil
}

// parseResult picks the TAP device created by tc-redirect-tap, which sits in
// the sandbox next to the veth named CNIIfName.
func parseResult(result types.Result, nsPath string) (*Attachment, error) {
	res, err := types100.NewResultFromResult(result)
	if err != nil {
		return nil, fmt.Errorf("convert CNI result: %w", err)
	}

	att := &Attachment{NamespacePath: nsPath}
	var fallback *types100.Interface
	for _, iface := range res.Interfaces {
		if iface.Sandbox == "" {
			continue
		}
		if iface.Name != CNIIfName {
			att.TAPDevice, att.MACAddress = iface.Name, iface.Mac
			break
		}
		if fallback == nil {
			fallback = iface
		}
	}
	if att.TAPDevice == "" && fallback != nil {
		att.TAPDevice, att.MACAddress = fallback.Name, fallback.Mac
	}
	if att.TAPDevice == "" {
		return nil, errors.New("no sandboxed interface in CNI result")
	}

	if len(res.IPs) == 0 {
		return nil, errors.New("no IP address in CNI result")
	}
	att.GuestIP = res.IPs[0].Address.IP
	att.GatewayIP = res.IPs[0].Gateway
	return att, nil
}

func createNetNS(name string) error {
	if err := os.MkdirAll(NetNSRunDir, 0o755); err != nil {
		return fmt.Errorf("create netns dir: %w", err)
	}
	if out, err := exec.Command("ip", "netns", "add", name).CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns add %s: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// deleteNetNS is a no-op when the namespace is already gone.
func deleteNetNS(name string) error {
	if _, err := os.Stat(filepath.Join(NetNSRunDir, name)); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if out, err := exec.Command("ip", "netns", "delete", name).CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns delete %s: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return nil
}
