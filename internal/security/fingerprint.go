package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"

	"licensecore/pkg/contracts/domain"
)

// NodeSources provides the host facts a node fingerprint is built from.
// Nil fields fall back to the operating system.
type NodeSources struct {
	Hostname   func() (string, error)
	Interfaces func() ([]net.Interface, error)
	OS         string
	Arch       string
}

// NodeFingerprinter computes a stable identity for the host running the
// daemon. The result is computed once and cached for the process lifetime.
type NodeFingerprinter struct {
	sources NodeSources
	logger  *slog.Logger

	once sync.Once
	node domain.NodeInfo
}

// NewNodeFingerprinter creates a fingerprinter over sources.
func NewNodeFingerprinter(sources NodeSources, logger *slog.Logger) *NodeFingerprinter {
	if sources.Hostname == nil {
		sources.Hostname = os.Hostname
	}
	if sources.Interfaces == nil {
		sources.Interfaces = net.Interfaces
	}
	if sources.OS == "" {
		sources.OS = runtime.GOOS
	}
	if sources.Arch == "" {
		sources.Arch = runtime.GOARCH
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeFingerprinter{sources: sources, logger: logger}
}

// Node returns the cached node identity, computing it on first use. Missing
// host facts are replaced by fixed placeholders so the id stays stable.
func (f *NodeFingerprinter) Node() domain.NodeInfo {
	f.once.Do(func() {
		hostname, err := f.hostname()
		if err != nil {
			f.logger.Warn("Failed to get hostname, using fallback", slog.String("error", err.Error()))
			hostname = "unknown-host"
		}
		mac, err := f.macAddress()
		if err != nil {
			f.logger.Warn("Failed to get MAC address, using fallback", slog.String("error", err.Error()))
			mac = "unknown-mac"
		}

		factors := strings.Join([]string{mac, hostname, f.sources.OS, f.sources.Arch}, "|")
		sum := sha256.Sum256([]byte(factors))

		f.node = domain.NodeInfo{
			ID:       hex.EncodeToString(sum[:8]),
			Hostname: hostname,
			Platform: f.sources.OS + "/" + f.sources.Arch,
		}
		f.logger.Info("Node fingerprint generated",
			slog.String("node_id", f.node.ID),
			slog.String("hostname", hostname),
			slog.String("platform", f.node.Platform))
	})
	return f.node
}

func (f *NodeFingerprinter) hostname() (string, error) {
	hostname, err := f.sources.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return "", fmt.Errorf("hostname is empty")
	}
	return hostname, nil
}

// macAddress prefers the first up, non-loopback interface and falls back to
// any interface with a hardware address.
func (f *NodeFingerprinter) macAddress() (string, error) {
	interfaces, err := f.sources.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	var fallback string
	for _, iface := range interfaces {
		mac := iface.HardwareAddr.String()
		if mac == "" || mac == "00:00:00:00:00:00" {
			continue
		}
		if iface.Flags&net.FlagLoopback == 0 && iface.Flags&net.FlagUp != 0 {
			return mac, nil
		}
		if fallback == "" {
			fallback = mac
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", fmt.Errorf("no valid MAC address found")
}
