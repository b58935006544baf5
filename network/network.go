// Package network manages the host side of a microVM's connectivity: one
// TAP device per VM plus the nftables rules that give the guest outbound
// NAT and inbound port forwards. Nothing is persisted; the kernel's link
// list and ruleset are the only source of truth.
package network

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/containerd/log"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/aledbf/firebox/errdefs"
	"github.com/aledbf/firebox/internal/config"
	"github.com/aledbf/firebox/paths"
)

// candidateSubnets are tried in order when suggesting a guest address that
// does not collide with anything already routed on the host.
var candidateSubnets = []string{
	"172.16.0.0/24",
	"172.16.1.0/24",
	"172.16.2.0/24",
	"172.16.3.0/24",
	"172.16.4.0/24",
}

// Manager owns TAP devices and nftables rules for all VMs on this host.
type Manager struct {
	cfg     *config.Config
	links   LinkOperator
	ruleset RulesetOperator
}

// Option adjusts manager construction.
type Option func(*Manager)

// WithLinkOperator injects a link operator, used by tests.
func WithLinkOperator(op LinkOperator) Option {
	return func(m *Manager) { m.links = op }
}

// WithRulesetOperator injects a ruleset operator, used by tests.
func WithRulesetOperator(op RulesetOperator) Option {
	return func(m *Manager) { m.ruleset = op }
}

// New returns a manager for the host. When the nftables subsystem is not
// reachable the manager still handles TAP devices, and every rule
// operation becomes a logged no-op.
func New(ctx context.Context, cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{cfg: cfg}
	for _, o := range opts {
		o(m)
	}
	if m.links == nil {
		m.links = NewLinkOperator()
	}
	if m.ruleset == nil {
		op, err := NewRulesetOperator()
		if err != nil {
			log.G(ctx).WithError(err).Warn("nftables unavailable, rule management disabled")
		} else {
			m.ruleset = op
		}
	}
	return m
}

// Available reports whether nftables rule management is operational.
func (m *Manager) Available() bool {
	return m.ruleset != nil
}

// Close releases the ruleset connection.
func (m *Manager) Close() {
	if m.ruleset != nil {
		m.ruleset.Close()
	}
}

// CreateTap creates the VM's TAP device and assigns it the given host-side
// address in CIDR form. Creating an already existing device is a success
// and returns the existing name.
func (m *Manager) CreateTap(ctx context.Context, id, hostAddr string) (string, error) {
	name := paths.TapDeviceName(id)
	if id == "" || name == paths.TapDevicePrefix {
		return "", fmt.Errorf("tap device name must not be empty: %w", errdefs.ErrConfiguration)
	}
	// Interface names are bounded by IFNAMSIZ including the trailing NUL.
	if len(name) >= unix.IFNAMSIZ {
		return "", fmt.Errorf("tap device name %q exceeds %d characters: %w", name, unix.IFNAMSIZ-1, errdefs.ErrConfiguration)
	}

	if _, err := m.links.LinkByName(name); err == nil {
		log.G(ctx).WithField("tap", name).Debug("tap device already exists")
		return name, nil
	}

	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TAP,
	}
	if err := m.links.LinkAdd(tap); err != nil {
		return "", fmt.Errorf("failed to create tap device %s: %w: %w", name, err, errdefs.ErrNetwork)
	}

	addr, err := m.links.ParseAddr(hostAddr)
	if err != nil {
		return "", fmt.Errorf("invalid host address %s: %w: %w", hostAddr, err, errdefs.ErrConfiguration)
	}
	if err := m.links.AddrAdd(tap, addr); err != nil {
		return "", fmt.Errorf("failed to assign %s to %s: %w: %w", hostAddr, name, err, errdefs.ErrNetwork)
	}
	if err := m.links.LinkSetUp(tap); err != nil {
		return "", fmt.Errorf("failed to bring up tap device %s: %w: %w", name, err, errdefs.ErrNetwork)
	}

	log.G(ctx).WithFields(log.Fields{"tap": name, "addr": hostAddr}).Info("created tap device")
	return name, nil
}

// DeleteTap removes the VM's TAP device. A device that no longer exists is
// a success.
func (m *Manager) DeleteTap(ctx context.Context, id string) error {
	name := paths.TapDeviceName(id)
	link, err := m.links.LinkByName(name)
	if err != nil {
		log.G(ctx).WithField("tap", name).Debug("tap device not found, nothing to delete")
		return nil
	}
	if err := m.links.LinkDel(link); err != nil {
		return fmt.Errorf("failed to delete tap device %s: %w: %w", name, err, errdefs.ErrNetwork)
	}
	log.G(ctx).WithField("tap", name).Info("deleted tap device")
	return nil
}

// GatewayIP derives the host-side gateway address for a guest IP: the
// first usable address of the guest's subnet.
func (m *Manager) GatewayIP(guestIP string) (string, error) {
	ip := net.ParseIP(guestIP)
	if ip == nil || ip.To4() == nil {
		return "", fmt.Errorf("invalid IP address: %s: %w", guestIP, errdefs.ErrNetwork)
	}
	mask := net.CIDRMask(m.cfg.Network.PrefixLen, 32)
	base := ip.To4().Mask(mask)
	if ip.To4().Equal(base) {
		// The network address itself is not assignable to a guest.
		return "", fmt.Errorf("invalid IP address: %s: %w", guestIP, errdefs.ErrNetwork)
	}
	base[3]++
	return base.String(), nil
}

// GatewayCIDR returns the gateway address with the configured prefix
// length, the form expected when addressing the TAP device.
func (m *Manager) GatewayCIDR(guestIP string) (string, error) {
	gw, err := m.GatewayIP(guestIP)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%d", gw, m.cfg.Network.PrefixLen), nil
}

// DetectCIDRConflict reports whether the given subnet overlaps any address
// already assigned on the host.
func (m *Manager) DetectCIDRConflict(cidr string) (bool, error) {
	_, subnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return false, fmt.Errorf("invalid CIDR %s: %w: %w", cidr, err, errdefs.ErrConfiguration)
	}

	links, err := m.links.LinkList()
	if err != nil {
		return false, fmt.Errorf("failed to list host links: %w: %w", err, errdefs.ErrNetwork)
	}
	for _, link := range links {
		addrs, err := m.links.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if addr.IPNet == nil {
				continue
			}
			if subnet.Contains(addr.IP) || addr.IPNet.Contains(subnet.IP) {
				return true, nil
			}
		}
	}
	return false, nil
}

// SuggestNonConflictingIP walks the candidate subnets and returns the
// first guest address whose subnet is unused on the host.
func (m *Manager) SuggestNonConflictingIP() (string, error) {
	for _, cidr := range candidateSubnets {
		conflict, err := m.DetectCIDRConflict(cidr)
		if err != nil {
			return "", err
		}
		if conflict {
			continue
		}
		base := strings.TrimSuffix(cidr, ".0/24")
		return base + ".2", nil
	}
	return "", fmt.Errorf("unable to find a non-conflicting IP address: %w", errdefs.ErrNetwork)
}
