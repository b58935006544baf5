package network

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/containerd/log"
	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"github.com/google/nftables/userdata"
	"golang.org/x/sys/unix"

	"github.com/aledbf/firebox/errdefs"
	"github.com/aledbf/firebox/paths"
)

const (
	tableName         = "firebox"
	chainPostrouting  = "postrouting"
	chainPrerouting   = "prerouting"
	chainForward      = "forward"
	commentNamespace  = "firebox"
	commentKindMasq   = "masq"
	commentKindFwd    = "fwd"
	commentKindPortFw = "pf"
)

// PortForward is one host-to-guest TCP port mapping.
type PortForward struct {
	HostPort int `json:"HostPort"`
	DestPort int `json:"DestPort"`
}

func ruleComment(id string, parts ...string) string {
	c := commentNamespace + ":" + id
	for _, p := range parts {
		c += ":" + p
	}
	return c
}

func ifnameBytes(name string) []byte {
	b := make([]byte, unix.IFNAMSIZ)
	copy(b, name)
	return b
}

type ruleChains struct {
	table       *nftables.Table
	postrouting *nftables.Chain
	prerouting  *nftables.Chain
	forward     *nftables.Chain
}

func (m *Manager) ensureChains() (*ruleChains, error) {
	table, err := m.ruleset.EnsureTable(&nftables.Table{
		Family: nftables.TableFamilyIPv4,
		Name:   tableName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure nftables table: %w: %w", err, errdefs.ErrNetwork)
	}

	post, err := m.ruleset.EnsureChain(&nftables.Chain{
		Name:     chainPostrouting,
		Table:    table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPostrouting,
		Priority: nftables.ChainPriorityNATSource,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure postrouting chain: %w: %w", err, errdefs.ErrNetwork)
	}
	pre, err := m.ruleset.EnsureChain(&nftables.Chain{
		Name:     chainPrerouting,
		Table:    table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPrerouting,
		Priority: nftables.ChainPriorityNATDest,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure prerouting chain: %w: %w", err, errdefs.ErrNetwork)
	}
	fwd, err := m.ruleset.EnsureChain(&nftables.Chain{
		Name:     chainForward,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure forward chain: %w: %w", err, errdefs.ErrNetwork)
	}

	if err := m.ruleset.Flush(); err != nil {
		return nil, fmt.Errorf("failed to commit nftables scaffolding: %w: %w", err, errdefs.ErrNetwork)
	}
	return &ruleChains{table: table, postrouting: post, prerouting: pre, forward: fwd}, nil
}

func (m *Manager) findRules(chains *ruleChains, chain *nftables.Chain, comment string) ([]*nftables.Rule, error) {
	rules, err := m.ruleset.GetRules(chains.table, chain)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w: %w", err, errdefs.ErrNetwork)
	}
	var matched []*nftables.Rule
	for _, r := range rules {
		if c, ok := userdata.GetString(r.UserData, userdata.TypeComment); ok && c == comment {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

func (m *Manager) rulesUnavailable(ctx context.Context, op string) bool {
	if m.ruleset != nil {
		return false
	}
	log.G(ctx).WithField("op", op).Warn("nftables unavailable, skipping rule operation")
	return true
}

// AddNATForwarding installs the forward-chain accepts that let traffic
// flow between the VM's TAP device and the rest of the host. Calling it
// again for the same VM is a success.
func (m *Manager) AddNATForwarding(ctx context.Context, id string) error {
	if m.rulesUnavailable(ctx, "add-nat-forwarding") {
		return nil
	}
	chains, err := m.ensureChains()
	if err != nil {
		return err
	}

	comment := ruleComment(id, commentKindFwd)
	existing, err := m.findRules(chains, chains.forward, comment)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		log.G(ctx).WithField("vm", id).Debug("forwarding rules already present")
		return nil
	}

	tap := ifnameBytes(paths.TapDeviceName(id))
	for _, key := range []expr.MetaKey{expr.MetaKeyIIFNAME, expr.MetaKeyOIFNAME} {
		m.ruleset.AddRule(&nftables.Rule{
			Table: chains.table,
			Chain: chains.forward,
			Exprs: []expr.Any{
				&expr.Meta{Key: key, Register: 1},
				&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: tap},
				&expr.Verdict{Kind: expr.VerdictAccept},
			},
			UserData: userdata.AppendString(nil, userdata.TypeComment, comment),
		})
	}
	if err := m.ruleset.Flush(); err != nil {
		return fmt.Errorf("failed to add NAT rules for %s: %w: %w", id, err, errdefs.ErrNetwork)
	}
	log.G(ctx).WithField("vm", id).Info("added forwarding rules")
	return nil
}

// DeleteNATRules removes the VM's forward-chain accepts. Rules that are
// already gone are a success.
func (m *Manager) DeleteNATRules(ctx context.Context, id string) error {
	if m.rulesUnavailable(ctx, "delete-nat-rules") {
		return nil
	}
	chains, err := m.ensureChains()
	if err != nil {
		return err
	}
	matched, err := m.findRules(chains, chains.forward, ruleComment(id, commentKindFwd))
	if err != nil {
		return err
	}
	if len(matched) == 0 {
		return nil
	}
	for _, r := range matched {
		if err := m.ruleset.DelRule(r); err != nil {
			return fmt.Errorf("failed to delete NAT rules for %s: %w: %w", id, err, errdefs.ErrNetwork)
		}
	}
	if err := m.ruleset.Flush(); err != nil {
		return fmt.Errorf("failed to delete NAT rules for %s: %w: %w", id, err, errdefs.ErrNetwork)
	}
	return nil
}

// AddMasquerade installs the postrouting masquerade for the guest's
// outbound traffic. Idempotent per VM.
func (m *Manager) AddMasquerade(ctx context.Context, id, guestIP string) error {
	if m.rulesUnavailable(ctx, "add-masquerade") {
		return nil
	}
	ip := net.ParseIP(guestIP)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("invalid IP address: %s: %w", guestIP, errdefs.ErrNetwork)
	}

	chains, err := m.ensureChains()
	if err != nil {
		return err
	}
	comment := ruleComment(id, commentKindMasq)
	existing, err := m.findRules(chains, chains.postrouting, comment)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		log.G(ctx).WithField("vm", id).Debug("masquerade rule already present")
		return nil
	}

	exprs := []expr.Any{}
	if uplink := m.cfg.Network.UplinkInterface; uplink != "" {
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifnameBytes(uplink)},
		)
	}
	exprs = append(exprs,
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 12, Len: 4},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ip.To4()},
		&expr.Masq{},
	)
	m.ruleset.AddRule(&nftables.Rule{
		Table:    chains.table,
		Chain:    chains.postrouting,
		Exprs:    exprs,
		UserData: userdata.AppendString(nil, userdata.TypeComment, comment),
	})
	if err := m.ruleset.Flush(); err != nil {
		return fmt.Errorf("failed to add masquerade rule for %s: %w: %w", id, err, errdefs.ErrNetwork)
	}
	log.G(ctx).WithFields(log.Fields{"vm": id, "ip": guestIP}).Info("added masquerade rule")
	return nil
}

// DeleteMasquerade removes the VM's masquerade rule.
func (m *Manager) DeleteMasquerade(ctx context.Context, id string) error {
	if m.rulesUnavailable(ctx, "delete-masquerade") {
		return nil
	}
	chains, err := m.ensureChains()
	if err != nil {
		return err
	}
	matched, err := m.findRules(chains, chains.postrouting, ruleComment(id, commentKindMasq))
	if err != nil {
		return err
	}
	if len(matched) == 0 {
		return nil
	}
	for _, r := range matched {
		if err := m.ruleset.DelRule(r); err != nil {
			return fmt.Errorf("failed to delete masquerade rule for %s: %w: %w", id, err, errdefs.ErrNetwork)
		}
	}
	if err := m.ruleset.Flush(); err != nil {
		return fmt.Errorf("failed to delete masquerade rule for %s: %w: %w", id, err, errdefs.ErrNetwork)
	}
	return nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %d: %w", port, errdefs.ErrConfiguration)
	}
	return nil
}

// AddPortForward installs a TCP DNAT from hostPort to guestIP:destPort.
// An identical mapping that already exists is a success.
func (m *Manager) AddPortForward(ctx context.Context, id, guestIP string, hostPort, destPort int) error {
	if id == "" {
		return fmt.Errorf("vm id must not be empty: %w", errdefs.ErrConfiguration)
	}
	if err := validatePort(hostPort); err != nil {
		return err
	}
	if err := validatePort(destPort); err != nil {
		return err
	}
	ip := net.ParseIP(guestIP)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("invalid IP address: %s: %w", guestIP, errdefs.ErrNetwork)
	}
	if m.rulesUnavailable(ctx, "add-port-forward") {
		return nil
	}

	chains, err := m.ensureChains()
	if err != nil {
		return err
	}
	comment := ruleComment(id, commentKindPortFw, strconv.Itoa(hostPort), strconv.Itoa(destPort))
	existing, err := m.findRules(chains, chains.prerouting, comment)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		log.G(ctx).WithField("vm", id).Debug("port forward already present")
		return nil
	}

	m.ruleset.AddRule(&nftables.Rule{
		Table: chains.table,
		Chain: chains.prerouting,
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.IPPROTO_TCP}},
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(uint16(hostPort))},
			&expr.Immediate{Register: 1, Data: ip.To4()},
			&expr.Immediate{Register: 2, Data: binaryutil.BigEndian.PutUint16(uint16(destPort))},
			&expr.NAT{
				Type:        expr.NATTypeDestNAT,
				Family:      unix.NFPROTO_IPV4,
				RegAddrMin:  1,
				RegProtoMin: 2,
			},
		},
		UserData: userdata.AppendString(nil, userdata.TypeComment, comment),
	})
	if err := m.ruleset.Flush(); err != nil {
		return fmt.Errorf("failed to add port forward %d->%s:%d: %w: %w", hostPort, guestIP, destPort, err, errdefs.ErrNetwork)
	}
	log.G(ctx).WithFields(log.Fields{"vm": id, "host_port": hostPort, "dest_port": destPort}).Info("added port forward")
	return nil
}

// DeletePortForward removes one TCP DNAT mapping. A mapping that does not
// exist is a success.
func (m *Manager) DeletePortForward(ctx context.Context, id string, hostPort, destPort int) error {
	if err := validatePort(hostPort); err != nil {
		return err
	}
	if err := validatePort(destPort); err != nil {
		return err
	}
	if m.rulesUnavailable(ctx, "delete-port-forward") {
		return nil
	}

	chains, err := m.ensureChains()
	if err != nil {
		return err
	}
	comment := ruleComment(id, commentKindPortFw, strconv.Itoa(hostPort), strconv.Itoa(destPort))
	matched, err := m.findRules(chains, chains.prerouting, comment)
	if err != nil {
		return err
	}
	if len(matched) == 0 {
		log.G(ctx).WithField("vm", id).Debug("port forward not found, nothing to delete")
		return nil
	}
	for _, r := range matched {
		if err := m.ruleset.DelRule(r); err != nil {
			return fmt.Errorf("failed to delete port forward %d->%d: %w: %w", hostPort, destPort, err, errdefs.ErrNetwork)
		}
	}
	if err := m.ruleset.Flush(); err != nil {
		return fmt.Errorf("failed to delete port forward %d->%d: %w: %w", hostPort, destPort, err, errdefs.ErrNetwork)
	}
	return nil
}

// ListPortForwards returns the VM's mappings keyed by guest port, in the
// form "80/tcp".
func (m *Manager) ListPortForwards(ctx context.Context, id string) (map[string][]PortForward, error) {
	result := map[string][]PortForward{}
	if m.rulesUnavailable(ctx, "list-port-forwards") {
		return result, nil
	}

	chains, err := m.ensureChains()
	if err != nil {
		return nil, err
	}
	rules, err := m.ruleset.GetRules(chains.table, chains.prerouting)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w: %w", err, errdefs.ErrNetwork)
	}

	prefix := ruleComment(id, commentKindPortFw) + ":"
	for _, r := range rules {
		c, ok := userdata.GetString(r.UserData, userdata.TypeComment)
		if !ok || !strings.HasPrefix(c, prefix) {
			continue
		}
		hostPort, destPort, ok := parsePortComment(strings.TrimPrefix(c, prefix))
		if !ok {
			continue
		}
		key := fmt.Sprintf("%d/tcp", destPort)
		result[key] = append(result[key], PortForward{HostPort: hostPort, DestPort: destPort})
	}
	return result, nil
}

// DeleteAllPortForwards removes every mapping that belongs to the VM.
func (m *Manager) DeleteAllPortForwards(ctx context.Context, id string) error {
	if m.rulesUnavailable(ctx, "delete-all-port-forwards") {
		return nil
	}

	chains, err := m.ensureChains()
	if err != nil {
		return err
	}
	rules, err := m.ruleset.GetRules(chains.table, chains.prerouting)
	if err != nil {
		return fmt.Errorf("failed to list rules: %w: %w", err, errdefs.ErrNetwork)
	}

	prefix := ruleComment(id, commentKindPortFw) + ":"
	deleted := 0
	for _, r := range rules {
		c, ok := userdata.GetString(r.UserData, userdata.TypeComment)
		if !ok || !strings.HasPrefix(c, prefix) {
			continue
		}
		if err := m.ruleset.DelRule(r); err != nil {
			return fmt.Errorf("failed to delete port forwards for %s: %w: %w", id, err, errdefs.ErrNetwork)
		}
		deleted++
	}
	if deleted == 0 {
		return nil
	}
	if err := m.ruleset.Flush(); err != nil {
		return fmt.Errorf("failed to delete port forwards for %s: %w: %w", id, err, errdefs.ErrNetwork)
	}
	log.G(ctx).WithFields(log.Fields{"vm": id, "count": deleted}).Info("deleted port forwards")
	return nil
}

func parsePortComment(suffix string) (hostPort, destPort int, ok bool) {
	parts := strings.Split(suffix, ":")
	if len(parts) != 2 {
		return 0, 0, false
	}
	hostPort, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	destPort, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}
	return hostPort, destPort, true
}
