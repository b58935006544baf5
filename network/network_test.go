package network

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/nftables"
	"github.com/google/nftables/userdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"github.com/aledbf/firebox/errdefs"
	"github.com/aledbf/firebox/internal/config"
)

type fakeLinks struct {
	links map[string]netlink.Link
	addrs map[string][]netlink.Addr

	added   []string
	deleted []string
	up      []string

	linkAddErr error
	linkDelErr error
	listErr    error
}

func newFakeLinks(names ...string) *fakeLinks {
	f := &fakeLinks{
		links: map[string]netlink.Link{},
		addrs: map[string][]netlink.Addr{},
	}
	for _, n := range names {
		f.links[n] = &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: n}}
	}
	return f
}

func (f *fakeLinks) LinkByName(name string) (netlink.Link, error) {
	if l, ok := f.links[name]; ok {
		return l, nil
	}
	return nil, fmt.Errorf("link %s not found", name)
}

func (f *fakeLinks) LinkAdd(link netlink.Link) error {
	if f.linkAddErr != nil {
		return f.linkAddErr
	}
	name := link.Attrs().Name
	f.links[name] = link
	f.added = append(f.added, name)
	return nil
}

func (f *fakeLinks) LinkDel(link netlink.Link) error {
	if f.linkDelErr != nil {
		return f.linkDelErr
	}
	name := link.Attrs().Name
	delete(f.links, name)
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeLinks) LinkSetUp(link netlink.Link) error {
	f.up = append(f.up, link.Attrs().Name)
	return nil
}

func (f *fakeLinks) LinkList() ([]netlink.Link, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []netlink.Link
	for _, l := range f.links {
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeLinks) AddrList(link netlink.Link, _ int) ([]netlink.Addr, error) {
	return f.addrs[link.Attrs().Name], nil
}

func (f *fakeLinks) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	name := link.Attrs().Name
	f.addrs[name] = append(f.addrs[name], *addr)
	return nil
}

func (f *fakeLinks) ParseAddr(s string) (*netlink.Addr, error) {
	return netlink.ParseAddr(s)
}

func (f *fakeLinks) assignAddr(t *testing.T, name, cidr string) {
	t.Helper()
	addr, err := netlink.ParseAddr(cidr)
	require.NoError(t, err)
	f.addrs[name] = append(f.addrs[name], *addr)
}

type fakeRuleset struct {
	rules   []*nftables.Rule
	pending []*nftables.Rule

	delErr   error
	flushErr error
	closed   bool
}

func (f *fakeRuleset) EnsureTable(table *nftables.Table) (*nftables.Table, error) {
	return table, nil
}

func (f *fakeRuleset) EnsureChain(chain *nftables.Chain) (*nftables.Chain, error) {
	return chain, nil
}

func (f *fakeRuleset) AddRule(rule *nftables.Rule) {
	f.pending = append(f.pending, rule)
}

func (f *fakeRuleset) DelRule(rule *nftables.Rule) error {
	if f.delErr != nil {
		return f.delErr
	}
	for i, r := range f.rules {
		if r == rule {
			f.rules = append(f.rules[:i], f.rules[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeRuleset) GetRules(_ *nftables.Table, chain *nftables.Chain) ([]*nftables.Rule, error) {
	var out []*nftables.Rule
	for _, r := range f.rules {
		if r.Chain != nil && r.Chain.Name == chain.Name {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRuleset) Flush() error {
	if f.flushErr != nil {
		f.pending = nil
		return f.flushErr
	}
	f.rules = append(f.rules, f.pending...)
	f.pending = nil
	return nil
}

func (f *fakeRuleset) Close() { f.closed = true }

func (f *fakeRuleset) seedRule(chain, comment string) *nftables.Rule {
	r := &nftables.Rule{
		Chain:    &nftables.Chain{Name: chain},
		UserData: userdata.AppendString(nil, userdata.TypeComment, comment),
	}
	f.rules = append(f.rules, r)
	return r
}

func (f *fakeRuleset) comments(chain string) []string {
	var out []string
	for _, r := range f.rules {
		if r.Chain == nil || r.Chain.Name != chain {
			continue
		}
		if c, ok := userdata.GetString(r.UserData, userdata.TypeComment); ok {
			out = append(out, c)
		}
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Network: config.NetworkConfig{
			DefaultIP:       "172.16.0.2",
			PrefixLen:       24,
			UplinkInterface: "eth0",
		},
	}
}

func newTestManager(links *fakeLinks, ruleset RulesetOperator) *Manager {
	opts := []Option{WithLinkOperator(links)}
	if ruleset != nil {
		opts = append(opts, WithRulesetOperator(ruleset))
	} else {
		opts = append(opts, WithRulesetOperator(&fakeRuleset{}))
	}
	return New(context.Background(), testConfig(), opts...)
}

func TestCreateTapRejectsEmptyID(t *testing.T) {
	m := newTestManager(newFakeLinks(), nil)

	_, err := m.CreateTap(context.Background(), "", "172.16.0.1/24")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestCreateTapRejectsLongName(t *testing.T) {
	m := newTestManager(newFakeLinks(), nil)

	_, err := m.CreateTap(context.Background(), "this-id-is-way-too-long", "172.16.0.1/24")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
	assert.ErrorContains(t, err, "exceeds")
}

func TestCreateTapIsIdempotent(t *testing.T) {
	links := newFakeLinks("tap_vm1")
	m := newTestManager(links, nil)

	name, err := m.CreateTap(context.Background(), "vm1", "172.16.0.1/24")
	require.NoError(t, err)
	assert.Equal(t, "tap_vm1", name)
	assert.Empty(t, links.added)
}

func TestCreateTapConfiguresDevice(t *testing.T) {
	links := newFakeLinks()
	m := newTestManager(links, nil)

	name, err := m.CreateTap(context.Background(), "vm1", "172.16.0.1/24")
	require.NoError(t, err)
	assert.Equal(t, "tap_vm1", name)
	assert.Equal(t, []string{"tap_vm1"}, links.added)
	assert.Equal(t, []string{"tap_vm1"}, links.up)
	require.Len(t, links.addrs["tap_vm1"], 1)
}

func TestDeleteTapMissingIsSuccess(t *testing.T) {
	m := newTestManager(newFakeLinks(), nil)
	assert.NoError(t, m.DeleteTap(context.Background(), "ghost"))
}

func TestDeleteTapReportsFailure(t *testing.T) {
	links := newFakeLinks("tap_vm1")
	links.linkDelErr = errors.New("device busy")
	m := newTestManager(links, nil)

	err := m.DeleteTap(context.Background(), "vm1")
	require.Error(t, err)
	assert.ErrorContains(t, err, "failed to delete tap device")
}

func TestGatewayIP(t *testing.T) {
	m := newTestManager(newFakeLinks(), nil)

	gw, err := m.GatewayIP("172.16.3.2")
	require.NoError(t, err)
	assert.Equal(t, "172.16.3.1", gw)

	cidr, err := m.GatewayCIDR("172.16.3.2")
	require.NoError(t, err)
	assert.Equal(t, "172.16.3.1/24", cidr)

	_, err = m.GatewayIP("not-an-ip")
	require.Error(t, err)
	assert.True(t, errdefs.IsNetwork(err))
	assert.ErrorContains(t, err, "invalid IP address")

	// The network address is not a valid guest address.
	_, err = m.GatewayIP("172.16.3.0")
	require.Error(t, err)
	assert.True(t, errdefs.IsNetwork(err))
	assert.ErrorContains(t, err, "invalid IP address")
}

func TestSuggestNonConflictingIP(t *testing.T) {
	links := newFakeLinks("eth0")
	links.assignAddr(t, "eth0", "172.16.0.1/24")
	m := newTestManager(links, nil)

	ip, err := m.SuggestNonConflictingIP()
	require.NoError(t, err)
	assert.Equal(t, "172.16.1.2", ip)
}

func TestSuggestNonConflictingIPExhausted(t *testing.T) {
	links := newFakeLinks("eth0")
	for i := 0; i < 5; i++ {
		links.assignAddr(t, "eth0", fmt.Sprintf("172.16.%d.1/24", i))
	}
	m := newTestManager(links, nil)

	_, err := m.SuggestNonConflictingIP()
	require.Error(t, err)
	assert.ErrorContains(t, err, "unable to find a non-conflicting IP address")
}

func TestCleanupAttemptsAllStages(t *testing.T) {
	links := newFakeLinks("tap_vm1")
	ruleset := &fakeRuleset{delErr: errors.New("netlink answered EBUSY")}
	ruleset.seedRule(chainForward, "firebox:vm1:fwd")
	m := newTestManager(links, ruleset)

	err := m.Cleanup(context.Background(), "vm1")
	require.Error(t, err)
	assert.ErrorContains(t, err, "failed to cleanup network resources")
	// The tap device is removed even though rule deletion failed.
	assert.Equal(t, []string{"tap_vm1"}, links.deleted)
}

func TestCleanupOrphanedTAPDevices(t *testing.T) {
	links := newFakeLinks("tap_vm1", "tap_vm2", "tap_orphan1", "tap_orphan2", "eth0")
	m := newTestManager(links, nil)

	err := m.CleanupOrphanedTAPDevices(context.Background(), []string{"vm1", "vm2"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tap_orphan1", "tap_orphan2"}, links.deleted)
	assert.Contains(t, links.links, "tap_vm1")
	assert.Contains(t, links.links, "tap_vm2")
	assert.Contains(t, links.links, "eth0")
}

func TestRuleOperationsNoopWhenUnavailable(t *testing.T) {
	m := &Manager{cfg: testConfig(), links: newFakeLinks()}

	assert.False(t, m.Available())
	assert.NoError(t, m.AddNATForwarding(context.Background(), "vm1"))
	assert.NoError(t, m.AddMasquerade(context.Background(), "vm1", "172.16.0.2"))
	assert.NoError(t, m.AddPortForward(context.Background(), "vm1", "172.16.0.2", 8080, 80))

	forwards, err := m.ListPortForwards(context.Background(), "vm1")
	require.NoError(t, err)
	assert.Empty(t, forwards)
}
