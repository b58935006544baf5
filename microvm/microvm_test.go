package microvm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/nftables"
	"github.com/google/nftables/userdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"github.com/aledbf/firebox/errdefs"
	"github.com/aledbf/firebox/internal/config"
	"github.com/aledbf/firebox/network"
	"github.com/aledbf/firebox/paths"
	"github.com/aledbf/firebox/vmm"
)

type stubLinks struct{}

func (stubLinks) LinkByName(name string) (netlink.Link, error) {
	return nil, fmt.Errorf("link %s not found", name)
}
func (stubLinks) LinkAdd(netlink.Link) error        { return nil }
func (stubLinks) LinkDel(netlink.Link) error        { return nil }
func (stubLinks) LinkSetUp(netlink.Link) error      { return nil }
func (stubLinks) LinkList() ([]netlink.Link, error) { return nil, nil }
func (stubLinks) AddrList(netlink.Link, int) ([]netlink.Addr, error) { return nil, nil }
func (stubLinks) AddrAdd(netlink.Link, *netlink.Addr) error          { return nil }
func (stubLinks) ParseAddr(s string) (*netlink.Addr, error)          { return netlink.ParseAddr(s) }

type stubRuleset struct {
	rules   []*nftables.Rule
	pending []*nftables.Rule
}

func (s *stubRuleset) EnsureTable(t *nftables.Table) (*nftables.Table, error) { return t, nil }
func (s *stubRuleset) EnsureChain(c *nftables.Chain) (*nftables.Chain, error) { return c, nil }
func (s *stubRuleset) AddRule(r *nftables.Rule)                               { s.pending = append(s.pending, r) }
func (s *stubRuleset) DelRule(r *nftables.Rule) error {
	for i, have := range s.rules {
		if have == r {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			break
		}
	}
	return nil
}
func (s *stubRuleset) GetRules(_ *nftables.Table, chain *nftables.Chain) ([]*nftables.Rule, error) {
	var out []*nftables.Rule
	for _, r := range s.rules {
		if r.Chain != nil && r.Chain.Name == chain.Name {
			out = append(out, r)
		}
	}
	return out, nil
}
func (s *stubRuleset) Flush() error {
	s.rules = append(s.rules, s.pending...)
	s.pending = nil
	return nil
}
func (s *stubRuleset) Close() {}

func (s *stubRuleset) comments() []string {
	var out []string
	for _, r := range s.rules {
		if c, ok := userdata.GetString(r.UserData, userdata.TypeComment); ok {
			out = append(out, c)
		}
	}
	return out
}

func newTestFacade(t *testing.T) (*Manager, *stubRuleset) {
	t.Helper()
	cfg := &config.Config{
		Paths: config.PathsConfig{
			DataDir:    t.TempDir(),
			BinaryPath: paths.BinaryPath,
		},
		Network: config.NetworkConfig{
			DefaultIP: "172.16.0.2",
			PrefixLen: 24,
		},
		Timeouts: config.TimeoutsConfig{
			StartupGrace:  "50ms",
			ShutdownGrace: "200ms",
			APIRequest:    "5s",
		},
	}
	ruleset := &stubRuleset{}
	net := network.New(context.Background(), cfg,
		network.WithLinkOperator(stubLinks{}),
		network.WithRulesetOperator(ruleset),
	)
	vms, err := vmm.New(context.Background(), cfg, vmm.WithNetworkManager(net))
	require.NoError(t, err)
	m := NewWithVMM(vms)
	t.Cleanup(func() { _ = m.Close() })
	return m, ruleset
}

func recordVM(t *testing.T, m *Manager, id string) *vmm.Descriptor {
	t.Helper()
	require.NoError(t, m.vms.CreateDir(id))
	d := &vmm.Descriptor{
		ID:         id,
		CreatedAt:  time.Now().UTC(),
		IPAddr:     "172.16.0.2",
		VCPUs:      1,
		MemSizeMib: 512,
		KernelPath: "/var/lib/firebox/vmlinux",
		RootFSPath: "/var/lib/firebox/rootfs.ext4",
	}
	require.NoError(t, m.vms.SaveDescriptor(d))
	return d
}

func TestCreateRequiresKernelAndRootFS(t *testing.T) {
	m, _ := newTestFacade(t)

	_, err := m.Create(context.Background(), CreateOptions{Memory: 512})
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestPortForwardUpdatesDescriptor(t *testing.T) {
	m, ruleset := newTestFacade(t)
	recordVM(t, m, "vm1")

	require.NoError(t, m.PortForward(context.Background(), "vm1", 8080, 80))
	assert.Contains(t, ruleset.comments(), "firebox:vm1:pf:8080:80")

	d, err := m.vms.LoadDescriptor("vm1")
	require.NoError(t, err)
	assert.Equal(t, []network.PortForward{{HostPort: 8080, DestPort: 80}}, d.Ports["80/tcp"])

	// Repeating the same mapping does not duplicate the record.
	require.NoError(t, m.PortForward(context.Background(), "vm1", 8080, 80))
	d, err = m.vms.LoadDescriptor("vm1")
	require.NoError(t, err)
	assert.Len(t, d.Ports["80/tcp"], 1)
}

func TestRemovePortForwardUpdatesDescriptor(t *testing.T) {
	m, _ := newTestFacade(t)
	recordVM(t, m, "vm1")

	require.NoError(t, m.PortForward(context.Background(), "vm1", 8080, 80))
	require.NoError(t, m.PortForward(context.Background(), "vm1", 8443, 443))
	require.NoError(t, m.RemovePortForward(context.Background(), "vm1", 8080, 80))

	d, err := m.vms.LoadDescriptor("vm1")
	require.NoError(t, err)
	assert.NotContains(t, d.Ports, "80/tcp")
	assert.Contains(t, d.Ports, "443/tcp")
}

func TestPortForwardUnknownVM(t *testing.T) {
	m, _ := newTestFacade(t)

	err := m.PortForward(context.Background(), "ghost", 8080, 80)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestDeleteAllEmptyHost(t *testing.T) {
	m, _ := newTestFacade(t)
	assert.NoError(t, m.DeleteAll(context.Background()))
}

func TestListCombinesDescriptorAndState(t *testing.T) {
	m, _ := newTestFacade(t)
	recordVM(t, m, "vm1")
	recordVM(t, m, "vm2")

	all, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, s := range all {
		assert.Equal(t, "Stopped", s.State)
		assert.Equal(t, "172.16.0.2", s.IPAddr)
	}
}

func TestPrepareSnapshotDevicesRelinks(t *testing.T) {
	m, _ := newTestFacade(t)
	recordVM(t, m, "vm1")
	dir := paths.VMDir(m.vms.Config().Paths.DataDir, "vm1")

	// The recorded device path does not exist, but a relocated copy does.
	original := filepath.Join(t.TempDir(), "gone", "rootfs.ext4")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rootfs.ext4"), []byte("image"), 0o644))
	meta := fmt.Sprintf(`{"vm_id":"vm1","block_devices":{"rootfs":%q}}`, original)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snapshot.json"), []byte(meta), 0o644))

	require.NoError(t, m.prepareSnapshotDevices(context.Background(), dir))
	target, err := os.Readlink(original)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "rootfs.ext4"), target)
}

func TestRootFSBuilderCopiesBaseImage(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(paths.VMDir(dataDir, "vm1"), 0o755))

	base := filepath.Join(t.TempDir(), "base.ext4")
	require.NoError(t, os.WriteFile(base, []byte("base image bytes"), 0o644))

	b := &ImageRootFSBuilder{BaseImage: base, DataDir: dataDir}
	path, err := b.Build(context.Background(), "vm1")
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "base image bytes", string(raw))
}
