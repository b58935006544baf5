// Package firecracker implements a typed client for the Firecracker
// control-plane API, which is JSON over HTTP reachable only through a Unix
// domain socket. One resource exists per endpoint group; all of them share
// a single socket-bound HTTP session.
package firecracker

import (
	"context"
	"net"
	"net/http"
	"time"
)

const defaultRequestTimeout = 30 * time.Second

// Client is a Firecracker control-plane API client bound to one VM's
// control socket.
type Client struct {
	socketPath string
	http       *http.Client

	// Describe reads the instance description, including its state.
	Describe *Resource
	// VM drives instance state transitions (pause/resume).
	VM *Resource
	// VMConfig exports the full running configuration.
	VMConfig *Resource
	// BootSource configures the kernel image and boot arguments.
	BootSource *Resource
	// Drive configures one block device, keyed by drive_id.
	Drive *Resource
	// MachineConfig configures vCPU count and memory size.
	MachineConfig *Resource
	// NetworkInterface configures one virtio-net device, keyed by iface_id.
	NetworkInterface *Resource
	// Actions triggers instance actions (InstanceStart, SendCtrlAltDel, ...).
	Actions *Resource
	// SnapshotCreate captures a memory image and device metadata.
	SnapshotCreate *Resource
	// SnapshotLoad resumes an instance from a captured snapshot.
	SnapshotLoad *Resource
	// MMDS reads/writes the microVM metadata service contents.
	MMDS *Resource
	// MMDSConfig configures the metadata service network endpoint.
	MMDSConfig *Resource
	// Vsock configures the virtio-vsock device.
	Vsock *Resource
	// Logger configures the hypervisor's log output.
	Logger *Resource
	// Metrics configures the hypervisor's metrics output.
	Metrics *Resource
	// Version reports the hypervisor version.
	Version *Resource
}

// Option adjusts client construction.
type Option func(*Client)

// WithTimeout bounds every request issued through the client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// New returns a client whose HTTP session dials the given Unix socket
// regardless of the URL host, so the hypervisor's normal path routing
// applies.
func New(socketPath string, opts ...Option) *Client {
	c := &Client{
		socketPath: socketPath,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: defaultRequestTimeout,
		},
	}
	for _, o := range opts {
		o(c)
	}

	c.Describe = &Resource{client: c, path: "/"}
	c.VM = &Resource{client: c, path: "/vm"}
	c.VMConfig = &Resource{client: c, path: "/vm/config"}
	c.BootSource = &Resource{client: c, path: "/boot-source"}
	c.Drive = &Resource{client: c, path: "/drives", idField: "drive_id"}
	c.MachineConfig = &Resource{client: c, path: "/machine-config"}
	c.NetworkInterface = &Resource{client: c, path: "/network-interfaces", idField: "iface_id"}
	c.Actions = &Resource{client: c, path: "/actions"}
	c.SnapshotCreate = &Resource{client: c, path: "/snapshot/create"}
	c.SnapshotLoad = &Resource{client: c, path: "/snapshot/load"}
	c.MMDS = &Resource{client: c, path: "/mmds"}
	c.MMDSConfig = &Resource{client: c, path: "/mmds/config"}
	c.Vsock = &Resource{client: c, path: "/vsock"}
	c.Logger = &Resource{client: c, path: "/logger"}
	c.Metrics = &Resource{client: c, path: "/metrics"}
	c.Version = &Resource{client: c, path: "/version"}

	return c
}

// SocketPath returns the control socket this client is bound to.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// Close releases the session's idle connections to the socket.
func (c *Client) Close() {
	if t, ok := c.http.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}
