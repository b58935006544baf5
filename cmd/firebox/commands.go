package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aledbf/firebox/microvm"
)

func createCmd() *cobra.Command {
	var opts struct {
		name   string
		ip     string
		vcpus  int64
		memory string
		kernel string
		rootfs string
		ports  string
		labels map[string]string
	}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create and boot a microVM",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			var ports any
			if opts.ports != "" {
				ports = opts.ports
			}
			var memory any
			if opts.memory != "" {
				memory = opts.memory
			}
			d, err := m.Create(cmd.Context(), microvm.CreateOptions{
				Name:       opts.name,
				IPAddr:     opts.ip,
				VCPUs:      opts.vcpus,
				Memory:     memory,
				KernelPath: opts.kernel,
				RootFSPath: opts.rootfs,
				Ports:      ports,
				Labels:     opts.labels,
			})
			if err != nil {
				return err
			}
			fmt.Println(d.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.name, "name", "", "human-readable VM name")
	cmd.Flags().StringVar(&opts.ip, "ip", "", "guest IP address (auto-selected when empty)")
	cmd.Flags().Int64Var(&opts.vcpus, "vcpus", 1, "number of vCPUs")
	cmd.Flags().StringVar(&opts.memory, "memory", "512M", "guest memory (512, 512M, 1G, ...)")
	cmd.Flags().StringVar(&opts.kernel, "kernel", "", "kernel image path")
	cmd.Flags().StringVar(&opts.rootfs, "rootfs", "", "root filesystem image path")
	cmd.Flags().StringVar(&opts.ports, "ports", "", "guest ports to expose, comma-separated")
	cmd.Flags().StringToStringVar(&opts.labels, "label", nil, "labels as key=value")
	_ = cmd.MarkFlagRequired("kernel")
	_ = cmd.MarkFlagRequired("rootfs")
	return cmd
}

func listCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List microVMs",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			all, err := m.List(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(all)
			}
			if len(all) == 0 {
				fmt.Println("no microVMs")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATE\tIP\tPID")
			for _, s := range all {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", s.ID, s.Name, s.State, s.IPAddr, s.PID)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show one microVM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			s, err := m.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(s)
		},
	}
}

func pauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <id>",
		Short: "Pause a running microVM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd)
			if err != nil {
				return err
			}
			defer m.Close()
			return m.Pause(cmd.Context(), args[0])
		},
	}
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a paused microVM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd)
			if err != nil {
				return err
			}
			defer m.Close()
			return m.Resume(cmd.Context(), args[0])
		},
	}
}

func deleteCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:     "delete [id]",
		Aliases: []string{"rm"},
		Short:   "Delete microVMs",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			if all {
				return m.DeleteAll(cmd.Context())
			}
			if len(args) != 1 {
				return fmt.Errorf("either an id or --all is required")
			}
			return m.Delete(cmd.Context(), args[0])
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "delete every microVM")
	return cmd
}

func portForwardCmd() *cobra.Command {
	var remove bool

	cmd := &cobra.Command{
		Use:   "port-forward <id> <host-port> <dest-port>",
		Short: "Map a host port to a guest port",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			ports := microvm.ParsePorts(args[1] + "," + args[2])
			if len(ports) != 2 {
				return fmt.Errorf("invalid port arguments %q %q", args[1], args[2])
			}
			if remove {
				return m.RemovePortForward(cmd.Context(), args[0], ports[0], ports[1])
			}
			return m.PortForward(cmd.Context(), args[0], ports[0], ports[1])
		},
	}
	cmd.Flags().BoolVar(&remove, "remove", false, "remove the mapping instead of adding it")
	return cmd
}

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Snapshot operations",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create <id>",
			Short: "Capture a full snapshot of a microVM",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := newManager(cmd)
				if err != nil {
					return err
				}
				defer m.Close()
				return m.SnapshotCreate(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "load <id>",
			Short: "Restore a microVM from its snapshot",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := newManager(cmd)
				if err != nil {
					return err
				}
				defer m.Close()
				return m.SnapshotLoad(cmd.Context(), args[0])
			},
		},
	)
	return cmd
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove orphaned network devices and stale runtime files",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd)
			if err != nil {
				return err
			}
			defer m.Close()
			return m.Cleanup(cmd.Context())
		},
	}
}
