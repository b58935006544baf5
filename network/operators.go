package network

import (
	"fmt"
	"sync"

	"github.com/google/nftables"
	"github.com/vishvananda/netlink"
)

// LinkOperator defines the link-layer operations the manager needs. The
// default implementation talks to the kernel through netlink; tests inject
// a fake.
type LinkOperator interface {
	LinkByName(name string) (netlink.Link, error)
	LinkAdd(link netlink.Link) error
	LinkDel(link netlink.Link) error
	LinkSetUp(link netlink.Link) error
	LinkList() ([]netlink.Link, error)
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
	AddrAdd(link netlink.Link, addr *netlink.Addr) error
	ParseAddr(s string) (*netlink.Addr, error)
}

// RulesetOperator defines the nftables operations the manager needs.
// Mutations are queued and committed by Flush, matching the library's
// transaction model.
type RulesetOperator interface {
	EnsureTable(table *nftables.Table) (*nftables.Table, error)
	EnsureChain(chain *nftables.Chain) (*nftables.Chain, error)
	AddRule(rule *nftables.Rule)
	DelRule(rule *nftables.Rule) error
	GetRules(table *nftables.Table, chain *nftables.Chain) ([]*nftables.Rule, error)
	Flush() error
	Close()
}

type defaultLinkOperator struct{}

// NewLinkOperator returns the netlink-backed operator.
func NewLinkOperator() LinkOperator {
	return &defaultLinkOperator{}
}

func (o *defaultLinkOperator) LinkByName(name string) (netlink.Link, error) {
	return netlink.LinkByName(name)
}

func (o *defaultLinkOperator) LinkAdd(link netlink.Link) error {
	return netlink.LinkAdd(link)
}

func (o *defaultLinkOperator) LinkDel(link netlink.Link) error {
	return netlink.LinkDel(link)
}

func (o *defaultLinkOperator) LinkSetUp(link netlink.Link) error {
	return netlink.LinkSetUp(link)
}

func (o *defaultLinkOperator) LinkList() ([]netlink.Link, error) {
	return netlink.LinkList()
}

func (o *defaultLinkOperator) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return netlink.AddrList(link, family)
}

func (o *defaultLinkOperator) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	return netlink.AddrAdd(link, addr)
}

func (o *defaultLinkOperator) ParseAddr(s string) (*netlink.Addr, error) {
	return netlink.ParseAddr(s)
}

type defaultRulesetOperator struct {
	mu   sync.Mutex
	conn *nftables.Conn
}

// NewRulesetOperator connects to the kernel's nftables subsystem. The
// returned error indicates the host cannot manage rules at all, in which
// case the manager degrades to link-only operation.
func NewRulesetOperator() (RulesetOperator, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nftables: %w", err)
	}
	if _, err := conn.ListTables(); err != nil {
		return nil, fmt.Errorf("nftables unavailable: %w", err)
	}
	return &defaultRulesetOperator{conn: conn}, nil
}

func (op *defaultRulesetOperator) EnsureTable(table *nftables.Table) (*nftables.Table, error) {
	op.mu.Lock()
	defer op.mu.Unlock()

	tables, err := op.conn.ListTables()
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	for _, t := range tables {
		if t.Name == table.Name && t.Family == table.Family {
			return t, nil
		}
	}
	return op.conn.AddTable(table), nil
}

func (op *defaultRulesetOperator) EnsureChain(chain *nftables.Chain) (*nftables.Chain, error) {
	op.mu.Lock()
	defer op.mu.Unlock()

	chains, err := op.conn.ListChains()
	if err != nil {
		return nil, fmt.Errorf("failed to list chains: %w", err)
	}
	for _, c := range chains {
		if c.Name == chain.Name && c.Table.Name == chain.Table.Name && c.Table.Family == chain.Table.Family {
			return c, nil
		}
	}
	return op.conn.AddChain(chain), nil
}

func (op *defaultRulesetOperator) AddRule(rule *nftables.Rule) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.conn.AddRule(rule)
}

func (op *defaultRulesetOperator) DelRule(rule *nftables.Rule) error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.conn.DelRule(rule)
}

func (op *defaultRulesetOperator) GetRules(table *nftables.Table, chain *nftables.Chain) ([]*nftables.Rule, error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.conn.GetRules(table, chain)
}

func (op *defaultRulesetOperator) Flush() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.conn.Flush()
}

func (op *defaultRulesetOperator) Close() {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.conn = nil
}
