//go:build linux

package nftables

import (
	"context"
	"fmt"
	"net"
	"sync"

	nft "github.com/google/nftables"

	"holt.is/bulwark/internal/brand"
)

// elementApplier mutates the block sets over netlink so established
// connection-tracking state survives the change.
type elementApplier interface {
	addElement(ctx context.Context, set, elem string) error
	deleteElement(ctx context.Context, set, elem string) error
}

func newElementApplier() elementApplier {
	return &netlinkSets{}
}

type netlinkSets struct {
	mu    sync.Mutex
	conn  *nft.Conn
	table *nft.Table
	sets  map[string]*nft.Set
}

func (n *netlinkSets) addElement(_ context.Context, setName, elem string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	set, err := n.getSet(setName)
	if err != nil {
		return err
	}
	elems, err := setElements(elem)
	if err != nil {
		return err
	}
	if err := n.conn.SetAddElements(set, elems); err != nil {
		return fmt.Errorf("add elements to %s: %w", setName, err)
	}
	return n.conn.Flush()
}

func (n *netlinkSets) deleteElement(_ context.Context, setName, elem string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	set, err := n.getSet(setName)
	if err != nil {
		return err
	}
	elems, err := setElements(elem)
	if err != nil {
		return err
	}
	if err := n.conn.SetDeleteElements(set, elems); err != nil {
		return fmt.Errorf("delete elements from %s: %w", setName, err)
	}
	return n.conn.Flush()
}

func (n *netlinkSets) getSet(name string) (*nft.Set, error) {
	if n.conn == nil {
		c, err := nft.New()
		if err != nil {
			return nil, fmt.Errorf("netlink: %w", err)
		}
		n.conn = c
		n.sets = make(map[string]*nft.Set)
	}
	if s, ok := n.sets[name]; ok {
		return s, nil
	}
	if n.table == nil {
		tables, err := n.conn.ListTables()
		if err != nil {
			return nil, fmt.Errorf("list tables: %w", err)
		}
		for _, t := range tables {
			if t.Name == brand.TableName && t.Family == nft.TableFamilyINet {
				n.table = t
				break
			}
		}
		if n.table == nil {
			return nil, fmt.Errorf("table inet %s not present", brand.TableName)
		}
	}
	set, err := n.conn.GetSetByName(n.table, name)
	if err != nil {
		return nil, fmt.Errorf("set %s: %w", name, err)
	}
	n.sets[name] = set
	return set, nil
}

// setElements converts an address or CIDR to interval-set elements: a
// start key and an exclusive end key.
func setElements(elem string) ([]nft.SetElement, error) {
	ip := net.ParseIP(elem)
	var ipnet *net.IPNet
	if ip == nil {
		var err error
		_, ipnet, err = net.ParseCIDR(elem)
		if err != nil {
			return nil, fmt.Errorf("invalid element %q", elem)
		}
	} else {
		if v4 := ip.To4(); v4 != nil {
			ipnet = &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}
		} else {
			ipnet = &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}
		}
	}

	start := ipnet.IP.Mask(ipnet.Mask)
	end := make(net.IP, len(start))
	copy(end, start)
	for i := range end {
		end[i] |= ^ipnet.Mask[i]
	}
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			break
		}
	}
	return []nft.SetElement{
		{Key: start},
		{Key: end, IntervalEnd: true},
	}, nil
}
