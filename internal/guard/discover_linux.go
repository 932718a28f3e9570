//go:build linux

package guard

import (
	"net"

	"github.com/vishvananda/netlink"
)

// DiscoverManagement returns the host's own addresses plus the addresses
// of the named management interfaces. These are added to the never-block
// set at startup so no autonomous rule can sever the control channel.
func DiscoverManagement(mgmtIfaces []string) []Entry {
	var entries []Entry

	links, err := netlink.LinkList()
	if err != nil {
		return fallbackDiscover(mgmtIfaces)
	}
	wanted := make(map[string]bool, len(mgmtIfaces))
	for _, n := range mgmtIfaces {
		wanted[n] = true
	}
	for _, link := range links {
		name := link.Attrs().Name
		// Every interface, loopback included, contributes its own
		// addresses (self-lockout protection); only explicitly-named
		// management interfaces also contribute their whole subnets.
		addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if addr.IP.IsLinkLocalUnicast() {
				continue
			}
			entries = append(entries, Entry{Value: addr.IP.String(), Kind: EntryMgmt})
			if wanted[name] {
				entries = append(entries, Entry{Value: addr.IPNet.String(), Kind: EntryMgmt})
			}
		}
		if wanted[name] {
			entries = append(entries, Entry{Value: name, Kind: EntryInterface})
		}
	}
	return entries
}

func fallbackDiscover(mgmtIfaces []string) []Entry {
	var entries []Entry
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLinkLocalUnicast() {
			entries = append(entries, Entry{Value: ipnet.IP.String(), Kind: EntryMgmt})
		}
	}
	for _, n := range mgmtIfaces {
		entries = append(entries, Entry{Value: n, Kind: EntryInterface})
	}
	return entries
}
