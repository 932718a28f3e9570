//go:build linux

package sources

import (
	"context"
	"fmt"
	"strconv"
	"time"

	nflog "github.com/florianl/go-nflog/v2"

	"holt.is/bulwark/internal/events"
)

// NFLogGroup is the netfilter log group our rendered log rules target.
const NFLogGroup = 32

// NFLogSource reads firewall hits straight from the kernel's nflog
// stream, avoiding the syslog round-trip. Events from here are the
// primary causal-tag candidates: they are literally the firewall acting.
type NFLogSource struct {
	group uint16
}

// NewNFLog creates the nflog source.
func NewNFLog(group uint16) *NFLogSource {
	if group == 0 {
		group = NFLogGroup
	}
	return &NFLogSource{group: group}
}

func (n *NFLogSource) Name() string { return "nflog" }

// Run attaches to the nflog group until cancelled.
func (n *NFLogSource) Run(ctx context.Context, emit func(events.SecurityEvent)) error {
	cfg := nflog.Config{
		Group:    n.group,
		Copymode: nflog.CopyPacket,
		Bufsize:  64 * 1024,
	}
	nf, err := nflog.Open(&cfg)
	if err != nil {
		return fmt.Errorf("open nflog group %d: %w", n.group, err)
	}
	defer nf.Close()

	hook := func(attrs nflog.Attribute) int {
		ev := events.New("nflog", events.KindFirewallHit, events.SeverityLow, time.Now())
		if attrs.Payload != nil {
			src, dport := parsePacketHeader(*attrs.Payload)
			ev.SourceIP = src
			if dport > 0 {
				ev.Target = strconv.Itoa(dport)
			}
		}
		if attrs.Prefix != nil {
			ev.Raw = *attrs.Prefix
		}
		emit(ev)
		return 0
	}
	errFunc := func(err error) int {
		// Transient receive errors are survivable; the supervisor
		// handles anything persistent through source restart.
		return 0
	}
	if err := nf.RegisterWithErrorFunc(ctx, hook, errFunc); err != nil {
		return fmt.Errorf("register nflog hook: %w", err)
	}
	<-ctx.Done()
	return ctx.Err()
}

// parsePacketHeader extracts the source address and TCP/UDP destination
// port from a raw IPv4/IPv6 packet.
func parsePacketHeader(pkt []byte) (src string, dport int) {
	if len(pkt) < 20 {
		return "", 0
	}
	switch pkt[0] >> 4 {
	case 4:
		ihl := int(pkt[0]&0x0f) * 4
		src = fmt.Sprintf("%d.%d.%d.%d", pkt[12], pkt[13], pkt[14], pkt[15])
		proto := pkt[9]
		if (proto == 6 || proto == 17) && len(pkt) >= ihl+4 {
			dport = int(pkt[ihl+2])<<8 | int(pkt[ihl+3])
		}
	case 6:
		if len(pkt) < 44 {
			return "", 0
		}
		ip := make([]byte, 16)
		copy(ip, pkt[8:24])
		src = formatIPv6(ip)
		proto := pkt[6]
		if (proto == 6 || proto == 17) && len(pkt) >= 44 {
			dport = int(pkt[42])<<8 | int(pkt[43])
		}
	}
	return src, dport
}

func formatIPv6(b []byte) string {
	s := ""
	for i := 0; i < 16; i += 2 {
		if i > 0 {
			s += ":"
		}
		s += fmt.Sprintf("%x", int(b[i])<<8|int(b[i+1]))
	}
	return s
}
