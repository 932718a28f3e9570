package sources

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"holt.is/bulwark/internal/events"
)

// Built-in parsers, selected by name in source config. Each source
// declares exactly one parser.

var parserRegistry = map[string]Parser{
	"sshd":    ParseSSHD,
	"authlog": ParseAuthLog,
	"nftlog":  ParseNFTLog,
}

// ParserByName resolves a configured parser name.
func ParserByName(name string) (Parser, error) {
	p, ok := parserRegistry[name]
	if !ok {
		return nil, fmt.Errorf("unknown parser %q", name)
	}
	return p, nil
}

var (
	sshdFailRe = regexp.MustCompile(
		`(?:Failed password|Invalid user|authentication failure).*?(?:from|rhost=)[ =]?(\d{1,3}(?:\.\d{1,3}){3}|[0-9a-fA-F:]+?)(?:\s+port\s+(\d+))?(?:\s|$)`)
	nftPrefixRe = regexp.MustCompile(`bulwark-(\w+):`)
	nftFieldRe  = regexp.MustCompile(`\b(SRC|DST|PROTO|DPT|SPT)=(\S+)`)
)

// ParseSSHD lifts sshd auth failures.
func ParseSSHD(line string, observed time.Time) *events.SecurityEvent {
	m := sshdFailRe.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	ev := events.New("sshd", events.KindAuthFail, events.SeverityMedium, observed)
	ev.SourceIP = m[1]
	// The logged port is the client's ephemeral port; the attacked
	// service is ssh by definition of this log.
	ev.Target = "22"
	return &ev
}

// ParseAuthLog handles generic PAM authentication failures beyond sshd.
func ParseAuthLog(line string, observed time.Time) *events.SecurityEvent {
	if !strings.Contains(line, "authentication failure") &&
		!strings.Contains(line, "FAILED LOGIN") {
		return nil
	}
	m := sshdFailRe.FindStringSubmatch(line)
	ev := events.New("authlog", events.KindAuthFail, events.SeverityLow, observed)
	if m != nil {
		ev.SourceIP = m[1]
	}
	return &ev
}

// ParseNFTLog lifts kernel log lines produced by our own log-prefixed
// rules ("bulwark-drop: ..."). These carry the addresses the firewall
// just acted on, so they are the main causal-tag candidates.
func ParseNFTLog(line string, observed time.Time) *events.SecurityEvent {
	pm := nftPrefixRe.FindStringSubmatch(line)
	if pm == nil {
		return nil
	}
	fields := map[string]string{}
	for _, m := range nftFieldRe.FindAllStringSubmatch(line, -1) {
		fields[m[1]] = m[2]
	}
	ev := events.New("nftlog", events.KindFirewallHit, events.SeverityLow, observed)
	ev.SourceIP = fields["SRC"]
	ev.Target = fields["DPT"]
	return &ev
}
