package sources

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"holt.is/bulwark/internal/events"
)

func TestParseSSHD(t *testing.T) {
	now := time.Now()

	ev := ParseSSHD("Aug  1 12:00:01 host sshd[1234]: Failed password for root from 203.0.113.7 port 54321 ssh2", now)
	require.NotNil(t, ev)
	assert.Equal(t, events.KindAuthFail, ev.Kind)
	assert.Equal(t, "203.0.113.7", ev.SourceIP)
	assert.Equal(t, "22", ev.Target)

	ev = ParseSSHD("Aug  1 12:00:02 host sshd[1234]: Invalid user admin from 198.51.100.9 port 40000", now)
	require.NotNil(t, ev)
	assert.Equal(t, "198.51.100.9", ev.SourceIP)

	assert.Nil(t, ParseSSHD("Aug  1 12:00:03 host sshd[1234]: Accepted publickey for ops from 192.0.2.1", now))
	assert.Nil(t, ParseSSHD("", now))
}

func TestParseAuthLog(t *testing.T) {
	now := time.Now()
	ev := ParseAuthLog("su[999]: pam_unix(su:auth): authentication failure; logname=me uid=1000 euid=0 tty=pts/0 ruser=me rhost=203.0.113.7", now)
	require.NotNil(t, ev)
	assert.Equal(t, events.KindAuthFail, ev.Kind)
	assert.Equal(t, "203.0.113.7", ev.SourceIP)

	assert.Nil(t, ParseAuthLog("cron[1]: session opened for user root", now))
}

func TestParseNFTLog(t *testing.T) {
	now := time.Now()
	ev := ParseNFTLog("kernel: bulwark-drop: IN=eth0 OUT= SRC=198.51.100.9 DST=192.0.2.1 PROTO=TCP SPT=55555 DPT=22", now)
	require.NotNil(t, ev)
	assert.Equal(t, events.KindFirewallHit, ev.Kind)
	assert.Equal(t, "198.51.100.9", ev.SourceIP)
	assert.Equal(t, "22", ev.Target)

	assert.Nil(t, ParseNFTLog("kernel: martian source 255.255.255.255", now))
}

func TestParserByName(t *testing.T) {
	p, err := ParserByName("sshd")
	require.NoError(t, err)
	require.NotNil(t, p)
	_, err = ParserByName("nonsense")
	require.Error(t, err)
}

func TestParseDelimitedFeed(t *testing.T) {
	body := []byte(`# spamhaus drop list
; alt comment style
198.51.100.0/24 ; SBL123
203.0.113.7

not-an-ip
`)
	got := parseDelimitedFeed(body, "")
	assert.Equal(t, []string{"198.51.100.0/24", "203.0.113.7"}, got)
}

func TestParseCSVFeed(t *testing.T) {
	body := []byte("198.51.100.9,malware,high\n203.0.113.0/24,scanner,low\n")
	got := parseDelimitedFeed(body, ",")
	assert.Equal(t, []string{"198.51.100.9", "203.0.113.0/24"}, got)
}

func TestParseJSONFeed(t *testing.T) {
	assert.Equal(t, []string{"198.51.100.9"}, parseJSONFeed([]byte(`["198.51.100.9", "junk"]`)))
	assert.Equal(t, []string{"203.0.113.7"}, parseJSONFeed([]byte(`[{"ip": "203.0.113.7", "category": "scanner"}]`)))
	assert.Nil(t, parseJSONFeed([]byte(`{"not": "a list"}`)))
}
