package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validHCL = `
backend {
  name = "nftables"
}

autonomy {
  level        = "cautious"
  max_cidr     = 24
  rate_per_min = 10

  breaker {
    count  = 5
    window = "10m"
  }
}

deploy {
  lock_timeout = "30s"

  heartbeat {
    timeout         = "60s"
    interval        = "5s"
    liveness_target = "192.0.2.1"
  }
}

store {
  path        = "/var/lib/bulwark/state.db"
  retain_days = 14
}

source "sshd" {
  enabled = true
  path    = "/var/log/auth.log"
  parser  = "sshd"
  budget  = 2048
}

never_block {
  entries              = ["10.0.0.1", "mgmt.example.com", "iface:wg0"]
  management_discovery = true
}

feed "spamhaus-drop" {
  url      = "https://www.spamhaus.org/drop/drop.txt"
  interval = "1h"
  age_max  = "24h"
}
`

func TestParse_Valid(t *testing.T) {
	cfg, err := Parse("test.hcl", []byte(validHCL))
	require.NoError(t, err)
	assert.Equal(t, "nftables", cfg.Backend.Name)
	assert.Equal(t, "cautious", cfg.Autonomy.Level)
	assert.Equal(t, 24, cfg.Autonomy.MaxCIDR)
	assert.Equal(t, 5, cfg.Autonomy.Breaker.Count)
	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, "sshd", cfg.Sources[0].Name)
	assert.Equal(t, 2048, cfg.Sources[0].Budget)
	require.Len(t, cfg.Feeds, 1)
	assert.Equal(t, "spamhaus-drop", cfg.Feeds[0].Name)
	require.NotNil(t, cfg.NeverBlock)
	assert.Len(t, cfg.NeverBlock.Entries, 3)

	d, err := Duration(cfg.Deploy.Heartbeat.Timeout, 0)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
}

func TestParse_PathVariables(t *testing.T) {
	cfg, err := Parse("test.hcl", []byte(`
backend {
  name = "nftables"
}
store {
  path       = "${state_dir}/state.db"
  backup_dir = "${state_dir}/backups"
}
`))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/bulwark/state.db", cfg.Store.Path)
	assert.Equal(t, "/var/lib/bulwark/backups", cfg.Store.BackupDir)
}

func TestParse_UnknownKeyIsError(t *testing.T) {
	_, err := Parse("test.hcl", []byte(`
backend {
  name    = "nftables"
  unknown = true
}
`))
	require.Error(t, err, "the configuration surface is closed")
}

func TestParse_DefaultsApplied(t *testing.T) {
	cfg, err := Parse("test.hcl", []byte(`
backend {
  name = "nftables"
}
`))
	require.NoError(t, err)
	assert.Equal(t, "monitor", cfg.Autonomy.Level, "autonomy defaults to monitor")
	assert.Equal(t, 24, cfg.Autonomy.MaxCIDR)
	assert.NotEmpty(t, cfg.Store.Path)
	assert.True(t, cfg.NeverBlock.ManagementDiscovery)
}

func TestParse_BadLevel(t *testing.T) {
	_, err := Parse("test.hcl", []byte(`
backend {
  name = "nftables"
}
autonomy {
  level = "yolo"
}
`))
	require.Error(t, err)
}

func TestParse_DuplicateSource(t *testing.T) {
	_, err := Parse("test.hcl", []byte(`
backend {
  name = "nftables"
}
source "sshd" {
  enabled = true
  parser  = "sshd"
}
source "sshd" {
  enabled = true
  parser  = "sshd"
}
`))
	require.Error(t, err)
}

func TestParse_EnabledSourceNeedsParser(t *testing.T) {
	_, err := Parse("test.hcl", []byte(`
backend {
  name = "nftables"
}
source "sshd" {
  enabled = true
}
`))
	require.Error(t, err)
}

func TestParse_FeedNeedsURL(t *testing.T) {
	_, err := Parse("test.hcl", []byte(`
backend {
  name = "nftables"
}
feed "broken" {
  url = ""
}
`))
	require.Error(t, err)
}

func TestParse_BadDuration(t *testing.T) {
	_, err := Parse("test.hcl", []byte(`
backend {
  name = "nftables"
}
deploy {
  lock_timeout = "soon"
}
`))
	require.Error(t, err)
}

func TestParse_MaxCIDRRange(t *testing.T) {
	_, err := Parse("test.hcl", []byte(`
backend {
  name = "nftables"
}
autonomy {
  max_cidr = 4
}
`))
	require.Error(t, err)
}
