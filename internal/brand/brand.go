// Package brand provides centralized naming constants for the orchestrator.
// Keeping these in one place makes forking or white-labeling a one-file change.
package brand

const (
	// Name is the product name as shown to operators.
	Name = "Bulwark"

	// LowerName is the lowercase name used for table names, sockets and paths.
	LowerName = "bulwark"

	// BinaryName is the installed binary name.
	BinaryName = "bulwark"

	// DefaultConfigDir is where the HCL configuration lives.
	DefaultConfigDir = "/etc/bulwark"

	// ConfigFileName is the main configuration file name.
	ConfigFileName = "bulwark.hcl"

	// DefaultStateDir holds the state database and backups.
	DefaultStateDir = "/var/lib/bulwark"

	// DefaultRunDir holds the control socket.
	DefaultRunDir = "/run/bulwark"

	// SocketName is the control-plane unix socket file name.
	SocketName = "ctl.sock"

	// TableName is the nftables table owned by the orchestrator.
	TableName = "bulwark"
)
