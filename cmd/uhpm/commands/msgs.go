package commands

// Short messages (one-liners)
const (
	// Command descriptions
	MsgRootShort    = "A per-user home-directory package manager"
	MsgInstallShort = "Install packages and their dependencies"
	MsgRemoveShort  = "Remove installed packages"
	MsgSwitchShort  = "Make another installed version current"
	MsgUpdateShort  = "Update an installed package to the newest version"
	MsgListShort    = "List installed packages"
	MsgVersionShort = "Print version information"

	// Flag descriptions
	MsgFlagVerbose  = "Increase verbosity (-v INFO, -vv DEBUG, -vvv TRACE)"
	MsgFlagRoot     = "Override the uhpm root directory (default ~/.uhpm)"
	MsgFlagForce    = "Remove even when other installed packages depend on it"
	MsgFlagFile     = "Install from a local .uhp archive instead of a repository (repeatable)"
	MsgFlagChecksum = "Expected sha256:<hex> checksum of the --file archive"

	// Status messages
	MsgNothingToDo      = "Nothing to do."
	MsgNoPackages       = "No packages installed."
	MsgCurrentMarker    = "*"
	MsgNotCurrentMarker = ""
)

// Long messages
const (
	MsgRootLong = `uhpm installs packages into a per-user root (~/.uhpm), records them
in a package database, and materializes them into your environment as
symlinks. Multiple versions of a package can be installed side by side;
exactly one of them is current at a time.`

	MsgInstallLong = `Install resolves the named packages and their transitive dependencies
against the configured repositories, fetches and verifies the archives,
and installs everything in dependency order.

A package may carry a version constraint after an @ sign:

  uhpm install ripgrep
  uhpm install 'ripgrep@>= 13.0.0'

With --file the named archive is installed directly, skipping the
repository lookup for that package; its dependencies still resolve
against the configured repositories:

  uhpm install --file ./ripgrep-14.1.0.uhp.tar.gz`

	MsgSwitchLong = `Switch re-points a package's symlinks at another already-installed
version and marks that version current. Only links that still point
into the outgoing version's payload are touched.`
)
