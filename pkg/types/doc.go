// Package types holds the metadata model shared by every other
// component: the package descriptor read from uhp.toml, its source
// variant and dependency declarations, and the symlist entries that
// describe which payload files get linked into the user's environment.
//
// Everything here is pure data plus parsing. Nothing in this package
// touches the store or the filesystem beyond reading descriptor text.
package types
