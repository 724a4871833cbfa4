package store

// Package is one installed package version. At most one row per name
// has IsCurrent set; the pair (name, version) is the identity.
type Package struct {
	Name        string `gorm:"primaryKey"`
	Version     string `gorm:"primaryKey"`
	Author      string
	Checksum    string `gorm:"not null"`
	SourceType  string `gorm:"not null"`
	SourceValue string
	IsCurrent   bool `gorm:"not null;default:false;index"`
}

// FileKind distinguishes how an installed file was materialized.
type FileKind string

const (
	// KindLink is a symlink pointing into the payload.
	KindLink FileKind = "link"
	// KindFile is a regular file placed outside the payload.
	KindFile FileKind = "file"
)

// InstalledFile is one filesystem artifact owned by a specific
// (name, version). SourcePath is relative to the payload root;
// TargetPath is the resolved absolute location in the user's
// environment.
type InstalledFile struct {
	PackageName    string   `gorm:"primaryKey"`
	PackageVersion string   `gorm:"primaryKey"`
	SourcePath     string   `gorm:"primaryKey"`
	TargetPath     string   `gorm:"not null;index"`
	Kind           FileKind `gorm:"not null"`
}

// DependencyEdge records one declared dependency of an installed
// package version. Edges are written with the package row and
// re-derived on update, never mutated in place.
type DependencyEdge struct {
	PackageName    string `gorm:"primaryKey"`
	PackageVersion string `gorm:"primaryKey"`
	DependencyName string `gorm:"primaryKey;index"`
	Constraint     string `gorm:"column:version_constraint;not null"`
}
