// Package store is the durable record of installed packages, their
// materialized files, and their dependency edges. It is the only
// component allowed to mutate those rows, and every multi-row mutation
// runs inside a single transaction so a crash mid-operation leaves the
// database exactly as it was before the call began.
package store

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"sort"

	"github.com/Masterminds/semver"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/arthur-debert/uhpm/pkg/errors"
	"github.com/arthur-debert/uhpm/pkg/logging"
	"github.com/arthur-debert/uhpm/pkg/types"
)

// Store wraps the package database.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// Open opens (creating if necessary) the package database at path and
// migrates the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, errors.ErrStoreIO, "failed to create database directory for %s", path)
	}

	// Readers block briefly instead of failing while a commit holds
	// the write lock.
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrStoreIO, "failed to open database %s", path)
	}

	s := &Store{db: db, logger: logging.GetLogger("store")}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	for _, model := range []interface{}{&Package{}, &InstalledFile{}, &DependencyEdge{}} {
		if err := s.db.AutoMigrate(model); err != nil {
			return errors.Wrap(err, errors.ErrStoreIO, "failed to migrate schema")
		}
	}
	return nil
}

// Transaction runs fn against a transactional view of the store. Any
// error from fn rolls everything back.
func (s *Store) Transaction(fn func(tx *Store) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, logger: s.logger})
	})
}

// Install writes the package row, its installed files, and its
// dependency edges. When called outside a Transaction it opens its
// own, so the three row sets always commit or roll back together.
func (s *Store) Install(pkg *types.Package, files []InstalledFile) error {
	return s.Transaction(func(tx *Store) error {
		row := Package{
			Name:        pkg.Name,
			Version:     pkg.Version,
			Author:      pkg.Author,
			Checksum:    pkg.Checksum,
			SourceType:  string(pkg.Src.Type),
			SourceValue: pkg.Src.Value,
		}
		if err := tx.db.Create(&row).Error; err != nil {
			return errors.Wrapf(err, errors.ErrStoreIO, "failed to insert package %s", pkg.Key())
		}

		for _, dep := range pkg.Dependencies {
			edge := DependencyEdge{
				PackageName:    pkg.Name,
				PackageVersion: pkg.Version,
				DependencyName: dep.Name,
				Constraint:     dep.Constraint,
			}
			if err := tx.db.Create(&edge).Error; err != nil {
				return errors.Wrapf(err, errors.ErrStoreIO, "failed to insert dependency edge %s -> %s", pkg.Name, dep.Name)
			}
		}

		for i := range files {
			files[i].PackageName = pkg.Name
			files[i].PackageVersion = pkg.Version
			if err := tx.db.Create(&files[i]).Error; err != nil {
				return errors.Wrapf(err, errors.ErrStoreIO, "failed to insert installed file %s", files[i].TargetPath)
			}
		}

		tx.logger.Debug().Str("package", pkg.Key()).Int("files", len(files)).Msg("package rows committed")
		return nil
	})
}

// MarkCurrent atomically moves the current flag for name onto version.
// Readers never observe zero or two current rows for an installed name.
func (s *Store) MarkCurrent(name, version string) error {
	return s.Transaction(func(tx *Store) error {
		var row Package
		err := tx.db.Where("name = ? AND version = ?", name, version).First(&row).Error
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return errors.Newf(errors.ErrNotFound, "package %s version %s is not installed", name, version)
		}
		if err != nil {
			return errors.Wrapf(err, errors.ErrStoreIO, "failed to look up %s-%s", name, version)
		}
		if row.IsCurrent {
			return errors.Newf(errors.ErrAlreadyCurrent, "package %s is already at version %s", name, version)
		}

		if err := tx.db.Model(&Package{}).
			Where("name = ? AND is_current = ?", name, true).
			Update("is_current", false).Error; err != nil {
			return errors.Wrapf(err, errors.ErrStoreIO, "failed to unset current version of %s", name)
		}
		if err := tx.db.Model(&Package{}).
			Where("name = ? AND version = ?", name, version).
			Update("is_current", true).Error; err != nil {
			return errors.Wrapf(err, errors.ErrStoreIO, "failed to mark %s-%s current", name, version)
		}
		return nil
	})
}

// ListInstalled returns every installed package row, ordered by name
// then version for stable output.
func (s *Store) ListInstalled() ([]Package, error) {
	var rows []Package
	if err := s.db.Order("name, version").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, errors.ErrStoreIO, "failed to list installed packages")
	}
	return rows, nil
}

// Find looks up one installed version of name. An empty version means
// the current one.
func (s *Store) Find(name, version string) (*Package, error) {
	var row Package
	q := s.db.Where("name = ?", name)
	if version == "" {
		q = q.Where("is_current = ?", true)
	} else {
		q = q.Where("version = ?", version)
	}
	err := q.First(&row).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		if version == "" {
			return nil, errors.Newf(errors.ErrNotFound, "package %s is not installed", name)
		}
		return nil, errors.Newf(errors.ErrNotFound, "package %s version %s is not installed", name, version)
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrStoreIO, "failed to look up package %s", name)
	}
	return &row, nil
}

// VersionsOf returns all installed rows for name, newest first.
func (s *Store) VersionsOf(name string) ([]Package, error) {
	var rows []Package
	if err := s.db.Where("name = ?", name).Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, errors.ErrStoreIO, "failed to list versions of %s", name)
	}
	sort.Slice(rows, func(i, j int) bool {
		vi, erri := semver.NewVersion(rows[i].Version)
		vj, errj := semver.NewVersion(rows[j].Version)
		if erri != nil || errj != nil {
			return rows[i].Version > rows[j].Version
		}
		return vi.GreaterThan(vj)
	})
	return rows, nil
}

// InstalledFilesOf returns the recorded artifacts of one (name, version).
func (s *Store) InstalledFilesOf(name, version string) ([]InstalledFile, error) {
	var rows []InstalledFile
	if err := s.db.Where("package_name = ? AND package_version = ?", name, version).
		Order("source_path").Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, errors.ErrStoreIO, "failed to list installed files of %s-%s", name, version)
	}
	return rows, nil
}

// EdgesOf returns the dependency edges declared by one (name, version).
func (s *Store) EdgesOf(name, version string) ([]DependencyEdge, error) {
	var rows []DependencyEdge
	if err := s.db.Where("package_name = ? AND package_version = ?", name, version).
		Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, errors.ErrStoreIO, "failed to list edges of %s-%s", name, version)
	}
	return rows, nil
}

// Edges returns every dependency edge among installed packages.
func (s *Store) Edges() ([]DependencyEdge, error) {
	var rows []DependencyEdge
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, errors.ErrStoreIO, "failed to list dependency edges")
	}
	return rows, nil
}

// Dependents returns the installed packages whose dependency edges
// point at name, excluding name's own rows.
func (s *Store) Dependents(name string) ([]Package, error) {
	var edges []DependencyEdge
	if err := s.db.Where("dependency_name = ? AND package_name <> ?", name, name).
		Find(&edges).Error; err != nil {
		return nil, errors.Wrapf(err, errors.ErrStoreIO, "failed to find dependents of %s", name)
	}

	var out []Package
	seen := make(map[string]bool)
	for _, e := range edges {
		key := e.PackageName + "-" + e.PackageVersion
		if seen[key] {
			continue
		}
		seen[key] = true
		var row Package
		err := s.db.Where("name = ? AND version = ?", e.PackageName, e.PackageVersion).First(&row).Error
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			// Edge without a package row would be a bug elsewhere;
			// skip rather than fail the guard.
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrStoreIO, "failed to load dependent %s", key)
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Remove deletes the package row together with its installed files and
// edges in one transaction. If the removed row was current and other
// versions of the name remain, the highest remaining version becomes
// current within the same transaction.
func (s *Store) Remove(name, version string) error {
	return s.Transaction(func(tx *Store) error {
		row, err := tx.Find(name, version)
		if err != nil {
			return err
		}

		if err := tx.db.Where("package_name = ? AND package_version = ?", name, version).
			Delete(&InstalledFile{}).Error; err != nil {
			return errors.Wrapf(err, errors.ErrStoreIO, "failed to delete installed files of %s-%s", name, version)
		}
		if err := tx.db.Where("package_name = ? AND package_version = ?", name, version).
			Delete(&DependencyEdge{}).Error; err != nil {
			return errors.Wrapf(err, errors.ErrStoreIO, "failed to delete edges of %s-%s", name, version)
		}
		if err := tx.db.Where("name = ? AND version = ?", name, version).
			Delete(&Package{}).Error; err != nil {
			return errors.Wrapf(err, errors.ErrStoreIO, "failed to delete package %s-%s", name, version)
		}

		if row.IsCurrent {
			remaining, err := tx.VersionsOf(name)
			if err != nil {
				return err
			}
			if len(remaining) > 0 {
				if err := tx.db.Model(&Package{}).
					Where("name = ? AND version = ?", name, remaining[0].Version).
					Update("is_current", true).Error; err != nil {
					return errors.Wrapf(err, errors.ErrStoreIO, "failed to promote %s-%s to current", name, remaining[0].Version)
				}
			}
		}

		tx.logger.Debug().Str("package", name+"-"+version).Msg("package rows removed")
		return nil
	})
}

// RemoveFiles deletes the rows for specific target paths of one
// (name, version). Used by removal to record progress so a failed
// unlink pass can resume from the files still on disk.
func (s *Store) RemoveFiles(name, version string, targets []string) error {
	if len(targets) == 0 {
		return nil
	}
	if err := s.db.Where("package_name = ? AND package_version = ? AND target_path IN ?",
		name, version, targets).Delete(&InstalledFile{}).Error; err != nil {
		return errors.Wrapf(err, errors.ErrStoreIO, "failed to delete file rows of %s-%s", name, version)
	}
	return nil
}

// Has reports whether the exact (name, version) row exists. Used by the
// engine to detect an interrupted run that committed rows but not links.
func (s *Store) Has(name, version string) (bool, error) {
	var count int64
	if err := s.db.Model(&Package{}).
		Where("name = ? AND version = ?", name, version).
		Count(&count).Error; err != nil {
		return false, errors.Wrapf(err, errors.ErrStoreIO, "failed to check for %s-%s", name, version)
	}
	return count > 0, nil
}
