// Package archive unpacks package archives (gzip-compressed tarballs)
// into private staging directories. Extraction never writes into a
// final payload location; the engine moves a fully staged tree into
// place in one rename.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/arthur-debert/uhpm/pkg/errors"
)

// Stage extracts the archive at archivePath into a fresh directory
// under stagingRoot and returns that directory. The caller owns the
// returned directory and removes it when done.
func Stage(archivePath, stagingRoot string) (string, error) {
	if err := os.MkdirAll(stagingRoot, 0755); err != nil {
		return "", errors.Wrapf(err, errors.ErrStage, "failed to create staging root %s", stagingRoot)
	}

	dest := filepath.Join(stagingRoot, "stage-"+uuid.NewString())
	if err := os.Mkdir(dest, 0755); err != nil {
		return "", errors.Wrapf(err, errors.ErrStage, "failed to create staging directory %s", dest)
	}

	if err := Extract(archivePath, dest); err != nil {
		_ = os.RemoveAll(dest)
		return "", err
	}
	return dest, nil
}

// ReadDescriptor returns the contents of the named file from the root
// of a tar.gz archive without extracting anything to disk.
func ReadDescriptor(archivePath, name string) ([]byte, error) {
	fh, err := os.Open(archivePath)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrExtract, "cannot open archive %s", archivePath)
	}
	defer func() { _ = fh.Close() }()

	gz, err := gzip.NewReader(fh)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrExtract, "archive %s is not gzip-compressed", archivePath)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, errors.Newf(errors.ErrMetaParse, "archive %s contains no %s", archivePath, name)
		}
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrExtract, "failed to read archive %s", archivePath)
		}
		if hdr.Typeflag != tar.TypeReg || filepath.Clean(hdr.Name) != name {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrExtract, "failed to read %s from archive %s", name, archivePath)
		}
		return data, nil
	}
}

// Extract unpacks a tar.gz archive into dest. Entries that would
// escape dest (absolute paths, ".." traversal) are rejected, as are
// entry types other than directories, regular files and symlinks.
func Extract(archivePath, dest string) error {
	fh, err := os.Open(archivePath)
	if err != nil {
		return errors.Wrapf(err, errors.ErrExtract, "cannot open archive %s", archivePath)
	}
	defer func() { _ = fh.Close() }()

	gz, err := gzip.NewReader(fh)
	if err != nil {
		return errors.Wrapf(err, errors.ErrExtract, "archive %s is not gzip-compressed", archivePath)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, errors.ErrExtract, "failed to read archive %s", archivePath)
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode).Perm()|0700); err != nil {
				return errors.Wrapf(err, errors.ErrExtract, "failed to create directory %s", target)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, os.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			// Links inside the payload are allowed but must stay inside it.
			if filepath.IsAbs(hdr.Linkname) {
				return errors.Newf(errors.ErrExtract,
					"archive entry %s links to absolute path %s", hdr.Name, hdr.Linkname)
			}
			if _, err := safeJoin(filepath.Dir(target), hdr.Linkname); err != nil {
				return errors.Newf(errors.ErrExtract,
					"archive entry %s links outside the archive: %s", hdr.Name, hdr.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return errors.Wrapf(err, errors.ErrExtract, "failed to create directory for %s", target)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return errors.Wrapf(err, errors.ErrExtract, "failed to create symlink %s", target)
			}
		default:
			return errors.Newf(errors.ErrExtract,
				"archive entry %s has unsupported type %d", hdr.Name, hdr.Typeflag)
		}
	}
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return errors.Wrapf(err, errors.ErrExtract, "failed to create directory for %s", target)
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return errors.Wrapf(err, errors.ErrExtract, "failed to create file %s", target)
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, errors.ErrExtract, "failed to write file %s", target)
	}
	if err := out.Close(); err != nil {
		return errors.Wrapf(err, errors.ErrExtract, "failed to close file %s", target)
	}
	return nil
}

// safeJoin joins name onto dest and rejects results outside dest.
func safeJoin(dest, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", errors.Newf(errors.ErrExtract, "archive entry %s has an absolute path", name)
	}
	target := filepath.Join(dest, name)
	if target != dest && !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
		return "", errors.Newf(errors.ErrExtract, "archive entry %s escapes the extraction directory", name)
	}
	return target, nil
}
