// Package fetcher retrieves package archives and verifies their
// declared checksums before anything downstream touches the bytes.
// Transient transport failures are retried with exponential backoff;
// integrity failures are terminal and discard the corrupt download.
package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/arthur-debert/uhpm/pkg/config"
	"github.com/arthur-debert/uhpm/pkg/errors"
	"github.com/arthur-debert/uhpm/pkg/logging"
	"github.com/arthur-debert/uhpm/pkg/types"
)

// Event reports download progress for one package. Total is zero when
// the server does not announce a length.
type Event struct {
	Package string
	Bytes   int64
	Total   int64
	Done    bool
}

// Locator translates a repository source into a fetchable URL or local
// path. pkg/repo provides the implementation.
type Locator interface {
	ArchiveSource(pkg *types.Package) (types.Source, error)
}

// Fetcher downloads archives into a download directory.
type Fetcher struct {
	dir     string
	policy  config.Fetch
	client  *http.Client
	locator Locator
	events  chan<- Event
	logger  zerolog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLocator wires a repository locator for repository sources.
func WithLocator(l Locator) Option {
	return func(f *Fetcher) { f.locator = l }
}

// WithEvents attaches a progress channel. Sends never block: events are
// dropped when the receiver lags.
func WithEvents(ch chan<- Event) Option {
	return func(f *Fetcher) { f.events = ch }
}

// WithClient overrides the HTTP client, mainly for tests.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// New creates a Fetcher writing downloads under dir.
func New(dir string, policy config.Fetch, opts ...Option) *Fetcher {
	f := &Fetcher{
		dir:    dir,
		policy: policy,
		client: &http.Client{Timeout: 5 * time.Minute},
		logger: logging.GetLogger("fetcher"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves the archive for pkg and returns its local path. The
// returned file's sha256 is guaranteed to match the descriptor's
// declared checksum. Local sources are verified in place and never
// copied. A cached download with a matching checksum is reused.
func (f *Fetcher) Fetch(ctx context.Context, pkg *types.Package) (string, error) {
	_, digest, err := types.ParseChecksum(pkg.Checksum)
	if err != nil {
		return "", err
	}

	src := pkg.Src
	if src.Type == types.SourceRepository {
		if f.locator == nil {
			return "", errors.Newf(errors.ErrBadSource,
				"package %s has a repository source but no repositories are configured", pkg.Key())
		}
		src, err = f.locator.ArchiveSource(pkg)
		if err != nil {
			return "", err
		}
	}

	switch src.Type {
	case types.SourceLocalPath:
		if err := verifyFile(src.Value, digest); err != nil {
			return "", err
		}
		return src.Value, nil
	case types.SourceURL:
		return f.download(ctx, pkg, src.Value, digest)
	default:
		return "", errors.Newf(errors.ErrBadSource, "cannot fetch source type %q", src.Type)
	}
}

func (f *Fetcher) download(ctx context.Context, pkg *types.Package, url, digest string) (string, error) {
	if err := os.MkdirAll(f.dir, 0755); err != nil {
		return "", errors.Wrapf(err, errors.ErrTransport, "failed to create download directory %s", f.dir)
	}

	dest := filepath.Join(f.dir, pkg.Key()+".tar.gz")
	if verifyFile(dest, digest) == nil {
		f.logger.Debug().Str("package", pkg.Key()).Msg("reusing cached archive")
		return dest, nil
	}

	backoff := time.Duration(f.policy.RetryBackoffMS) * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= f.policy.RetryAttempts; attempt++ {
		if attempt > 1 {
			f.logger.Debug().Str("package", pkg.Key()).Int("attempt", attempt).
				Dur("backoff", backoff).Msg("retrying download")
			select {
			case <-ctx.Done():
				return "", errors.Wrapf(ctx.Err(), errors.ErrTransport, "download of %s canceled", pkg.Key())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err := f.downloadOnce(ctx, pkg, url, digest, dest)
		if err == nil {
			return dest, nil
		}
		// Corrupt bytes will not get better by retrying.
		if errors.IsErrorCode(err, errors.ErrIntegrity) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

func (f *Fetcher) downloadOnce(ctx context.Context, pkg *types.Package, url, digest, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrapf(err, errors.ErrTransport, "invalid archive URL %s", url)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, errors.ErrTransport, "failed to download %s", url)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf(errors.ErrTransport, "download of %s failed with status %s", url, resp.Status)
	}

	partial := dest + ".partial"
	out, err := os.Create(partial)
	if err != nil {
		return errors.Wrapf(err, errors.ErrTransport, "failed to create %s", partial)
	}

	hasher := sha256.New()
	written, copyErr := io.Copy(io.MultiWriter(out, hasher), f.progressReader(pkg, resp))
	closeErr := out.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(partial)
		if copyErr == nil {
			copyErr = closeErr
		}
		return errors.Wrapf(copyErr, errors.ErrTransport, "download of %s interrupted", url)
	}

	got := hex.EncodeToString(hasher.Sum(nil))
	if got != digest {
		_ = os.Remove(partial)
		return errors.Newf(errors.ErrIntegrity,
			"checksum mismatch for %s: declared sha256:%s, got sha256:%s", pkg.Key(), digest, got)
	}

	if err := os.Rename(partial, dest); err != nil {
		_ = os.Remove(partial)
		return errors.Wrapf(err, errors.ErrTransport, "failed to finalize download of %s", pkg.Key())
	}

	f.emit(Event{Package: pkg.Key(), Bytes: written, Total: written, Done: true})
	f.logger.Debug().Str("package", pkg.Key()).Int64("bytes", written).Msg("archive downloaded")
	return nil
}

func (f *Fetcher) progressReader(pkg *types.Package, resp *http.Response) io.Reader {
	if f.events == nil {
		return resp.Body
	}
	return &countingReader{
		r: resp.Body,
		report: func(n int64) {
			f.emit(Event{Package: pkg.Key(), Bytes: n, Total: resp.ContentLength})
		},
	}
}

func (f *Fetcher) emit(ev Event) {
	if f.events == nil {
		return
	}
	select {
	case f.events <- ev:
	default:
	}
}

type countingReader struct {
	r      io.Reader
	n      int64
	report func(int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if n > 0 {
		c.report(c.n)
	}
	return n, err
}

// ChecksumFile computes the algorithm-tagged sha256 digest of the file
// at path.
func ChecksumFile(path string) (string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, errors.ErrTransport, "cannot open archive %s", path)
	}
	defer func() { _ = fh.Close() }()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, fh); err != nil {
		return "", errors.Wrapf(err, errors.ErrTransport, "failed to read archive %s", path)
	}
	return "sha256:" + hex.EncodeToString(hasher.Sum(nil)), nil
}

// verifyFile checks that path exists and its sha256 matches digest.
func verifyFile(path, digest string) error {
	got, err := ChecksumFile(path)
	if err != nil {
		return err
	}
	if got != "sha256:"+digest {
		return errors.Newf(errors.ErrIntegrity,
			"checksum mismatch for %s: declared sha256:%s, got %s", path, digest, got)
	}
	return nil
}

// Verify re-checks an archive against a declared checksum string.
func Verify(path, checksum string) error {
	_, digest, err := types.ParseChecksum(checksum)
	if err != nil {
		return err
	}
	if err := verifyFile(path, digest); err != nil {
		if errors.IsErrorCode(err, errors.ErrIntegrity) {
			return err
		}
		return fmt.Errorf("verify %s: %w", path, err)
	}
	return nil
}
