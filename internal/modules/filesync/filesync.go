package filesync

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/sftp"

	"github.com/eniac111/plumbdeploy/internal/types"
)

// Stats counts what a sync did. Uploaded+DirsCreated is the number of remote
// modifications; a repeated sync of an unchanged source reports zero for both.
type Stats struct {
	Uploaded    int
	Unchanged   int
	Excluded    int
	DirsCreated int
}

// Changed reports whether the remote tree was modified.
func (s Stats) Changed() bool { return s.Uploaded > 0 || s.DirsCreated > 0 }

func (s Stats) String() string {
	return fmt.Sprintf("uploaded %d, unchanged %d, excluded %d, dirs created %d",
		s.Uploaded, s.Unchanged, s.Excluded, s.DirsCreated)
}

// Run pushes src to dest over SFTP. A directory source is mirrored into the
// dest directory; a file source is written to the dest path (or into dest when
// it ends in "/"). Files whose remote size and SHA-256 already match are left
// alone. Nothing is deleted remotely and a failed run is not rolled back.
// ctx is checked before and after every file and while copying; closing the
// client is what unblocks a stalled transfer.
func Run(ctx context.Context, client *sftp.Client, src, dest string, excludes []string) (Stats, error) {
	var st Stats

	info, err := os.Stat(src)
	if err != nil {
		return st, types.Wrap(types.InvalidConfiguration, err, "sync source %s", src)
	}

	if !info.IsDir() {
		if excluded(filepath.Base(src), excludes) {
			st.Excluded++
			return st, nil
		}
		remote := dest
		if strings.HasSuffix(dest, "/") {
			remote = path.Join(dest, filepath.Base(src))
		}
		if err := ensureDir(client, path.Dir(remote), &st); err != nil {
			return st, err
		}
		return st, syncFile(ctx, client, src, remote, &st)
	}

	if err := ensureDir(client, dest, &st); err != nil {
		return st, err
	}

	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == src {
			return nil
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if excluded(rel, excludes) {
			st.Excluded++
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		remote := path.Join(dest, rel)
		switch {
		case d.IsDir():
			return ensureDir(client, remote, &st)
		case d.Type().IsRegular():
			return syncFile(ctx, client, p, remote, &st)
		default:
			// symlinks, sockets and devices are not pushed
			return nil
		}
	})
	return st, err
}

// excluded matches rel (slash-separated) against each glob, both as a whole
// and by its base name.
func excluded(rel string, excludes []string) bool {
	base := path.Base(rel)
	for _, pattern := range excludes {
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func ensureDir(client *sftp.Client, dir string, st *Stats) error {
	info, err := client.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("'%s' exists but is not a directory", dir)
		}
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat %s: %w", dir, err)
	}
	if err := client.MkdirAll(dir); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	st.DirsCreated++
	return nil
}

func syncFile(ctx context.Context, client *sftp.Client, local, remote string, st *Stats) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	same, err := sameContent(client, local, remote)
	if err != nil {
		return err
	}
	if same {
		st.Unchanged++
		return ctx.Err()
	}
	if err := upload(ctx, client, local, remote); err != nil {
		return fmt.Errorf("failed to upload %s: %w", local, err)
	}
	st.Uploaded++
	return ctx.Err()
}

func sameContent(client *sftp.Client, local, remote string) (bool, error) {
	rinfo, err := client.Stat(remote)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", remote, err)
	}
	if rinfo.IsDir() {
		return false, fmt.Errorf("'%s' exists but is a directory", remote)
	}

	linfo, err := os.Stat(local)
	if err != nil {
		return false, err
	}
	if linfo.Size() != rinfo.Size() {
		return false, nil
	}

	lsum, err := localSum(local)
	if err != nil {
		return false, err
	}
	f, err := client.Open(remote)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", remote, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, fmt.Errorf("failed to read %s: %w", remote, err)
	}
	return string(h.Sum(nil)) == string(lsum), nil
}

func localSum(p string) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func upload(ctx context.Context, client *sftp.Client, local, remote string) error {
	srcFile, err := os.Open(local)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := client.Create(remote)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dstFile, ctxReader{ctx, srcFile}); err != nil {
		dstFile.Close()
		return err
	}
	return dstFile.Close()
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
