package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
)

// SFTP returns the sftp session, opening it on first use.
func (c *Client) SFTP(ctx context.Context) (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp != nil {
		return c.sftp, nil
	}

	transport, err := c.transportLocked(ctx)
	if err != nil {
		return nil, err
	}
	client, err := sftp.NewClient(transport)
	if err != nil {
		c.logger.Warn().Err(err).Msg("SFTP enable failed! SSH only is accessible.")
		return nil, fmt.Errorf("%w: %w", ErrSFTPUnavailable, err)
	}
	c.sftp = client
	return client, nil
}

func remotePath(p string) string {
	return path.Clean(filepath.ToSlash(p))
}

// Open opens a remote file with os.OpenFile style flags.
func (c *Client) Open(ctx context.Context, p string, flag int) (*sftp.File, error) {
	client, err := c.SFTP(ctx)
	if err != nil {
		return nil, err
	}
	return client.OpenFile(remotePath(p), flag)
}

// Stat follows symlinks.
func (c *Client) Stat(ctx context.Context, p string) (os.FileInfo, error) {
	client, err := c.SFTP(ctx)
	if err != nil {
		return nil, err
	}
	return client.Stat(remotePath(p))
}

// lstatMode returns the mode of p without following links. ok is false
// when p does not exist or cannot be inspected.
func (c *Client) lstatMode(ctx context.Context, p string) (mode os.FileMode, ok bool, err error) {
	client, err := c.SFTP(ctx)
	if err != nil {
		return 0, false, err
	}
	info, err := client.Lstat(remotePath(p))
	if err != nil {
		return 0, false, nil
	}
	return info.Mode(), true, nil
}

// Exists reports whether p exists. Broken links exist.
func (c *Client) Exists(ctx context.Context, p string) (bool, error) {
	_, ok, err := c.lstatMode(ctx, p)
	return ok, err
}

// IsFile reports whether p is a regular file.
func (c *Client) IsFile(ctx context.Context, p string) (bool, error) {
	mode, ok, err := c.lstatMode(ctx, p)
	return ok && mode.IsRegular(), err
}

// IsDir reports whether p is a directory. Links to directories are not.
func (c *Client) IsDir(ctx context.Context, p string) (bool, error) {
	mode, ok, err := c.lstatMode(ctx, p)
	return ok && mode.IsDir(), err
}

// IsLink reports whether p is a symbolic link.
func (c *Client) IsLink(ctx context.Context, p string) (bool, error) {
	mode, ok, err := c.lstatMode(ctx, p)
	return ok && mode&os.ModeSymlink != 0, err
}

// Utime sets access and modification times. A nil times uses now.
func (c *Client) Utime(ctx context.Context, p string, times *[2]time.Time) error {
	client, err := c.SFTP(ctx)
	if err != nil {
		return err
	}
	atime, mtime := time.Now(), time.Now()
	if times != nil {
		atime, mtime = times[0], times[1]
	}
	return client.Chtimes(remotePath(p), atime, mtime)
}

// Symlink creates dst pointing at src.
func (c *Client) Symlink(ctx context.Context, src, dst string) error {
	client, err := c.SFTP(ctx)
	if err != nil {
		return err
	}
	return client.Symlink(remotePath(src), remotePath(dst))
}

// Chmod changes permission bits.
func (c *Client) Chmod(ctx context.Context, p string, mode os.FileMode) error {
	client, err := c.SFTP(ctx)
	if err != nil {
		return err
	}
	return client.Chmod(remotePath(p), mode)
}

// Chown changes ownership.
func (c *Client) Chown(ctx context.Context, p string, uid, gid int) error {
	client, err := c.SFTP(ctx)
	if err != nil {
		return err
	}
	return client.Chown(remotePath(p), uid, gid)
}

// Upload copies a local file to dst, keeping its permission bits.
func (c *Client) Upload(ctx context.Context, src, dst string) (int64, error) {
	client, err := c.SFTP(ctx)
	if err != nil {
		return 0, err
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return 0, err
	}

	out, err := client.OpenFile(remotePath(dst), os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return 0, fmt.Errorf("open remote %s: %w", dst, err)
	}
	n, err := io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("upload %s to %s: %w", src, dst, err)
	}
	if err := client.Chmod(remotePath(dst), info.Mode().Perm()); err != nil {
		c.logger.Debug().Err(err).Str("path", dst).Msg("chmod after upload failed")
	}
	c.logger.Debug().Str("src", src).Str("dst", dst).Int64("bytes", n).Msg("uploaded file")
	return n, nil
}

// Download copies remote src to a local file.
func (c *Client) Download(ctx context.Context, src, dst string) (int64, error) {
	client, err := c.SFTP(ctx)
	if err != nil {
		return 0, err
	}

	in, err := client.Open(remotePath(src))
	if err != nil {
		return 0, fmt.Errorf("open remote %s: %w", src, err)
	}
	defer in.Close()

	if dir := filepath.Dir(dst); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, err
		}
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := in.WriteTo(out)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("download %s to %s: %w", src, dst, err)
	}
	c.logger.Debug().Str("src", src).Str("dst", dst).Int64("bytes", n).Msg("downloaded file")
	return n, nil
}
