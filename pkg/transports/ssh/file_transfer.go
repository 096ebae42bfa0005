package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// sftpSession opens an SFTP subsystem session on the current connection.
func (c *Client) sftpSession(ctx context.Context) (*sftp.Client, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		c.dropConnection()
		return nil, fmt.Errorf("failed to open sftp session: %w", err)
	}
	return sftpClient, nil
}

// Upload copies a local file or directory tree into the VM.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) error {
	sftpClient, err := c.sftpSession(ctx)
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", localPath, err)
	}

	if info.IsDir() {
		return filepath.Walk(localPath, func(path string, fi os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			rel, err := filepath.Rel(localPath, path)
			if err != nil {
				return err
			}
			target := sftpClient.Join(remotePath, filepath.ToSlash(rel))
			if fi.IsDir() {
				return sftpClient.MkdirAll(target)
			}
			return c.uploadFile(sftpClient, path, target, fi.Mode())
		})
	}
	return c.uploadFile(sftpClient, localPath, remotePath, info.Mode())
}

// uploadFile copies one regular file, preserving its mode.
func (c *Client) uploadFile(sftpClient *sftp.Client, localPath, remotePath string, mode os.FileMode) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer src.Close()

	if err := sftpClient.MkdirAll(filepath.ToSlash(filepath.Dir(remotePath))); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}

	dst, err := sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", localPath, err)
	}
	if err := sftpClient.Chmod(remotePath, mode); err != nil {
		log.Warn().Str("path", remotePath).Err(err).Msg("failed to set remote file mode")
	}

	log.Debug().Str("local", localPath).Str("remote", remotePath).Int64("bytes", n).Msg("uploaded file")
	return nil
}

// Download copies a remote file out of the VM to the local path.
func (c *Client) Download(ctx context.Context, remotePath, localPath string) error {
	sftpClient, err := c.sftpSession(ctx)
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	src, err := sftpClient.Open(remotePath)
	if err != nil {
		return fmt.Errorf("failed to open remote file %s: %w", remotePath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create local directory: %w", err)
	}

	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file %s: %w", localPath, err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", remotePath, err)
	}

	log.Debug().Str("remote", remotePath).Str("local", localPath).Int64("bytes", n).Msg("downloaded file")
	return nil
}
