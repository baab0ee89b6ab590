package backup

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"

	sshclient "github.com/TheGojiOG/LocalSM/internal/ssh"
)

// SFTPDestination stores archives on a remote host over SFTP. Host keys are
// checked against the configured known_hosts file.
type SFTPDestination struct {
	config     *DestinationConfig
	sshClient  *xssh.Client
	sftpClient *sftp.Client
}

// NewSFTPDestination connects to the configured SFTP server
func NewSFTPDestination(ctx context.Context, config *DestinationConfig) (*SFTPDestination, error) {
	dest := &SFTPDestination{
		config: config,
	}

	if err := dest.connect(ctx); err != nil {
		return nil, err
	}

	return dest, nil
}

// connect establishes SSH and SFTP connections
func (sd *SFTPDestination) connect(ctx context.Context) error {
	knownHosts, err := sshclient.OpenKnownHosts(sd.config.SFTP.KnownHostsPath, sd.config.SFTP.TrustOnFirstUse)
	if err != nil {
		return fmt.Errorf("sftp destination %s: host keys: %w", sd.config.Name, err)
	}

	auth, err := sshclient.AuthMethods(sd.config.SFTP.KeyPath, sd.config.SFTP.Password)
	if err != nil {
		return fmt.Errorf("sftp destination %s: %w", sd.config.Name, err)
	}

	sshConfig := &xssh.ClientConfig{
		User:            sd.config.SFTP.Username,
		Auth:            auth,
		HostKeyCallback: knownHosts.Callback(),
		Timeout:         30 * time.Second,
	}

	addr := net.JoinHostPort(sd.config.SFTP.Host, strconv.Itoa(sd.config.SFTP.Port))

	dialer := net.Dialer{Timeout: sshConfig.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SSH server: %w", err)
	}
	c, chans, reqs, err := xssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to connect to SSH server: %w", err)
	}
	sd.sshClient = xssh.NewClient(c, chans, reqs)

	sftpClient, err := sftp.NewClient(sd.sshClient,
		sftp.MaxPacketUnchecked(131072),
		sftp.UseConcurrentWrites(true),
		sftp.MaxConcurrentRequestsPerFile(64),
	)
	if err != nil {
		sd.sshClient.Close()
		return fmt.Errorf("failed to create SFTP client: %w", err)
	}
	sd.sftpClient = sftpClient

	if sd.config.Path != "" {
		if err := sd.sftpClient.MkdirAll(sd.config.Path); err != nil {
			sd.Close()
			return fmt.Errorf("failed to create base directory: %w", err)
		}
	}

	log.Printf("[SFTPDest] Connected to %s as %s", addr, sd.config.SFTP.Username)
	return nil
}

// Close closes the SFTP and SSH connections
func (sd *SFTPDestination) Close() error {
	if sd.sftpClient != nil {
		sd.sftpClient.Close()
	}
	if sd.sshClient != nil {
		sd.sshClient.Close()
	}
	return nil
}

// Upload writes to a .partial file on the server and renames it once the
// expected size has arrived.
func (sd *SFTPDestination) Upload(ctx context.Context, filename string, reader io.Reader, sizeBytes int64) error {
	if err := checkArchiveName(filename); err != nil {
		return err
	}
	target := sd.remotePath(filename)
	partial := target + partialSuffix
	log.Printf("[SFTPDest] Uploading %s to %s:%s (%d bytes)", filename, sd.config.SFTP.Host, target, sizeBytes)

	f, err := sd.sftpClient.Create(partial)
	if err != nil {
		return fmt.Errorf("create remote file: %w", err)
	}
	written, err := f.ReadFrom(&ctxReader{ctx: ctx, r: reader})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && sizeBytes >= 0 && written != sizeBytes {
		err = fmt.Errorf("size mismatch: expected %d bytes, wrote %d", sizeBytes, written)
	}
	if err == nil {
		err = sd.sftpClient.PosixRename(partial, target)
	}
	if err != nil {
		sd.sftpClient.Remove(partial)
		return fmt.Errorf("upload %s: %w", filename, err)
	}
	return nil
}

func (sd *SFTPDestination) Download(ctx context.Context, filename string, writer io.Writer) error {
	if err := checkArchiveName(filename); err != nil {
		return err
	}
	f, err := sd.sftpClient.Open(sd.remotePath(filename))
	if err != nil {
		return fmt.Errorf("open remote archive: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(writer, &ctxReader{ctx: ctx, r: f}); err != nil {
		return fmt.Errorf("read remote archive %s: %w", filename, err)
	}
	return nil
}

func (sd *SFTPDestination) Delete(ctx context.Context, filename string) error {
	if err := checkArchiveName(filename); err != nil {
		return err
	}
	if err := sd.sftpClient.Remove(sd.remotePath(filename)); err != nil {
		return fmt.Errorf("delete remote archive: %w", err)
	}
	log.Printf("[SFTPDest] Deleted %s", filename)
	return nil
}

// List returns finished archives, oldest first.
func (sd *SFTPDestination) List(ctx context.Context) ([]BackupFile, error) {
	entries, err := sd.sftpClient.ReadDir(sd.remotePath(""))
	if err != nil {
		return nil, fmt.Errorf("read remote directory: %w", err)
	}

	var files []BackupFile
	for _, entry := range entries {
		if !entry.Mode().IsRegular() || strings.HasSuffix(entry.Name(), partialSuffix) {
			continue
		}
		files = append(files, BackupFile{
			Filename:  entry.Name(),
			SizeBytes: entry.Size(),
			CreatedAt: entry.ModTime().Unix(),
		})
	}
	sortBackupFiles(files)
	return files, nil
}

func (sd *SFTPDestination) GetType() string { return DestinationSFTP }

func (sd *SFTPDestination) remotePath(filename string) string {
	dir := sd.config.Path
	if dir == "" {
		dir = "."
	}
	return path.Join(dir, filename)
}
