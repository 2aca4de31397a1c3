package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"github.com/rcourtman/ripcord/internal/logging"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config holds the SSH settings for one host.
type Config struct {
	User           string
	Port           int
	Password       string
	KeyPath        string
	KnownHostsPath string
	ConnectTimeout time.Duration
}

// SSH is the Executor implementation over x/crypto/ssh. The connection is
// established lazily on first use and re-established after a reboot.
type SSH struct {
	name   string // inventory name, for logs
	addr   string
	config Config
	client *ssh.Client
}

var readFileFn = os.ReadFile

// NewSSH builds an executor for the host at address. No connection is made
// until the first command runs.
func NewSSH(name, address string, cfg Config) *SSH {
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	return &SSH{
		name:   name,
		addr:   net.JoinHostPort(address, fmt.Sprintf("%d", port)),
		config: cfg,
	}
}

// Run executes command on the host. Non-zero exits land in the Result.
func (e *SSH) Run(ctx context.Context, command string) (Result, error) {
	result := Result{Command: command}

	client, err := e.ensureConnected(ctx)
	if err != nil {
		return result, err
	}

	session, err := client.NewSession()
	if err != nil {
		return result, fmt.Errorf("open session on %s: %w", e.name, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		session.Close()
		<-done
		return result, ctx.Err()
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.Duration = time.Since(start)

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
		} else {
			return result, fmt.Errorf("run %q on %s: %w", command, e.name, runErr)
		}
	}

	log.Debug().
		Str("host", e.name).
		Str("requestID", logging.RequestIDFrom(ctx)).
		Str("command", command).
		Int("exitCode", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("Remote command finished")

	return result, nil
}

// Upload stages src at remotePath over SFTP, creating parent directories.
func (e *SSH) Upload(ctx context.Context, src io.Reader, remotePath string, mode os.FileMode) error {
	client, err := e.ensureConnected(ctx)
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("open sftp session on %s: %w", e.name, err)
	}
	defer sftpClient.Close()

	if dir := filepath.Dir(remotePath); dir != "." && dir != "/" {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return fmt.Errorf("create remote directory %s on %s: %w", dir, e.name, err)
		}
	}

	dst, err := sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote file %s on %s: %w", remotePath, e.name, err)
	}

	written, err := io.Copy(dst, src)
	if err != nil {
		dst.Close()
		return fmt.Errorf("upload to %s on %s: %w", remotePath, e.name, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("finalize upload to %s on %s: %w", remotePath, e.name, err)
	}

	if err := sftpClient.Chmod(remotePath, mode); err != nil {
		return fmt.Errorf("chmod remote file %s on %s: %w", remotePath, e.name, err)
	}

	log.Debug().
		Str("host", e.name).
		Str("path", remotePath).
		Int64("bytes", written).
		Msg("File staged over SFTP")
	return nil
}

// Close tears down the connection, if one exists.
func (e *SSH) Close() error {
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}

func (e *SSH) ensureConnected(ctx context.Context) (*ssh.Client, error) {
	if e.client != nil {
		return e.client, nil
	}

	client, err := e.dial(ctx)
	if err != nil {
		return nil, err
	}
	e.client = client
	return client, nil
}

func (e *SSH) dial(ctx context.Context) (*ssh.Client, error) {
	clientConfig, err := e.clientConfig()
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: e.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s (%s): %w", e.name, e.addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, e.addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s (%s): %w", e.name, e.addr, err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (e *SSH) clientConfig() (*ssh.ClientConfig, error) {
	authMethods, err := buildAuthMethods(e.config)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := hostKeyCallback(e.config.KnownHostsPath)
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            e.config.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         e.config.ConnectTimeout,
	}, nil
}

// buildAuthMethods stacks password, explicit key, default keys, and agent
// auth in that order.
func buildAuthMethods(cfg Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}

	if cfg.KeyPath != "" {
		key, err := readFileFn(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read SSH key %s: %w", cfg.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse SSH key %s: %w", cfg.KeyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	} else if usr, err := user.Current(); err == nil {
		for _, name := range []string{"id_ed25519", "id_rsa"} {
			keyPath := filepath.Join(usr.HomeDir, ".ssh", name)
			key, err := readFileFn(keyPath)
			if err != nil {
				continue
			}
			signer, err := ssh.ParsePrivateKey(key)
			if err != nil {
				log.Debug().Str("key", keyPath).Err(err).Msg("Skipping unparseable default SSH key")
				continue
			}
			methods = append(methods, ssh.PublicKeys(signer))
			log.Debug().Str("key", keyPath).Msg("Using default SSH key")
		}
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if agentConn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(agentConn).Signers))
			log.Debug().Msg("Using SSH agent")
		} else {
			log.Debug().Err(err).Msg("SSH agent unavailable")
		}
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no SSH authentication methods available")
	}
	return methods, nil
}

func hostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		log.Warn().Msg("No known_hosts file configured, skipping host key verification")
		return ssh.InsecureIgnoreHostKey(), nil
	}

	callback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", knownHostsPath, err)
	}
	return callback, nil
}
