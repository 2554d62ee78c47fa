package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"codeloop/internal/logging"
	"codeloop/internal/process"
	"codeloop/internal/security"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig holds connection configuration.
type SSHConfig struct {
	Host           string
	Port           int
	User           string
	KeyPath        string
	KnownHostsPath string
	Timeout        time.Duration
}

// Conn is a shared SSH connection with a lazily opened SFTP client. It
// reconnects when the connection stops answering keepalives.
type Conn struct {
	config SSHConfig

	mu   sync.Mutex
	conn *ssh.Client
	sftp *sftp.Client
}

// NewConn creates an unconnected SSH connection.
func NewConn(config SSHConfig) *Conn {
	if config.Port == 0 {
		config.Port = 22
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Conn{config: config}
}

// client returns a live SSH client, dialing if needed.
func (c *Conn) client(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		if _, _, err := c.conn.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return c.conn, nil
		}
		// Connection dead, close and reconnect
		c.closeLocked()
	}

	sshConfig, err := c.buildSSHConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build SSH config: %w", err)
	}

	addr := net.JoinHostPort(c.config.Host, fmt.Sprint(c.config.Port))
	logging.Info("connecting to SSH", "addr", addr, "user", c.config.User)

	dialer := &net.Dialer{Timeout: c.config.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, sshConfig)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("SSH handshake failed: %w", err)
	}

	c.conn = ssh.NewClient(sshConn, chans, reqs)
	logging.Info("SSH connection established", "host", c.config.Host)
	return c.conn, nil
}

// files returns the SFTP client, opening it on first use.
func (c *Conn) files(ctx context.Context) (*sftp.Client, error) {
	conn, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp != nil {
		return c.sftp, nil
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}
	c.sftp = client
	return client, nil
}

func (c *Conn) buildSSHConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	keyPaths := []string{}
	if c.config.KeyPath != "" {
		keyPaths = append(keyPaths, expandPath(c.config.KeyPath))
	} else {
		for _, keyFile := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
			keyPaths = append(keyPaths, expandPath(filepath.Join("~/.ssh", keyFile)))
		}
	}
	for _, keyPath := range keyPaths {
		key, err := os.ReadFile(keyPath)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			logging.Warn("failed to parse SSH key", "path", keyPath, "error", err)
			continue
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
		break
	}
	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no authentication method available")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.config.KnownHostsPath != "" {
		cb, err := knownhosts.New(expandPath(c.config.KnownHostsPath))
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		hostKeyCallback = cb
	} else {
		logging.Warn("SSH host key verification disabled", "host", c.config.Host)
	}

	return &ssh.ClientConfig{
		User:            c.config.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.config.Timeout,
	}, nil
}

func (c *Conn) closeLocked() error {
	var err error
	if c.sftp != nil {
		c.sftp.Close()
		c.sftp = nil
	}
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	return err
}

// Close closes the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

// SSH is a workspace directory on a remote host.
type SSH struct {
	conn     *Conn
	root     string
	commands *security.CommandValidator
	procs    *process.Registry
}

// NewSSH returns a backend rooted at the remote directory root. The
// directory is created on first use.
func NewSSH(conn *Conn, root string, commands *security.CommandValidator) *SSH {
	if commands == nil {
		commands = security.NewCommandValidator()
	}
	return &SSH{
		conn:     conn,
		root:     path.Clean(root),
		commands: commands,
		procs:    process.NewRegistry(0),
	}
}

func (s *SSH) rel(abs string) string {
	rel := strings.TrimPrefix(strings.TrimPrefix(abs, s.root), "/")
	if rel == "" {
		return "."
	}
	return rel
}

func (s *SSH) ReadFile(ctx context.Context, p string) ([]byte, error) {
	abs, err := security.JoinRemote(s.root, p)
	if err != nil {
		return nil, err
	}
	client, err := s.conn.files(ctx)
	if err != nil {
		return nil, err
	}
	f, err := client.Open(abs)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", p)
	}
	if info.Size() > maxReadSize {
		return nil, fmt.Errorf("file too large: %d bytes", info.Size())
	}
	return io.ReadAll(f)
}

// WriteFile uploads to a temp file and renames it over the target.
func (s *SSH) WriteFile(ctx context.Context, p string, data []byte) error {
	abs, err := security.JoinRemote(s.root, p)
	if err != nil {
		return err
	}
	if abs == s.root {
		return fmt.Errorf("cannot write to workspace root")
	}
	client, err := s.conn.files(ctx)
	if err != nil {
		return err
	}

	dir := path.Dir(abs)
	if err := client.MkdirAll(dir); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := path.Join(dir, ".codeloop-"+uuid.NewString()+".tmp")
	f, err := client.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		client.Remove(tmp)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		client.Remove(tmp)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := client.PosixRename(tmp, abs); err != nil {
		// Server without the posix-rename extension
		client.Remove(abs)
		if err := client.Rename(tmp, abs); err != nil {
			client.Remove(tmp)
			return fmt.Errorf("failed to rename temp file: %w", err)
		}
	}
	return nil
}

func (s *SSH) ListDirectory(ctx context.Context, p string) ([]Entry, error) {
	abs, err := security.JoinRemote(s.root, p)
	if err != nil {
		return nil, err
	}
	client, err := s.conn.files(ctx)
	if err != nil {
		return nil, err
	}
	infos, err := client.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, Entry{
			Name:    info.Name(),
			IsDir:   info.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// walk visits regular files under start, skipping the usual vendored
// directories. fn returns true to stop.
func (s *SSH) walk(ctx context.Context, client *sftp.Client, start string, fn func(abs string, info os.FileInfo) bool) error {
	walker := client.Walk(start)
	for walker.Step() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walker.Err() != nil {
			continue
		}
		info := walker.Stat()
		if info.IsDir() {
			if walker.Path() != start && skipDirs[info.Name()] {
				walker.SkipDir()
			}
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		if fn(walker.Path(), info) {
			return nil
		}
	}
	return nil
}

func (s *SSH) Glob(ctx context.Context, pattern, dir string) ([]string, error) {
	base, err := security.JoinRemote(s.root, dir)
	if err != nil {
		return nil, err
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("glob error: %w", doublestar.ErrBadPattern)
	}
	client, err := s.conn.files(ctx)
	if err != nil {
		return nil, err
	}

	type fileWithTime struct {
		rel     string
		modTime time.Time
	}
	var files []fileWithTime
	err = s.walk(ctx, client, base, func(abs string, info os.FileInfo) bool {
		fromBase := strings.TrimPrefix(strings.TrimPrefix(abs, base), "/")
		if ok, _ := doublestar.Match(pattern, fromBase); ok {
			files = append(files, fileWithTime{rel: s.rel(abs), modTime: info.ModTime()})
		}
		return false
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	if len(files) > MaxGlobResults {
		files = files[:MaxGlobResults]
	}
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.rel
	}
	return out, nil
}

func (s *SSH) Grep(ctx context.Context, opts GrepOptions) ([]Match, error) {
	re, err := compileGrep(opts)
	if err != nil {
		return nil, err
	}
	start, err := security.JoinRemote(s.root, opts.Path)
	if err != nil {
		return nil, err
	}
	client, err := s.conn.files(ctx)
	if err != nil {
		return nil, err
	}
	limit := grepLimit(opts)

	var matches []Match
	searchFile := func(abs string, info os.FileInfo) bool {
		rel := s.rel(abs)
		if isBinaryFile(abs) || info.Size() > maxSearchFileSize || !includeMatches(opts.Include, rel) {
			return false
		}
		f, err := client.Open(abs)
		if err != nil {
			return false
		}
		defer f.Close()
		return searchReader(re, rel, f, limit, &matches)
	}

	info, err := client.Stat(start)
	if err != nil {
		return nil, fmt.Errorf("cannot access path: %w", err)
	}
	if !info.IsDir() {
		searchFile(start, info)
		return matches, nil
	}
	if err := s.walk(ctx, client, start, searchFile); err != nil {
		return nil, err
	}
	return matches, nil
}

// StartCommand runs command in the remote workspace over a new session.
func (s *SSH) StartCommand(ctx context.Context, command string, background bool, onOutput func(string)) (*process.Process, error) {
	if err := s.commands.Check(command); err != nil {
		return nil, err
	}
	conn, err := s.conn.client(ctx)
	if err != nil {
		return nil, err
	}
	session, err := conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	p := s.procs.Track(command, s.root, background, onOutput, func() error {
		session.Signal(ssh.SIGKILL)
		return session.Close()
	})
	session.Stdout = p.Stdout()
	session.Stderr = p.Stderr()

	script := fmt.Sprintf("mkdir -p %s && cd %s && %s", shellQuote(s.root), shellQuote(s.root), command)
	if err := session.Start(script); err != nil {
		session.Close()
		s.procs.Remove(p.ID)
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	go func() {
		defer session.Close()
		err := session.Wait()
		code := 0
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitStatus()
			err = nil
		}
		p.Finish(code, err)
		logging.Debug("remote process exited", "id", p.ID, "exit_code", code)
	}()

	return p, nil
}

func (s *SSH) Processes() *process.Registry {
	return s.procs
}

// Close leaves the shared connection open; the manager owns it.
func (s *SSH) Close() error {
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// expandPath expands ~ to home directory.
func expandPath(p string) string {
	if strings.HasPrefix(p, "~/") {
		if usr, err := user.Current(); err == nil {
			return filepath.Join(usr.HomeDir, p[2:])
		}
	}
	return p
}
