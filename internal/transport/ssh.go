package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Remote shell commands. %[1]s is the quoted device path, %[2]d the rate.
const (
	DefaultBridgeCommand = "stty -F %[1]s raw -echo -ixon %[2]d && (cat %[1]s & exec cat > %[1]s)"
	DefaultSpeedCommand  = "stty -F %[1]s %[2]d"
)

// SSHConfig reaches a serial device attached to another machine. The remote
// host needs a POSIX shell with stty and cat.
type SSHConfig struct {
	Host                        string
	Port                        string
	User                        string
	KeyPath                     string
	Passphrase                  []byte
	KnownHostsPath              string
	InsecureSkipHostKeyChecking bool
	Timeout                     time.Duration
	// BridgeCommand and SpeedCommand override the defaults above.
	BridgeCommand string
	SpeedCommand  string
}

// SSHOpener returns an Opener that opens device paths on the remote host.
func SSHOpener(cfg SSHConfig) Opener {
	return func(path string, baud int) (Port, error) {
		return OpenSSH(cfg, path, baud)
	}
}

// SSHPort is a Port whose bytes travel through an ssh session running a
// bridge to the remote tty. Baud changes run stty in a second session.
type SSHPort struct {
	cfg    SSHConfig
	path   string
	client *ssh.Client
	sess   *ssh.Session
	stdin  io.WriteCloser

	mu      sync.Mutex
	baud    int
	timeout time.Duration
	inbox   []byte
	rerr    error

	notify chan struct{}
	closed chan struct{}
	once   sync.Once
}

// OpenSSH dials cfg, starts the bridge on path at baud and returns the port.
func OpenSSH(cfg SSHConfig, path string, baud int) (Port, error) {
	if baud <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBaud, baud)
	}
	client, err := cfg.dial()
	if err != nil {
		return nil, fmt.Errorf("transport: ssh %s: %w", cfg.Host, err)
	}
	sess, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	bridge := cfg.BridgeCommand
	if bridge == "" {
		bridge = DefaultBridgeCommand
	}
	if err := sess.Start(fmt.Sprintf(bridge, shellEscape(path), baud)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("transport: ssh bridge %s: %w", path, err)
	}
	p := &SSHPort{
		cfg:    cfg,
		path:   path,
		client: client,
		sess:   sess,
		stdin:  stdin,
		baud:   baud,
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	go p.pump(stdout)
	return p, nil
}

func (p *SSHPort) pump(r io.Reader) {
	var buf [4096]byte
	for {
		n, err := r.Read(buf[:])
		p.mu.Lock()
		p.inbox = append(p.inbox, buf[:n]...)
		if err != nil {
			p.rerr = err
		}
		p.mu.Unlock()
		select {
		case p.notify <- struct{}{}:
		default:
		}
		if err != nil {
			return
		}
	}
}

func (p *SSHPort) Path() string { return p.path }

// Read blocks until data arrives, the read timeout expires (0, nil) or the
// session ends.
func (p *SSHPort) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	p.mu.Lock()
	timeout := p.timeout
	p.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		p.mu.Lock()
		n := copy(b, p.inbox)
		p.inbox = p.inbox[n:]
		rerr := p.rerr
		p.mu.Unlock()
		if n > 0 {
			return n, nil
		}
		if rerr != nil {
			return 0, ErrClosed
		}
		select {
		case <-p.notify:
		case <-expired:
			return 0, nil
		case <-p.closed:
			return 0, ErrClosed
		}
	}
}

func (p *SSHPort) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, ErrClosed
	default:
	}
	return p.stdin.Write(b)
}

func (p *SSHPort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	p.timeout = d
	p.mu.Unlock()
	return nil
}

// SetBaud reprograms the remote tty. The bridge keeps running.
func (p *SSHPort) SetBaud(rate int) error {
	if rate <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBaud, rate)
	}
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	sess, err := p.client.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()
	speed := p.cfg.SpeedCommand
	if speed == "" {
		speed = DefaultSpeedCommand
	}
	if out, err := sess.CombinedOutput(fmt.Sprintf(speed, shellEscape(p.path), rate)); err != nil {
		return fmt.Errorf("transport: ssh set baud %d: %w: %s", rate, err, strings.TrimSpace(string(out)))
	}
	p.mu.Lock()
	p.baud = rate
	p.mu.Unlock()
	return nil
}

func (p *SSHPort) Baud() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baud
}

func (p *SSHPort) Flush() error {
	p.mu.Lock()
	p.inbox = nil
	p.mu.Unlock()
	return nil
}

func (p *SSHPort) Close() error {
	var err error
	p.once.Do(func() {
		close(p.closed)
		_ = p.stdin.Close()
		_ = p.sess.Close()
		err = p.client.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

func shellEscape(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

func (c SSHConfig) dial() (*ssh.Client, error) {
	address, err := c.address()
	if err != nil {
		return nil, err
	}
	config, err := c.clientConfig()
	if err != nil {
		return nil, err
	}
	if c.Timeout <= 0 {
		return ssh.Dial("tcp", address, config)
	}
	conn, err := net.DialTimeout("tcp", address, c.Timeout)
	if err != nil {
		return nil, err
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(clientConn, chans, reqs), nil
}

func (c SSHConfig) address() (string, error) {
	host := strings.TrimSpace(c.Host)
	if host == "" {
		return "", fmt.Errorf("ssh host is required")
	}
	if c.Port != "" {
		return net.JoinHostPort(host, c.Port), nil
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host, nil
	}
	return net.JoinHostPort(host, "22"), nil
}

func (c SSHConfig) clientConfig() (*ssh.ClientConfig, error) {
	if c.User == "" {
		return nil, fmt.Errorf("ssh user is required")
	}
	signer, err := c.signer()
	if err != nil {
		return nil, err
	}
	var hostKeyCallback ssh.HostKeyCallback
	if c.InsecureSkipHostKeyChecking {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		callback, err := c.knownHostsCallback()
		if err != nil {
			return nil, err
		}
		hostKeyCallback = callback
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.Timeout,
	}, nil
}

func (c SSHConfig) signer() (ssh.Signer, error) {
	if c.KeyPath == "" {
		return nil, fmt.Errorf("ssh key path is required")
	}
	privateKey, err := os.ReadFile(c.KeyPath)
	if err != nil {
		return nil, err
	}
	if len(c.Passphrase) > 0 {
		return ssh.ParsePrivateKeyWithPassphrase(privateKey, c.Passphrase)
	}
	return ssh.ParsePrivateKey(privateKey)
}

func (c SSHConfig) knownHostsCallback() (ssh.HostKeyCallback, error) {
	path := strings.TrimSpace(c.KnownHostsPath)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("known hosts path not set and home dir unavailable")
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	return knownhosts.New(path)
}
