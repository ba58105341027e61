package remote

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/clusterd/backend/internal/core/ports"
	"github.com/clusterd/backend/internal/infrastructure/logger"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

var (
	ErrInvalidPrincipal = errors.New("kadmin: invalid principal name")
	ErrKadminFailed     = errors.New("kadmin: query failed")
)

var principalPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+(/[A-Za-z0-9._-]+)?@[A-Z0-9._-]+$`)

// ValidPrincipal reports whether p looks like primary[/instance]@REALM.
func ValidPrincipal(p string) bool {
	return principalPattern.MatchString(p)
}

// kdcShell is what the kadmin client needs from the KDC host.
type kdcShell interface {
	Run(ctx context.Context, cmd, stdin string) (string, error)
	// Fetch reads a file and removes it.
	Fetch(ctx context.Context, path string) ([]byte, error)
}

type KadminConfig struct {
	SSH SSHConfig
	// KadminPath defaults to kadmin.
	KadminPath string
	// TempDir on the KDC host receives exported keytabs. Defaults to /tmp.
	TempDir string
}

type kadminClient struct {
	shell   kdcShell
	kadmin  string
	tempDir string
	logger  *logger.Logger
}

// NewKadminClient manages principals by running kadmin on the KDC host over
// SSH. The administrator password is written to kadmin's stdin.
func NewKadminClient(cfg KadminConfig, log *logger.Logger) ports.KDCClient {
	return newKadminClient(&sshShell{client: NewSSHClient(cfg.SSH)}, cfg, log)
}

func newKadminClient(shell kdcShell, cfg KadminConfig, log *logger.Logger) *kadminClient {
	if cfg.KadminPath == "" {
		cfg.KadminPath = "kadmin"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = "/tmp"
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &kadminClient{shell: shell, kadmin: cfg.KadminPath, tempDir: cfg.TempDir, logger: log}
}

func (k *kadminClient) query(ctx context.Context, cred ports.KDCCredential, q string) (string, error) {
	if !ValidPrincipal(cred.Principal) {
		return "", fmt.Errorf("%w: admin %q", ErrInvalidPrincipal, cred.Principal)
	}
	cmd := fmt.Sprintf("%s -p %s -q %s", k.kadmin, shellQuote(cred.Principal), shellQuote(q))
	out, err := k.shell.Run(ctx, cmd, cred.Password+"\n")
	if err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrKadminFailed, strings.Fields(q)[0], err)
	}
	return out, nil
}

func (k *kadminClient) PrincipalExists(ctx context.Context, cred ports.KDCCredential, principal string) (bool, error) {
	if !ValidPrincipal(principal) {
		return false, fmt.Errorf("%w: %q", ErrInvalidPrincipal, principal)
	}
	out, err := k.query(ctx, cred, "getprinc "+principal)
	if err != nil {
		return false, err
	}
	if strings.Contains(out, "does not exist") {
		return false, nil
	}
	if strings.Contains(out, "Principal: ") {
		return true, nil
	}
	return false, fmt.Errorf("%w: getprinc %s: %s", ErrKadminFailed, principal, lastLine(out))
}

func (k *kadminClient) CreatePrincipal(ctx context.Context, cred ports.KDCCredential, principal string) error {
	if !ValidPrincipal(principal) {
		return fmt.Errorf("%w: %q", ErrInvalidPrincipal, principal)
	}
	out, err := k.query(ctx, cred, "addprinc -randkey "+principal)
	if err != nil {
		return err
	}
	if strings.Contains(out, "already exists") {
		k.logger.Infow("kadmin_principal_exists", "principal", principal)
		return nil
	}
	if !strings.Contains(out, "created") {
		return fmt.Errorf("%w: addprinc %s: %s", ErrKadminFailed, principal, lastLine(out))
	}
	k.logger.Infow("kadmin_principal_created", "principal", principal)
	return nil
}

func (k *kadminClient) DeletePrincipal(ctx context.Context, cred ports.KDCCredential, principal string) error {
	if !ValidPrincipal(principal) {
		return fmt.Errorf("%w: %q", ErrInvalidPrincipal, principal)
	}
	out, err := k.query(ctx, cred, "delprinc -force "+principal)
	if err != nil {
		return err
	}
	if strings.Contains(out, "does not exist") {
		return nil
	}
	if !strings.Contains(out, "deleted") {
		return fmt.Errorf("%w: delprinc %s: %s", ErrKadminFailed, principal, lastLine(out))
	}
	k.logger.Infow("kadmin_principal_deleted", "principal", principal)
	return nil
}

// ExportKeytab writes the keytab to a unique temporary file on the KDC host
// and downloads it. The temporary file is removed afterwards.
func (k *kadminClient) ExportKeytab(ctx context.Context, cred ports.KDCCredential, principal string) ([]byte, error) {
	if !ValidPrincipal(principal) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPrincipal, principal)
	}
	file := path.Join(k.tempDir, "clusterd-"+uuid.NewString()+".keytab")
	out, err := k.query(ctx, cred, fmt.Sprintf("ktadd -k %s %s", file, principal))
	if err != nil {
		return nil, err
	}
	if !strings.Contains(out, "added to keytab") {
		return nil, fmt.Errorf("%w: ktadd %s: %s", ErrKadminFailed, principal, lastLine(out))
	}
	data, err := k.shell.Fetch(ctx, file)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch keytab %s: %v", ErrKadminFailed, principal, err)
	}
	return data, nil
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return lines[len(lines)-1]
}

type sshShell struct {
	client *SSHClient
}

func (s *sshShell) Run(ctx context.Context, cmd, stdin string) (string, error) {
	var out string
	err := s.client.Session(ctx, func(c *ssh.Client) error {
		var err error
		out, err = s.client.Execute(ctx, c, cmd, strings.NewReader(stdin))
		return err
	})
	return out, err
}

func (s *sshShell) Fetch(ctx context.Context, file string) ([]byte, error) {
	var data []byte
	err := s.client.Session(ctx, func(c *ssh.Client) error {
		var err error
		if data, err = s.client.ReadFile(c, file); err != nil {
			return err
		}
		return s.client.RemoveFile(c, file)
	})
	return data, err
}
