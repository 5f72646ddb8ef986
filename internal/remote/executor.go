// Package remote — транспорт до ботов: выполнение команд по SSH и пробы здоровья.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/xela07ax/botfleet/internal/infra"
)

// ExecResult: OK=false при ненулевом коде выхода. Ошибка транспорта
// (dial, auth, таймаут) возвращается отдельно через error.
type ExecResult struct {
	OK       bool   `json:"ok"`
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

type Executor interface {
	Execute(ctx context.Context, address, command string, timeout time.Duration) (ExecResult, error)
}

type SSHExecutor struct {
	config *ssh.ClientConfig
	port   int
	logger *zap.Logger
}

func NewSSHExecutor(cfg infra.SSHConfig, logger *zap.Logger) (*SSHExecutor, error) {
	keyPath, err := expandHome(cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	pem, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh: read key %s: %w", keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("ssh: parse key: %w", err)
	}

	// Без known_hosts боты из динамического пула не проверяются по ключу хоста
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		path, err := expandHome(cfg.KnownHostsPath)
		if err != nil {
			return nil, err
		}
		if hostKeyCallback, err = knownhosts.New(path); err != nil {
			return nil, fmt.Errorf("ssh: known_hosts: %w", err)
		}
	}

	return &SSHExecutor{
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         cfg.ConnectTimeout,
		},
		port:   cfg.Port,
		logger: logger.Named("ssh"),
	}, nil
}

func (e *SSHExecutor) Execute(ctx context.Context, address, command string, timeout time.Duration) (ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	addr := net.JoinHostPort(address, strconv.Itoa(e.port))

	// TCP под контекстом, SSH-рукопожатие поверх готового соединения
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ExecResult{}, fmt.Errorf("ssh: dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	cConn, chans, reqs, err := ssh.NewClientConn(conn, addr, e.config)
	if err != nil {
		conn.Close()
		return ExecResult{}, fmt.Errorf("ssh: handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(cConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return ExecResult{}, fmt.Errorf("ssh: session %s: %w", addr, err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return ExecResult{Output: out.String()}, fmt.Errorf("ssh: %s: %w", addr, ctx.Err())
	case err := <-done:
		res := ExecResult{OK: err == nil, Output: strings.TrimSpace(out.String())}
		var exitErr *ssh.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitStatus()
		default:
			return res, fmt.Errorf("ssh: run on %s: %w", addr, err)
		}
		e.logger.Debug("command executed",
			zap.String("address", address),
			zap.Bool("ok", res.OK),
			zap.Int("exit_code", res.ExitCode))
		return res, nil
	}
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}
