package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/quipucords/quipucords/internal/model"
	"github.com/quipucords/quipucords/internal/source"
	"golang.org/x/crypto/ssh"
)

var (
	errAuth        = errors.New("authentication failed")
	errUnreachable = errors.New("host unreachable")
)

// exitUnreachable is the ssh client exit code of connection errors.
const exitUnreachable = 255

// dial opens an SSH connection to host with cred. Authentication failures
// wrap errAuth, every other failure wraps errUnreachable.
func dial(ctx context.Context, host string, port int, cred model.Credential, timeout time.Duration) (*ssh.Client, error) {
	auth, err := authMethods(cred)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errAuth, err)
	}
	cfg := &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // #nosec G106 -- inventory scans unknown hosts
		Timeout:         timeout,
	}
	addr := net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(port))

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errUnreachable, err)
	}
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	// the handshake ignores ctx
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %w", errAuth, err)
		}
		return nil, fmt.Errorf("%w: %w", errUnreachable, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func authMethods(cred model.Credential) ([]ssh.AuthMethod, error) {
	if cred.SSHKey != "" {
		var signer ssh.Signer
		var err error
		if cred.SSHPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(cred.SSHKey), []byte(cred.SSHPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(cred.SSHKey))
		}
		if err != nil {
			return nil, fmt.Errorf("parsing ssh key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	password := cred.Password
	return []ssh.AuthMethod{
		ssh.Password(password),
		ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = password
			}
			return answers, nil
		}),
	}, nil
}

// run executes cmd in a new session. The session is closed when ctx is done.
func run(ctx context.Context, client *ssh.Client, cmd string, become *model.Credential) (Result, error) {
	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", errUnreachable, err)
	}
	defer func() {
		_ = session.Close()
	}()

	full := cmd
	if become != nil {
		var stdin string
		full, stdin = becomeCommand(cmd, *become)
		if stdin != "" {
			session.Stdin = strings.NewReader(stdin + "\n")
		}
	}
	var stdout bytes.Buffer
	session.Stdout = &stdout

	done := make(chan error, 1)
	go func() {
		done <- session.Run(full)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return Result{}, context.Cause(ctx)
	case err := <-done:
		rc := 0
		var exitErr *ssh.ExitError
		var missing *ssh.ExitMissingError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			rc = exitErr.ExitStatus()
		case errors.As(err, &missing):
			rc = -1
		default:
			return Result{}, fmt.Errorf("%w: %w", errUnreachable, err)
		}
		if rc == exitUnreachable {
			return Result{}, fmt.Errorf("%w: exit status %d", errUnreachable, rc)
		}
		return newResult(rc, stdout.String()), nil
	}
}

// becomeCommand wraps cmd with the privilege escalation of cred and returns
// what must be written to stdin.
func becomeCommand(cmd string, cred model.Credential) (string, string) {
	user := cred.BecomeUser
	if user == "" {
		user = "root"
	}
	inner := "sh -c " + quote(cmd)
	switch cred.BecomeMethod {
	case "", "sudo":
		if cred.BecomePassword == "" {
			return "sudo -n -u " + quote(user) + " " + inner, ""
		}
		return "sudo -S -p '' -u " + quote(user) + " " + inner, cred.BecomePassword
	case "su":
		return "su - " + quote(user) + " -c " + quote(inner), cred.BecomePassword
	case "doas":
		return "doas -n -u " + quote(user) + " " + inner, ""
	case "dzdo", "pbrun":
		return cred.BecomeMethod + " -u " + quote(user) + " " + inner, ""
	case "ksu":
		return "ksu " + quote(user) + " -q -e " + inner, cred.BecomePassword
	default:
		return cred.BecomeMethod + " " + inner, ""
	}
}

// sshPort returns the port of the source, 22 by default.
func sshPort(src model.Source) int {
	if src.Port == 0 {
		return model.SourceNetwork.DefaultPort()
	}
	return src.Port
}

func hostLabel(host string) string {
	return source.FormatHost(host)
}
