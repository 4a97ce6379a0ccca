package replication

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/zmigrate/zmigrate/pkg/config"
	"github.com/zmigrate/zmigrate/pkg/proc"
	"github.com/zmigrate/zmigrate/pkg/types"
	"github.com/zmigrate/zmigrate/pkg/zfs"
)

// Endpoint is one side of a transfer: this host, a peer reached over a
// secure shell, or a flat file standing in for a dataset.
type Endpoint struct {
	Host string // empty means local
	File string // stream file path instead of a dataset

	user    string
	port    int
	options []string
}

// endpointsFor derives both transfer endpoints from a request, with the
// request's ssh fields overriding the configured defaults.
func endpointsFor(req types.MigrationRequest, cfg config.ReplicationConfig) (src, tgt *Endpoint) {
	user := cfg.SSHUser
	if req.SSHUser != "" {
		user = req.SSHUser
	}
	port := cfg.SSHPort
	if req.SSHPort != 0 {
		port = req.SSHPort
	}

	src = &Endpoint{Host: req.SourceHost, File: req.SourceFile, user: user, port: port, options: cfg.SSHOptions}
	tgt = &Endpoint{Host: req.TargetHost, File: req.TargetFile, user: user, port: port, options: cfg.SSHOptions}
	return src, tgt
}

// Local reports whether commands run on this host directly.
func (e *Endpoint) Local() bool {
	return e.Host == ""
}

// String identifies the endpoint in logs and hold tags.
func (e *Endpoint) String() string {
	switch {
	case e.File != "":
		return "file:" + e.File
	case e.Host == "":
		return "local"
	default:
		return e.Host
	}
}

// Command wraps argv for execution on this endpoint. Local endpoints run
// the vector as-is; remote endpoints run it through ssh with every
// argument quoted for the remote shell.
func (e *Endpoint) Command(argv []string) []string {
	if e.Local() {
		return argv
	}
	return e.ssh(shellJoin(argv))
}

// Script wraps a shell pipeline for execution on this endpoint. This is
// how a codec stage and zfs run as one hop on the far side.
func (e *Endpoint) Script(script string) []string {
	if e.Local() {
		return []string{"sh", "-c", script}
	}
	return e.ssh(script)
}

func (e *Endpoint) ssh(remote string) []string {
	args := []string{"ssh"}
	for _, opt := range e.options {
		args = append(args, "-o", opt)
	}
	if e.port != 0 && e.port != 22 {
		args = append(args, "-p", strconv.Itoa(e.port))
	}
	target := e.Host
	if e.user != "" {
		target = e.user + "@" + e.Host
	}
	return append(args, target, remote)
}

// Runner returns the endpoint's command transport for dataset queries.
func (e *Endpoint) Runner() zfs.Runner {
	if e.Local() {
		return proc.Local{}
	}
	return sshRunner{endpoint: e}
}

// sshRunner executes single commands on the peer. Exit 255 is the
// transport's own failure code, surfaced as ErrRemoteUnreachable so
// callers can tell a dead peer from a zfs refusal.
type sshRunner struct {
	endpoint *Endpoint
}

func (r sshRunner) Output(ctx context.Context, argv []string) ([]byte, error) {
	out, err := proc.Exec(ctx, r.endpoint.Command(argv))
	var cerr *proc.CommandError
	if errors.As(err, &cerr) && cerr.Code == 255 {
		return out, fmt.Errorf("%w: %s: %w", types.ErrRemoteUnreachable, r.endpoint.Host, err)
	}
	return out, err
}

var safeShellRe = regexp.MustCompile(`^[A-Za-z0-9@%_+=:,./-]+$`)

// shellQuote renders s safe for a POSIX shell word.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if safeShellRe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// shellJoin renders argv as a single shell command line.
func shellJoin(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = shellQuote(a)
	}
	return strings.Join(parts, " ")
}
