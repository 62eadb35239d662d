package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/odyssey-erp/subledger/internal/auth"
)

// TokenOptions defines flags for the token command.
type TokenOptions struct {
	Secret  string
	Tenant  string
	Subject string
	Role    string
	TTL     time.Duration
	Stdout  io.Writer
	Stderr  io.Writer
}

// TokenCommand mints an API bearer token for an operator.
func TokenCommand(opts TokenOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Tenant == "" || opts.Subject == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "token: -tenant and -sub are required")
		return 1
	}
	role, ok := auth.NormalizeRole(opts.Role)
	if !ok {
		_, _ = fmt.Fprintf(opts.Stderr, "token: unknown role %q\n", opts.Role)
		return 1
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	token, err := auth.IssueToken([]byte(opts.Secret), opts.Tenant, opts.Subject, role, opts.TTL)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "token: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(opts.Stdout, token)
	return 0
}
