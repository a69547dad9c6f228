// Package opprovider resolves op:// secret references with the 1Password CLI.
package opprovider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/snapshot-labs/sidekick/credentials"
)

// WithOnePassword registers an "op" template function that runs
// `op read` for each reference. A non-empty account selects the
// signed-in account to read from.
func WithOnePassword(account string) credentials.ResolverOption {
	return credentials.WithProvider("op", func(ctx context.Context, ref string) (string, error) {
		if !strings.HasPrefix(ref, "op://") {
			return "", fmt.Errorf("not a secret reference: %q", ref)
		}

		args := []string{"read", "--no-newline"}
		if account != "" {
			args = append(args, "--account", account)
		}
		cmd := exec.CommandContext(ctx, "op", append(args, ref)...)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("op read %q: %s: %w", ref, strings.TrimSpace(stderr.String()), err)
		}
		return strings.TrimSpace(stdout.String()), nil
	})
}
