package execpipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/coreinit/pkg/types"
)

// CredentialsBaseDir is the base directory for per-invocation credential
// mounts: a tmpfs-backed directory tree, one subdirectory per unit, that
// implements the LoadCredential= vocabulary.
const CredentialsBaseDir = "/run/coreinit/credentials"

// MaterializeCredentials copies every CredentialDescriptor source into a
// unit-private, read-only directory, returning the directory to bind-mount
// into the child's namespace at $CREDENTIALS_DIRECTORY.
func MaterializeCredentials(unitID string, ctx *types.ExecContext) (string, error) {
	if len(ctx.CredentialDescriptors) == 0 {
		return "", nil
	}

	dir := filepath.Join(CredentialsBaseDir, unitID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create credentials directory: %w", err)
	}

	for name, source := range ctx.CredentialDescriptors {
		if err := copyCredential(source, filepath.Join(dir, name)); err != nil {
			_ = CleanupCredentials(unitID)
			return "", fmt.Errorf("materialize credential %s: %w", name, err)
		}
	}

	return dir, nil
}

func copyCredential(source, dest string) error {
	data, err := os.ReadFile(source)
	if err != nil {
		return fmt.Errorf("read %s: %w", source, err)
	}
	if err := os.WriteFile(dest, data, 0400); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return nil
}

// CleanupCredentials removes a unit's credential directory after it exits.
// Called both on rollback after a failed spawn and on normal exit.
func CleanupCredentials(unitID string) error {
	dir := filepath.Join(CredentialsBaseDir, unitID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("cleanup credentials for %s: %w", unitID, err)
	}
	return nil
}
