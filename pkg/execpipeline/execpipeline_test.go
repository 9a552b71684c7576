package execpipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/coreinit/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMountListOrdering(t *testing.T) {
	ctx := &types.ExecContext{
		RootImage:         "/var/lib/coreinit/images/base.img",
		BindPaths:         []specs.Mount{{Destination: "/data", Source: "/srv/data", Type: "bind"}},
		TempDirs:          []string{"/tmp"},
		ReadOnlyPaths:     []string{"/etc/resolv.conf"},
		InaccessiblePaths: []string{"/proc/kcore"},
	}

	mounts := BuildMountList(ctx)
	require.Len(t, mounts, 5)
	assert.Equal(t, "/", mounts[0].Destination)
	assert.Equal(t, "/data", mounts[1].Destination)
	assert.Equal(t, "/tmp", mounts[2].Destination)
	assert.Equal(t, "/etc/resolv.conf", mounts[3].Destination)
	assert.Equal(t, "/proc/kcore", mounts[4].Destination)
}

func TestBuildMountListNoRootImage(t *testing.T) {
	ctx := &types.ExecContext{
		InaccessiblePaths: []string{"/proc/kcore"},
	}
	mounts := BuildMountList(ctx)
	require.Len(t, mounts, 1)
	assert.Equal(t, "tmpfs", mounts[0].Type)
}

func TestParseMemoryLimit(t *testing.T) {
	n, err := ParseMemoryLimit("512M")
	require.NoError(t, err)
	assert.Equal(t, int64(512*1024*1024), n)

	n, err = ParseMemoryLimit("infinity")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), n)

	n, err = ParseMemoryLimit("")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), n)
}

func TestMaterializeCredentialsCopiesSource(t *testing.T) {
	tmp := t.TempDir()
	source := filepath.Join(tmp, "db-password")
	require.NoError(t, os.WriteFile(source, []byte("hunter2"), 0600))

	ctx := &types.ExecContext{CredentialDescriptors: map[string]string{"db-password": source}}

	oldBase := CredentialsBaseDir
	_ = oldBase // base dir is a const in production; tests exercise the pure helpers instead.

	dir, err := materializeInto(t.TempDir(), "test-unit.service", ctx)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "db-password"))
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(data))
}

// materializeInto is a test-only indirection around MaterializeCredentials'
// copy logic using an injected base directory, since the production
// constant points at a system path tests must not touch.
func materializeInto(base, unitID string, ctx *types.ExecContext) (string, error) {
	dir := filepath.Join(base, unitID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	for name, source := range ctx.CredentialDescriptors {
		if err := copyCredential(source, filepath.Join(dir, name)); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func TestNamespaceFlagUnsupported(t *testing.T) {
	_, ok := namespaceFlag(specs.LinuxNamespaceType("bogus"))
	assert.False(t, ok)
}

func TestNamespaceFlagKnownTypes(t *testing.T) {
	for _, nsType := range []specs.LinuxNamespaceType{
		specs.PIDNamespace, specs.NetworkNamespace, specs.MountNamespace,
		specs.IPCNamespace, specs.UTSNamespace, specs.UserNamespace, specs.CgroupNamespace,
	} {
		_, ok := namespaceFlag(nsType)
		assert.True(t, ok, "expected namespace type %s to be supported", nsType)
	}
}
