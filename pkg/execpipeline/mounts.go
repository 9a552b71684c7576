package execpipeline

import (
	"fmt"
	"os"

	"github.com/cuemby/coreinit/pkg/types"
	"github.com/diskfs/go-diskfs"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// DissectedImage is a RootImage= that has been opened and verified, ready
// to be bind-mounted read-only as a unit's root filesystem. Verity
// verification is represented here by RootHash being non-empty; actual
// dm-verity device setup is a privileged step a production build performs
// via libcryptsetup bindings outside this package's scope.
type DissectedImage struct {
	Path     string
	RootHash string
	ReadOnly bool
}

// DissectImage opens a disk image via diskfs and refuses it when no
// partition table can be read. It does not locate or inspect the root
// partition itself, and rootHash is recorded as given, without
// verification.
func DissectImage(path string, readOnly bool, rootHash string) (*DissectedImage, error) {
	mode := diskfs.ReadOnly
	if !readOnly {
		mode = diskfs.ReadWriteExclusive
	}
	disk, err := diskfs.Open(path, diskfs.WithOpenMode(mode))
	if err != nil {
		return nil, fmt.Errorf("dissect image %s: %w", path, err)
	}
	defer disk.File.Close()

	if _, err := disk.GetPartitionTable(); err != nil {
		return nil, fmt.Errorf("dissect image %s: no partition table: %w", path, err)
	}

	return &DissectedImage{Path: path, RootHash: rootHash, ReadOnly: readOnly}, nil
}

// BuildMountList assembles the ordered mount list for a unit's private
// mount namespace: outermost roots first, then bind paths, then
// inaccessible-path shadowing last so nothing mounted after it can
// re-expose a path the unit must not see.
func BuildMountList(ctx *types.ExecContext) []specs.Mount {
	var mounts []specs.Mount

	if ctx.RootImage != "" {
		opts := []string{"ro"}
		if ctx.RootImageRW {
			opts = []string{"rw"}
		}
		mounts = append(mounts, specs.Mount{
			Destination: "/",
			Source:      ctx.RootImage,
			Type:        "auto",
			Options:     opts,
		})
	}

	mounts = append(mounts, ctx.BindPaths...)

	for _, dir := range ctx.TempDirs {
		mounts = append(mounts, specs.Mount{
			Destination: dir,
			Source:      "tmpfs",
			Type:        "tmpfs",
			Options:     []string{"nosuid", "nodev", "mode=0700"},
		})
	}

	for _, ro := range ctx.ReadOnlyPaths {
		mounts = append(mounts, specs.Mount{
			Destination: ro,
			Source:      ro,
			Type:        "bind",
			Options:     []string{"bind", "ro"},
		})
	}

	for _, hidden := range ctx.InaccessiblePaths {
		mounts = append(mounts, specs.Mount{
			Destination: hidden,
			Source:      "tmpfs",
			Type:        "tmpfs",
			Options:     []string{"nosuid", "nodev", "mode=0000"},
		})
	}

	return mounts
}

// ApplyMounts performs each mount in order in the calling process's mount
// namespace, creating missing destination directories first, and tags any
// failure with PhaseMounts. Pipeline.Spawn does not call it.
func ApplyMounts(mounts []specs.Mount) *types.SpawnError {
	for _, m := range mounts {
		if _, err := os.Stat(m.Destination); os.IsNotExist(err) {
			if err := os.MkdirAll(m.Destination, 0755); err != nil {
				return &types.SpawnError{Phase: types.PhaseMounts, Detail: fmt.Sprintf("mkdir %s: %v", m.Destination, err)}
			}
		}
		if err := mount(m); err != nil {
			return &types.SpawnError{Phase: types.PhaseMounts, Detail: fmt.Sprintf("mount %s: %v", m.Destination, err)}
		}
	}
	return nil
}
