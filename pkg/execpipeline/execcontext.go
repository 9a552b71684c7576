package execpipeline

import (
	"fmt"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"github.com/cuemby/coreinit/pkg/types"
	units "github.com/docker/go-units"
	sysmem "github.com/pbnjay/memory"
)

// ResolveCredentials maps the declarative User=/Group= strings of an
// ExecContext to numeric uid/gid, accepting either account names or
// numeric ids.
func ResolveCredentials(ctx *types.ExecContext) (uid, gid uint32, err error) {
	if ctx.User == "" {
		return 0, 0, nil
	}
	u, err := user.Lookup(ctx.User)
	if err != nil {
		if n, convErr := strconv.Atoi(ctx.User); convErr == nil {
			uid = uint32(n)
		} else {
			return 0, 0, fmt.Errorf("resolve user %s: %w", ctx.User, err)
		}
	} else {
		n, _ := strconv.Atoi(u.Uid)
		uid = uint32(n)
		n, _ = strconv.Atoi(u.Gid)
		gid = uint32(n)
	}
	if ctx.Group != "" {
		g, err := user.LookupGroup(ctx.Group)
		if err != nil {
			if n, convErr := strconv.Atoi(ctx.Group); convErr == nil {
				gid = uint32(n)
			} else {
				return 0, 0, fmt.Errorf("resolve group %s: %w", ctx.Group, err)
			}
		} else {
			n, _ := strconv.Atoi(g.Gid)
			gid = uint32(n)
		}
	}
	return uid, gid, nil
}

// ParseMemoryLimit parses a MemoryMax=-style size string ("512M", "2G") into
// bytes, delegating to docker/go-units' battle-tested size grammar instead
// of hand-rolling a unit table. A trailing "%" resolves relative to total
// system memory, as reported by pbnjay/memory, rather than rejecting the
// value outright the way a pure byte-size parser would.
func ParseMemoryLimit(s string) (int64, error) {
	if s == "" || s == "infinity" {
		return -1, nil
	}
	if pct, ok := strings.CutSuffix(s, "%"); ok {
		n, err := strconv.ParseFloat(pct, 64)
		if err != nil {
			return 0, fmt.Errorf("parse memory percentage %q: %w", s, err)
		}
		total := sysmem.TotalMemory()
		if total == 0 {
			return 0, fmt.Errorf("resolve %q: total system memory unavailable", s)
		}
		return int64(float64(total) * n / 100), nil
	}
	return units.RAMInBytes(s)
}

// credentialsAttr applies the resolved uid/gid to a SysProcAttr, used by
// the spawn pipeline's credentials step.
func credentialsAttr(attr *syscall.SysProcAttr, uid, gid uint32) {
	attr.Credential = &syscall.Credential{Uid: uid, Gid: gid}
}
