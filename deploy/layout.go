package deploy

import (
	"context"
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/GoCodeAlone/deployctl/remote"
)

// commandTimeout bounds the small layout commands run on hosts.
const commandTimeout = 2 * time.Minute

// Layout is the release structure under a deploy path:
//
//	<root>/releases/<release id>/   one directory per synced release
//	<root>/current -> releases/<id> the live release
type Layout struct {
	Root string
}

// Releases returns the directory holding every release.
func (l Layout) Releases() string { return path.Join(l.Root, "releases") }

// Release returns the directory of release id.
func (l Layout) Release(id string) string { return path.Join(l.Releases(), id) }

// Current returns the path of the live-release symlink.
func (l Layout) Current() string { return path.Join(l.Root, "current") }

func (l Layout) prepareCmd() string {
	return "mkdir -p " + remote.Quote(l.Releases())
}

func (l Layout) readCurrentCmd() string {
	return "readlink " + remote.Quote(l.Current()) + " || true"
}

// switchCmd repoints current at target with an atomic rename, so readers
// see either the old or the new link.
func (l Layout) switchCmd(target string) string {
	tmp := remote.Quote(l.Current() + ".next")
	return fmt.Sprintf("ln -sfn %s %s && mv -Tf %s %s",
		remote.Quote(target), tmp, tmp, remote.Quote(l.Current()))
}

func (l Layout) existsCmd(id string) string {
	return "test -d " + remote.Quote(l.Release(id))
}

func (l Layout) listCmd() string {
	return "ls -1 " + remote.Quote(l.Releases())
}

func (l Layout) removeCmd(ids []string) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, remote.Quote(l.Release(id)))
	}
	return "rm -rf " + strings.Join(parts, " ")
}

// run executes command on host and turns a non-zero exit into an error.
func run(ctx context.Context, ch remote.Channel, host remote.Host, command string) (remote.ExecResult, error) {
	res, err := ch.Execute(ctx, host, command, commandTimeout)
	if err != nil {
		return res, err
	}
	return res, res.Check(host, command)
}

func (l Layout) readCurrent(ctx context.Context, ch remote.Channel, host remote.Host) (string, error) {
	res, err := run(ctx, ch, host, l.readCurrentCmd())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (l Layout) switchTo(ctx context.Context, ch remote.Channel, host remote.Host, target string) error {
	_, err := run(ctx, ch, host, l.switchCmd(target))
	return err
}

// prune removes release directories beyond the keep newest, never touching
// the protected ones. Release IDs sort by creation time.
func (l Layout) prune(ctx context.Context, ch remote.Channel, host remote.Host, keep int, protect ...string) ([]string, error) {
	res, err := run(ctx, ch, host, l.listCmd())
	if err != nil {
		return nil, err
	}
	victims := pruneCandidates(strings.Fields(res.Stdout), keep, protect...)
	if len(victims) == 0 {
		return nil, nil
	}
	if _, err := run(ctx, ch, host, l.removeCmd(victims)); err != nil {
		return nil, err
	}
	return victims, nil
}

func pruneCandidates(ids []string, keep int, protect ...string) []string {
	if keep <= 0 || len(ids) <= keep {
		return nil
	}
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	slices.Reverse(sorted)
	var out []string
	for _, id := range sorted[keep:] {
		if !slices.Contains(protect, id) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
