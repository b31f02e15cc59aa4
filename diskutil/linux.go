//go:build linux

package diskutil

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/projecteru2/blockblob/utils"
	"github.com/projecteru2/core/log"
)

// Linux is the real diskutil.Interface, shelling out to losetup, dmsetup
// and dd, in the style of the teacher's external-process invocations in
// utils/process.go and hypervisor/cloudhypervisor/*.go.
type Linux struct{}

// deviceAppearTimeout/deviceAppearInterval bound how long LoopAttach and
// DMCreate wait for udev to materialize the device node after losetup/
// dmsetup returns — both commands can exit before the node is visible to
// a subsequent open(2).
const (
	deviceAppearTimeout  = 5 * time.Second
	deviceAppearInterval = 50 * time.Millisecond
)

var _ Interface = Linux{}

func run(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(out.String()), nil
}

func (Linux) LoopAttach(ctx context.Context, path string) (string, error) {
	logger := log.WithFunc("diskutil.LoopAttach")
	dev, err := run(ctx, "", "losetup", "--find", "--show", path)
	if err != nil {
		return "", fmt.Errorf("loop attach %s: %w", path, err)
	}
	waitErr := utils.WaitFor(ctx, deviceAppearTimeout, deviceAppearInterval, func() (bool, error) {
		return Linux{}.IsBlockDevice(dev), nil
	})
	if waitErr != nil {
		return "", fmt.Errorf("loop attach %s: %s never appeared: %w", path, dev, waitErr)
	}
	logger.Infof(ctx, "attached %s to %s", path, dev)
	return dev, nil
}

func (Linux) LoopDetach(ctx context.Context, dev string) error {
	if _, err := run(ctx, "", "losetup", "--detach", dev); err != nil {
		return fmt.Errorf("loop detach %s: %w", dev, err)
	}
	return nil
}

func (Linux) DMCreate(ctx context.Context, name, table string) error {
	if _, err := run(ctx, table, "dmsetup", "create", name); err != nil {
		return fmt.Errorf("dm create %s: %w", name, err)
	}
	dev := filepath.Join("/dev/mapper", name)
	if err := utils.WaitFor(ctx, deviceAppearTimeout, deviceAppearInterval, func() (bool, error) {
		return Linux{}.IsBlockDevice(dev), nil
	}); err != nil {
		return fmt.Errorf("dm create %s: %s never appeared: %w", name, dev, err)
	}
	return nil
}

func (Linux) DMRemove(ctx context.Context, name string) error {
	if _, err := run(ctx, "", "dmsetup", "remove", name); err != nil {
		return fmt.Errorf("dm remove %s: %w", name, err)
	}
	return nil
}

func (Linux) DMSuspendResume(ctx context.Context, name string) error {
	if _, err := run(ctx, "", "dmsetup", "suspend", name); err != nil {
		return fmt.Errorf("dm suspend %s: %w", name, err)
	}
	if _, err := run(ctx, "", "dmsetup", "resume", name); err != nil {
		return fmt.Errorf("dm resume %s: %w", name, err)
	}
	return nil
}

func (Linux) DDRange(ctx context.Context, src, dst string, bs, count, doff, soff int64) error {
	args := []string{
		"if=" + src,
		"of=" + dst,
		fmt.Sprintf("bs=%d", bs),
		fmt.Sprintf("count=%d", count),
		fmt.Sprintf("seek=%d", doff),
		fmt.Sprintf("skip=%d", soff),
		"conv=notrunc",
	}
	if _, err := run(ctx, "", "dd", args...); err != nil {
		return fmt.Errorf("dd range %s->%s: %w", src, dst, err)
	}
	return nil
}

func (Linux) IsBlockDevice(path string) bool {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false
	}
	return st.Mode&unix.S_IFMT == unix.S_IFBLK
}
