// Package diskutil is the external collaborator the core consumes for
// every operation spec.md places out of scope (§1, §6.4): loopback
// attach/detach, device-mapper create/remove/suspend-resume, and ranged
// block copies. The core only ever talks to the Interface; Linux shells
// out to the real tools the way the teacher's utils/process.go and
// hypervisor/cloudhypervisor invoke external processes, and Fake backs
// package tests with no kernel device-mapper or root privileges required.
package diskutil

import "context"

// Interface is the six-operation contract of spec §6.4.
type Interface interface {
	// LoopAttach binds a free loopback device to the file at path and
	// returns its device path (e.g. "/dev/loop7").
	LoopAttach(ctx context.Context, path string) (dev string, err error)
	// LoopDetach releases the loopback binding for dev.
	LoopDetach(ctx context.Context, dev string) error
	// DMCreate runs `dmsetup create name` fed table on stdin.
	DMCreate(ctx context.Context, name, table string) error
	// DMRemove runs `dmsetup remove name`.
	DMRemove(ctx context.Context, name string) error
	// DMSuspendResume suspends then resumes name, to refresh mappings
	// after its table has changed underneath it.
	DMSuspendResume(ctx context.Context, name string) error
	// DDRange copies count blocks of bs bytes each from src at offset
	// soff to dst at offset doff, with dd(1) range-copy semantics.
	DDRange(ctx context.Context, src, dst string, bs, count, doff, soff int64) error
	// IsBlockDevice reports whether path exists and is a block device.
	IsBlockDevice(path string) bool
}
