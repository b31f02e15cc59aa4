package diskutil

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Fake is an in-memory diskutil.Interface for tests: loopback devices are
// represented by the backing file's own path (a loop device just exposes
// a file as a block device, and tests never need a real block special
// file), device-mapper devices are linear/snapshot "tables" interpreted
// in-process, and DDRange performs a real byte-range copy so read-back
// assertions (spec §8 scenario 3) observe real data.
type Fake struct {
	mu      sync.Mutex
	devices map[string]*fakeDevice // dm name -> device
	loops   map[string]string      // loop dev path -> backing file path
	known   map[string]bool        // every path ever handed out as a "block device"
}

const dmMapperPrefix = "/dev/mapper/"

type fakeDevice struct {
	// table is the linear/snapshot table text; ReadDevice interprets it
	// on each read to find the backing file.
	table string
}

// NewFake creates an empty Fake.
func NewFake() *Fake {
	return &Fake{
		devices: make(map[string]*fakeDevice),
		loops:   make(map[string]string),
		known:   make(map[string]bool),
	}
}

// LoopAttach hands back path itself as the "device" — per the type's
// doc comment, a fake loopback device IS the backing file, so DDRange and
// IsBlockDevice can operate on it with ordinary file I/O instead of
// resolving through an extra indirection.
func (f *Fake) LoopAttach(_ context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loops[path] = path
	f.known[path] = true
	return path, nil
}

func (f *Fake) LoopDetach(_ context.Context, dev string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.loops[dev]; !ok {
		return fmt.Errorf("loop detach: %s not attached", dev)
	}
	delete(f.loops, dev)
	delete(f.known, dev)
	return nil
}

func (f *Fake) DMCreate(_ context.Context, name, table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.devices[name]; ok {
		return fmt.Errorf("dm create: %s already exists", name)
	}
	f.devices[name] = &fakeDevice{table: table}
	f.known[dmMapperPrefix+name] = true
	return nil
}

func (f *Fake) DMRemove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.devices[name]; !ok {
		return fmt.Errorf("dm remove: %s not found", name)
	}
	delete(f.devices, name)
	delete(f.known, dmMapperPrefix+name)
	return nil
}

func (f *Fake) DMSuspendResume(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.devices[name]; !ok {
		return fmt.Errorf("dm suspend/resume: %s not found", name)
	}
	return nil
}

func (f *Fake) DDRange(_ context.Context, src, dst string, bs, count, doff, soff int64) error {
	in, err := os.Open(src) //nolint:gosec // test-only fake
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck

	out, err := os.OpenFile(dst, os.O_WRONLY, 0) //nolint:gosec // test-only fake
	if err != nil {
		return err
	}
	defer out.Close() //nolint:errcheck

	if _, err := in.Seek(soff*bs, io.SeekStart); err != nil {
		return err
	}
	if _, err := out.Seek(doff*bs, io.SeekStart); err != nil {
		return err
	}
	_, err = io.CopyN(out, in, bs*count)
	return err
}

// IsBlockDevice reports whether path was handed out by LoopAttach/DMCreate
// (i.e. is a device this Fake manages), or was explicitly registered via
// RegisterDevice by a test that wants to simulate a pre-existing DEVICE()
// source.
func (f *Fake) IsBlockDevice(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.known[path]
}

// RegisterDevice marks path as a known block device, for tests that need
// a DEVICE(path) clone-map source without going through LoopAttach.
func (f *Fake) RegisterDevice(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.known[path] = true
}

// fakeSectorSize matches clone's blockSize: both represent the 512-byte
// unit every table offset/length in this package is expressed in.
const fakeSectorSize = 512

// ReadDevice reads numBlocks fakeSectorSize-byte blocks starting at
// startBlock from path, the read-side counterpart of DDRange/DMCreate:
// where DDRange performs a real byte-range copy for COPY entries,
// ReadDevice resolves a composed /dev/mapper path's linear/snapshot
// table recursively down to real backing files, so tests can verify data
// read back through a MAP or SNAPSHOT entry (spec §8 scenario 3) without
// a real kernel device-mapper. A snapshot target always reads through to
// its origin, since this Fake never tracks writes made through a
// snapshot device — there is no copy-on-write divergence to serve from
// the cow store.
func (f *Fake) ReadDevice(path string, startBlock, numBlocks int64) ([]byte, error) {
	name, isMapper := strings.CutPrefix(path, dmMapperPrefix)
	if !isMapper {
		file, err := os.Open(path) //nolint:gosec // test-only fake
		if err != nil {
			return nil, err
		}
		defer file.Close() //nolint:errcheck
		buf := make([]byte, numBlocks*fakeSectorSize)
		if _, err := file.ReadAt(buf, startBlock*fakeSectorSize); err != nil && err != io.EOF {
			return nil, err
		}
		return buf, nil
	}

	f.mu.Lock()
	dev, ok := f.devices[name]
	var table string
	if ok {
		table = dev.table
	}
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("read device: %s not found", path)
	}

	out := make([]byte, numBlocks*fakeSectorSize)
	for _, line := range strings.Split(table, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		lineStart, _ := strconv.ParseInt(fields[0], 10, 64)
		lineLen, _ := strconv.ParseInt(fields[1], 10, 64)
		typ := fields[2]

		segStart := max(startBlock, lineStart)
		segEnd := min(startBlock+numBlocks, lineStart+lineLen)
		if segStart >= segEnd {
			continue
		}
		localOff := segStart - lineStart

		var srcPath string
		var srcOff int64
		switch typ {
		case "linear":
			srcPath = fields[3]
			base, _ := strconv.ParseInt(fields[4], 10, 64)
			srcOff = base + localOff
		case "snapshot":
			srcPath = fields[3]
			srcOff = localOff
		default:
			return nil, fmt.Errorf("read device: unsupported target type %q in %s", typ, path)
		}

		sub, err := f.ReadDevice(srcPath, srcOff, segEnd-segStart)
		if err != nil {
			return nil, err
		}
		copy(out[(segStart-startBlock)*fakeSectorSize:], sub)
	}
	return out, nil
}

var _ Interface = (*Fake)(nil)
