package syscall_test

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"limnos/defs"
	"limnos/mem/memtest"
	"limnos/pfa"
	"limnos/proc"
	syscallpkg "limnos/syscall"
	"limnos/vmm"
)

// fakeFS implements syscallpkg.FS with a tiny in-process map, so dispatcher
// tests don't depend on the real fs.Memory implementation.
type fakeFS struct {
	files map[int][]byte
	paths map[string]int
	next  int
}

func newFakeFS() *fakeFS {
	return &fakeFS{files: map[int][]byte{}, paths: map[string]int{}, next: 1}
}

func (f *fakeFS) Read(id int, buf []byte, offset int64) (int, defs.Err_t) {
	data, ok := f.files[id]
	if !ok {
		return 0, defs.EBADF
	}
	n := copy(buf, data[offset:])
	return n, 0
}

func (f *fakeFS) Write(id int, buf []byte, offset int64) (int, defs.Err_t) {
	data, ok := f.files[id]
	if !ok {
		return 0, defs.EBADF
	}
	end := int(offset) + len(buf)
	if end > len(data) {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	n := copy(data[offset:], buf)
	f.files[id] = data
	return n, 0
}

func (f *fakeFS) CreateFile(path string) (int, defs.Err_t) {
	id := f.next
	f.next++
	f.files[id] = nil
	f.paths[path] = id
	return id, 0
}

func (f *fakeFS) RemoveFile(path string) defs.Err_t {
	id, ok := f.paths[path]
	if !ok {
		return defs.ENOENT
	}
	delete(f.paths, path)
	delete(f.files, id)
	return 0
}

func (f *fakeFS) GetFileID(path string) (int, defs.Err_t) {
	id, ok := f.paths[path]
	if !ok {
		return 0, defs.ENOENT
	}
	return id, 0
}

func (f *fakeFS) IsDir(id int) bool { return false }

func (f *fakeFS) ReadDir(id int) ([]string, defs.Err_t) { return nil, defs.ENOTDIR }

func (f *fakeFS) SetLen(id int, length int64) defs.Err_t {
	data, ok := f.files[id]
	if !ok {
		return defs.EBADF
	}
	grown := make([]byte, length)
	copy(grown, data)
	f.files[id] = grown
	return 0
}

func (f *fakeFS) GetFileSize(id int) (int64, defs.Err_t) {
	data, ok := f.files[id]
	if !ok {
		return 0, defs.EBADF
	}
	return int64(len(data)), 0
}

type fakeStdin struct {
	data []byte
}

func (s *fakeStdin) Read(buf []byte) (int, defs.Err_t) {
	n := copy(buf, s.data)
	s.data = s.data[n:]
	return n, 0
}

type fakeHeap struct {
	allocs   int
	deallocs int
}

func (h *fakeHeap) Alloc(size, align int) (uintptr, error) {
	h.allocs++
	buf := make([]byte, size+align)
	base := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (base + uintptr(align) - 1) &^ uintptr(align-1)
	return aligned, nil
}

func (h *fakeHeap) Dealloc(ptr uintptr) error {
	h.deallocs++
	return nil
}

// userBuf returns a real buffer at least minSize bytes long, carrying s as
// its prefix, whose address (via ptrOf) is suitable for passing as a
// syscall argument: the buffer is real, addressable Go memory, and falls
// well below HHDMOffset, satisfying validUserPointer.
func userBuf(s string, minSize int) []byte {
	n := minSize
	if len(s)+1 > n {
		n = len(s) + 1
	}
	buf := make([]byte, n)
	copy(buf, s)
	return buf
}

func ptrOf(buf []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}

func newProc() *proc.Proc_t {
	return &proc.Proc_t{}
}

func TestSysCreatOpenWriteReadRoundTrip(t *testing.T) {
	d := &syscallpkg.Dispatcher{FS: newFakeFS(), Stdin: &fakeStdin{}}
	p := newProc()

	pathBuf := userBuf("/greeting", 4096)
	p.Regs.RAX = defs.SysCreat
	p.Regs.RDI = ptrOf(pathBuf)
	fd := d.Handle(p, &fakeHeap{})
	require.GreaterOrEqual(t, fd, int64(defs.FDBase))

	p.Regs.RAX = defs.SysOpen
	p.Regs.RDI = ptrOf(pathBuf)
	require.Equal(t, fd, d.Handle(p, &fakeHeap{}), "open must return the fd creat handed out")

	msg := userBuf("hello", 0)
	p.Regs.RAX = defs.SysWrite
	p.Regs.RDI = uint64(fd)
	p.Regs.RSI = ptrOf(msg)
	p.Regs.RDX = uint64(len("hello"))
	n := d.Handle(p, &fakeHeap{})
	require.Equal(t, int64(5), n)

	readBuf := userBuf("", 16)
	p.Regs.RAX = defs.SysRead
	p.Regs.RDI = uint64(fd)
	p.Regs.RSI = ptrOf(readBuf)
	p.Regs.RDX = uint64(len(readBuf))
	n = d.Handle(p, &fakeHeap{})
	require.Equal(t, int64(5), n)
	require.Equal(t, "hello", string(readBuf[:5]))
}

func TestSysReadFromStdin(t *testing.T) {
	d := &syscallpkg.Dispatcher{FS: newFakeFS(), Stdin: &fakeStdin{data: []byte("keys")}}
	p := newProc()

	buf := userBuf("", 16)
	p.Regs.RAX = defs.SysRead
	p.Regs.RDI = defs.FDStdin
	p.Regs.RSI = ptrOf(buf)
	p.Regs.RDX = uint64(len(buf))

	n := d.Handle(p, &fakeHeap{})
	require.Equal(t, int64(4), n)
	require.Equal(t, "keys", string(buf[:4]))
}

func TestSysWriteToStdoutAcceptsAndDrops(t *testing.T) {
	d := &syscallpkg.Dispatcher{FS: newFakeFS(), Stdin: &fakeStdin{}}
	p := newProc()

	buf := userBuf("ignored", 0)
	p.Regs.RAX = defs.SysWrite
	p.Regs.RDI = defs.FDStdout
	p.Regs.RSI = ptrOf(buf)
	p.Regs.RDX = uint64(len(buf))

	n := d.Handle(p, &fakeHeap{})
	require.Equal(t, int64(len(buf)), n)
}

func TestSysOpenMissingFileReturnsError(t *testing.T) {
	d := &syscallpkg.Dispatcher{FS: newFakeFS(), Stdin: &fakeStdin{}}
	p := newProc()

	pathBuf := userBuf("/nope", 4096)
	p.Regs.RAX = defs.SysOpen
	p.Regs.RDI = ptrOf(pathBuf)

	ret := d.Handle(p, &fakeHeap{})
	require.Equal(t, int64(-1), ret)
}

func TestSysMallocAndFree(t *testing.T) {
	d := &syscallpkg.Dispatcher{FS: newFakeFS(), Stdin: &fakeStdin{}}
	p := newProc()
	h := &fakeHeap{}

	p.Regs.RAX = defs.SysMalloc
	p.Regs.RDI = 64
	p.Regs.RSI = 8
	ptr := d.Handle(p, h)
	require.NotZero(t, ptr)
	require.Equal(t, 1, h.allocs)

	p.Regs.RAX = defs.SysFree
	p.Regs.RDI = uint64(ptr)
	ret := d.Handle(p, h)
	require.Equal(t, int64(0), ret)
	require.Equal(t, 1, h.deallocs)
}

func TestSysFstatReportsSize(t *testing.T) {
	fsys := newFakeFS()
	d := &syscallpkg.Dispatcher{FS: fsys, Stdin: &fakeStdin{}}
	p := newProc()

	id, _ := fsys.CreateFile("/stat-me")
	fsys.files[id] = []byte("0123456789")

	statBuf := make([]byte, 8)
	p.Regs.RAX = defs.SysFstat
	p.Regs.RDI = uint64(id + defs.FDBase)
	p.Regs.RSI = uint64(uintptr(unsafe.Pointer(&statBuf[0])))

	ret := d.Handle(p, &fakeHeap{})
	require.Equal(t, int64(0), ret)

	var size uint64
	for i := 0; i < 8; i++ {
		size |= uint64(statBuf[i]) << (8 * i)
	}
	require.Equal(t, uint64(10), size)
}

func TestUnknownSyscallReturnsEINVAL(t *testing.T) {
	d := &syscallpkg.Dispatcher{FS: newFakeFS(), Stdin: &fakeStdin{}}
	p := newProc()
	p.Regs.RAX = 0xFFFF

	ret := d.Handle(p, &fakeHeap{})
	require.Equal(t, -int64(defs.EINVAL), ret)
}

func TestSysExitPushesOntoTerminatorQueue(t *testing.T) {
	sched := &fakeScheduler{}
	d := &syscallpkg.Dispatcher{FS: newFakeFS(), Stdin: &fakeStdin{}, Scheduler: sched}
	p := newProc()
	p.Regs.RAX = defs.SysExit

	ret := d.Handle(p, &fakeHeap{})
	require.Equal(t, int64(0), ret)
	require.Equal(t, []*proc.Proc_t{p}, sched.exited, "exit must hand the process to the terminator queue")
}

func TestSysMallocRejectsBadAlignment(t *testing.T) {
	d := &syscallpkg.Dispatcher{FS: newFakeFS(), Stdin: &fakeStdin{}}
	p := newProc()
	h := &fakeHeap{}

	p.Regs.RAX = defs.SysMalloc
	p.Regs.RDI = 64
	p.Regs.RSI = 3 // not a power of two
	require.Equal(t, int64(0), d.Handle(p, h))
	require.Zero(t, h.allocs, "a bad alignment must never reach the heap")

	p.Regs.RSI = 0 // no alignment requested: the 16-byte default applies
	require.NotZero(t, d.Handle(p, h))
	require.Equal(t, 1, h.allocs)
}

func TestSysReadHonorsNonZeroOffset(t *testing.T) {
	fsys := newFakeFS()
	id, _ := fsys.CreateFile("/offsets")
	fsys.files[id] = []byte("helloworld")

	d := &syscallpkg.Dispatcher{FS: fsys, Stdin: &fakeStdin{}}
	p := newProc()

	buf := userBuf("", 16)
	p.Regs.RAX = defs.SysRead
	p.Regs.RDI = uint64(id + defs.FDBase)
	p.Regs.RSI = ptrOf(buf)
	p.Regs.RDX = uint64(5)
	p.Regs.R10 = 5 // offset: skip "hello", read "world"

	n := d.Handle(p, &fakeHeap{})
	require.Equal(t, int64(5), n)
	require.Equal(t, "world", string(buf[:5]))
}

func TestSysWriteHonorsNonZeroOffset(t *testing.T) {
	fsys := newFakeFS()
	id, _ := fsys.CreateFile("/offsets")
	fsys.files[id] = []byte("helloXXXXX")

	d := &syscallpkg.Dispatcher{FS: fsys, Stdin: &fakeStdin{}}
	p := newProc()

	msg := userBuf("world", 0)
	p.Regs.RAX = defs.SysWrite
	p.Regs.RDI = uint64(id + defs.FDBase)
	p.Regs.RSI = ptrOf(msg)
	p.Regs.RDX = uint64(len("world"))
	p.Regs.R10 = 5 // offset: overwrite starting at byte 5, not byte 0

	n := d.Handle(p, &fakeHeap{})
	require.Equal(t, int64(5), n)
	require.Equal(t, "helloworld", string(fsys.files[id]))
}

// fakeScheduler records every process sysExec enqueues and every process
// exit pushes, standing in for sched.Scheduler.
type fakeScheduler struct {
	added  []*proc.Proc_t
	exited []*proc.Proc_t
}

func (s *fakeScheduler) AddToTheQueue(p *proc.Proc_t) {
	s.added = append(s.added, p)
}

func (s *fakeScheduler) Exit(p *proc.Proc_t) {
	s.exited = append(s.exited, p)
}

// fakeTids hands out increasing tids, standing in for sched.NextTid.
type fakeTids struct {
	next defs.Tid_t
}

func (t *fakeTids) Allocate() defs.Tid_t {
	t.next++
	return t.next
}

// buildMinimalELF returns a valid, loadable ELF64 image with no program
// headers (Phnum: 0), matching elf64Header's field-for-field on-disk layout
// exactly so LoadELF's own readStruct call accepts it.
func buildMinimalELF(entry uint64) []byte {
	buf := make([]byte, 64)
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	binary.LittleEndian.PutUint64(buf[24:32], entry) // Entry
	return buf
}

func newExecDispatcher(t *testing.T) (*syscallpkg.Dispatcher, *fakeScheduler) {
	t.Helper()
	region := memtest.NewRegion(64)
	frames := &pfa.Allocator{}
	frames.Initialize([]pfa.MemMapEntry{{Base: region.Phys, Length: uint64(region.Size), Type: pfa.Usable}})
	v := vmm.New(frames)
	kernelPML4, ok := v.CreatePageTable()
	require.True(t, ok)

	fsys := newFakeFS()
	sched := &fakeScheduler{}
	d := &syscallpkg.Dispatcher{
		FS:         fsys,
		Stdin:      &fakeStdin{},
		Scheduler:  sched,
		Frames:     frames,
		VM:         v,
		KernelPML4: kernelPML4,
		Tids:       &fakeTids{},
	}
	return d, sched
}

func TestSysExecLoadsAndEnqueuesChildProcess(t *testing.T) {
	d, sched := newExecDispatcher(t)
	fsys := d.FS.(*fakeFS)

	id, err := fsys.CreateFile("/bin/hello")
	require.Equal(t, defs.Err_t(0), err)
	fsys.files[id] = buildMinimalELF(0x4000)

	p := newProc()
	pathBuf := userBuf("/bin/hello", 32)
	p.Regs.RAX = defs.SysExec
	p.Regs.RDI = ptrOf(pathBuf)

	tid := d.Handle(p, &fakeHeap{})
	require.Greater(t, tid, int64(0), "a successful exec must return a positive tid")
	require.Len(t, sched.added, 1, "exec must enqueue exactly one child process")
	require.Equal(t, defs.Tid_t(tid), sched.added[0].Tid)
	require.Equal(t, uint64(0x4000), sched.added[0].Rip, "the loaded process must start at the ELF entry point")
}

func TestSysExecMissingFileReturnsError(t *testing.T) {
	d, sched := newExecDispatcher(t)

	p := newProc()
	pathBuf := userBuf("/bin/nope", 32)
	p.Regs.RAX = defs.SysExec
	p.Regs.RDI = ptrOf(pathBuf)

	ret := d.Handle(p, &fakeHeap{})
	require.Less(t, ret, int64(0))
	require.Empty(t, sched.added, "a failed exec must not enqueue anything")
}
