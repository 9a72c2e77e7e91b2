// Package syscall implements the syscall dispatch table and user-pointer
// validation described in spec.md §4.4 "Syscall entry" / §6 "Syscall ABI".
// The naked entry stub that snapshots GPRs and switches to the kernel
// stack lives in entry_amd64.s; this file is the portable handler it calls
// into, matching the split spec.md itself draws between the "naked entry"
// and "handler".
//
// Grounded on the Linux-compatible register convention spec.md §6 names
// explicitly, and on the fd-numbering scheme in biscuit/src/fd.Fd_t (FDs
// 0-2 reserved, FDs >= 3 map onto filesystem file ids).
package syscall

import (
	"limnos/defs"
	"limnos/mem"
	"limnos/pfa"
	"limnos/proc"
	"limnos/vmm"
)

// FS is the nine-method subset of the filesystem this kernel's syscalls
// consume (spec.md §1 "only its consumed API is specified"). Modeled on
// the signatures visible in the teacher's fs.Blockmem_i/fs.Disk_i, not its
// full on-disk format.
type FS interface {
	Read(fileID int, buf []byte, offset int64) (int, defs.Err_t)
	Write(fileID int, buf []byte, offset int64) (int, defs.Err_t)
	CreateFile(path string) (fileID int, err defs.Err_t)
	RemoveFile(path string) defs.Err_t
	GetFileID(path string) (int, defs.Err_t)
	IsDir(fileID int) bool
	ReadDir(fileID int) ([]string, defs.Err_t)
	SetLen(fileID int, length int64) defs.Err_t
	GetFileSize(fileID int) (int64, defs.Err_t)
}

// Stdin is the external collaborator consumed by read(0, ...) (spec.md §1,
// §5's "without_interrupts" note).
type Stdin interface {
	Read(buf []byte) (int, defs.Err_t)
}

// Heap is the per-process heap allocator consumed by malloc/free.
type Heap interface {
	Alloc(size, align int) (uintptr, error)
	Dealloc(ptr uintptr) error
}

// Scheduler is the subset of sched.Scheduler the syscall layer needs:
// enqueueing a freshly loaded process (spec.md §4.4 "Spawn (user)" final
// step) and pushing an exiting one onto the terminator queue (spec.md
// §4.4 "Termination").
type Scheduler interface {
	AddToTheQueue(p *proc.Proc_t)
	Exit(p *proc.Proc_t)
}

// Tids is the subset of sched.NextTid exec needs to name the new process.
type Tids interface {
	Allocate() defs.Tid_t
}

// Dispatcher wires the syscall table to its external collaborators. The
// Scheduler/Frames/VM/KernelPML4/Tids fields back exec's proc.LoadELF call
// (spec.md §4.4 "Spawn (user)"), and Scheduler also backs exit's
// terminator-queue push. Frames/VM/KernelPML4/Tids may be left nil when
// SysExec is never dispatched; Scheduler may be left nil only when neither
// SysExec nor SysExit is dispatched (e.g. the kernel-task-only boot path
// before a user program is loaded).
type Dispatcher struct {
	FS    FS
	Stdin Stdin

	Scheduler  Scheduler
	Frames     *pfa.Allocator
	VM         *vmm.VMM
	KernelPML4 mem.Pa_t
	Tids       Tids
}

// validUserPointer enforces spec.md §4.4's user-pointer contract: non-null
// and strictly below the HHDM offset.
func validUserPointer(p uintptr) bool {
	return p != 0 && p < mem.HHDMOffset
}

// userBytes returns a slice view of n bytes at the validated user pointer
// p, or nil and false if the pointer is invalid.
func userBytes(p uintptr, n int) ([]byte, bool) {
	if !validUserPointer(p) || n < 0 {
		return nil, false
	}
	return unsafeSlice(p, n), true
}

// Handle dispatches one syscall for the given process on rax, using the
// Linux-compatible argument registers rdi, rsi, rdx, r10, r8, r9 (spec.md
// §6 "Syscall ABI"). The return value is written into p.Regs.RAX by the
// caller (entryGo, which the naked entry stub calls), mirroring spec.md §4.4's "handler ...
// writes the return value to the PCB's rax".
func (d *Dispatcher) Handle(p *proc.Proc_t, heap Heap) int64 {
	r := &p.Regs
	nr := r.RAX
	// r8/r9 round out the six-register ABI but no implemented syscall
	// takes a fifth or sixth argument.
	a0, a1, a2, a3 := r.RDI, r.RSI, r.RDX, r.R10

	switch nr {
	case defs.SysRead:
		return d.sysRead(p, a0, a1, a2, a3)
	case defs.SysWrite:
		return d.sysWrite(p, a0, a1, a2, a3)
	case defs.SysOpen:
		return d.sysOpen(a0, a1)
	case defs.SysCreat:
		return d.sysCreat(a0)
	case defs.SysRemoveFile:
		return d.sysRemoveFile(a0)
	case defs.SysReadDir:
		return d.sysReadDir(a0, a1, a2)
	case defs.SysTruncate:
		return d.sysTruncate(a0, a1)
	case defs.SysFtruncate:
		return d.sysFtruncate(a0, a1)
	case defs.SysFstat:
		return d.sysFstat(a0, a1)
	case defs.SysMalloc:
		return sysMalloc(heap, a0, a1)
	case defs.SysFree:
		return sysFree(heap, a0)
	case defs.SysExec:
		return d.sysExec(p, a0)
	case defs.SysExit:
		// Push onto the terminator queue and clear the current slot; the
		// dedicated drainer task reclaims the address space later (spec.md
		// §4.4 "Termination"). Control never returns to p: the entry stub
		// resumes whichever task load_from_queue installs next.
		d.Scheduler.Exit(p)
		return 0
	default:
		return -int64(defs.EINVAL)
	}
}

func (d *Dispatcher) sysRead(p *proc.Proc_t, fd, bufPtr, count, offset uint64) int64 {
	buf, ok := userBytes(uintptr(bufPtr), int(count))
	if !ok {
		return -1
	}
	if fd == defs.FDStdin {
		n, err := d.Stdin.Read(buf)
		if err != 0 {
			return -1
		}
		return int64(n)
	}
	fileID := int(fd) - defs.FDBase
	n, err := d.FS.Read(fileID, buf, int64(offset))
	if err != 0 {
		return -1
	}
	return int64(n)
}

func (d *Dispatcher) sysWrite(p *proc.Proc_t, fd, bufPtr, count, offset uint64) int64 {
	buf, ok := userBytes(uintptr(bufPtr), int(count))
	if !ok {
		return -1
	}
	if fd == defs.FDStdout || fd == defs.FDStderr {
		return int64(len(buf)) // console output is out of scope; bytes are accepted and dropped
	}
	fileID := int(fd) - defs.FDBase
	n, err := d.FS.Write(fileID, buf, int64(offset))
	if err != 0 {
		return -1
	}
	return int64(n)
}

// sysExec implements the exec syscall's handler-level wiring (spec.md
// §4.4 "Spawn (user)"): resolve the path to a file id, load and map the
// ELF image via proc.LoadELF, and enqueue the resulting process. The
// calling process's own cwd is inherited by the new process, matching
// fork/exec's usual cwd-preservation rule; the caller itself is left
// running until its own syscall return unwinds (exec here spawns rather
// than replaces, since spec.md names no address-space-replacement step).
func (d *Dispatcher) sysExec(p *proc.Proc_t, pathPtr uint64) int64 {
	path, ok := userCString(uintptr(pathPtr))
	if !ok {
		return -1
	}
	fileID, err := d.FS.GetFileID(path)
	if err != 0 {
		return -int64(err)
	}
	tid := d.Tids.Allocate()
	child, loadErr := proc.LoadELF(tid, fileID, p.Cwd, d.FS, d.Frames, d.VM, d.KernelPML4)
	if loadErr != nil {
		return -int64(defs.ENOMEM)
	}
	d.Scheduler.AddToTheQueue(child)
	return int64(tid)
}

func (d *Dispatcher) sysOpen(pathPtr, _ uint64) int64 {
	path, ok := userCString(uintptr(pathPtr))
	if !ok {
		return -1
	}
	id, err := d.FS.GetFileID(path)
	if err != 0 {
		return -1
	}
	return int64(id + defs.FDBase)
}

func (d *Dispatcher) sysCreat(pathPtr uint64) int64 {
	path, ok := userCString(uintptr(pathPtr))
	if !ok {
		return -1
	}
	id, err := d.FS.CreateFile(path)
	if err != 0 {
		return -1
	}
	return int64(id + defs.FDBase)
}

func (d *Dispatcher) sysRemoveFile(pathPtr uint64) int64 {
	path, ok := userCString(uintptr(pathPtr))
	if !ok {
		return -1
	}
	if err := d.FS.RemoveFile(path); err != 0 {
		return -1
	}
	return 0
}

func (d *Dispatcher) sysReadDir(fd, bufPtr, bufLen uint64) int64 {
	fileID := int(fd) - defs.FDBase
	if !d.FS.IsDir(fileID) {
		return -int64(defs.ENOTDIR)
	}
	names, err := d.FS.ReadDir(fileID)
	if err != 0 {
		return -1
	}
	buf, ok := userBytes(uintptr(bufPtr), int(bufLen))
	if !ok {
		return -1
	}
	n := 0
	for _, name := range names {
		if n+len(name)+1 > len(buf) {
			break
		}
		copy(buf[n:], name)
		buf[n+len(name)] = 0
		n += len(name) + 1
	}
	return int64(n)
}

func (d *Dispatcher) sysTruncate(pathPtr, length uint64) int64 {
	path, ok := userCString(uintptr(pathPtr))
	if !ok {
		return -1
	}
	id, err := d.FS.GetFileID(path)
	if err != 0 {
		return -1
	}
	if err := d.FS.SetLen(id, int64(length)); err != 0 {
		return -1
	}
	return 0
}

func (d *Dispatcher) sysFtruncate(fd, length uint64) int64 {
	fileID := int(fd) - defs.FDBase
	if err := d.FS.SetLen(fileID, int64(length)); err != 0 {
		return -1
	}
	return 0
}

func (d *Dispatcher) sysFstat(fd, statPtr uint64) int64 {
	fileID := int(fd) - defs.FDBase
	size, err := d.FS.GetFileSize(fileID)
	if err != 0 {
		return -1
	}
	buf, ok := userBytes(uintptr(statPtr), 8)
	if !ok {
		return -1
	}
	putUint64(buf, uint64(size))
	return 0
}

// defaultAlignment backs malloc calls that pass no alignment of their
// own, matching the 16-byte default the heap's ABI promises.
const defaultAlignment = 16

func sysMalloc(heap Heap, size, align uint64) int64 {
	if align == 0 {
		align = defaultAlignment
	}
	if align&(align-1) != 0 {
		return 0 // a bad user-supplied alignment must not panic the heap
	}
	ptr, err := heap.Alloc(int(size), int(align))
	if err != nil {
		return 0
	}
	return int64(ptr)
}

func sysFree(heap Heap, ptr uint64) int64 {
	if err := heap.Dealloc(uintptr(ptr)); err != nil {
		return -1
	}
	return 0
}
