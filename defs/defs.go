// Package defs holds types and constants shared by every kernel package,
// mirroring the role biscuit/src/defs plays in the teacher repo.
package defs

// Err_t is the kernel-wide error convention: 0 means success, a negative
// value is a -errno style code. No Go `error` value ever crosses the
// syscall boundary; internal-only code uses the standard library error
// interface instead (see vmm.ErrNullPageTable and friends).
type Err_t int

// Tid_t identifies a task (kernel task or user process) in the scheduler.
type Tid_t int

// Errno codes used by the syscall layer. Names and values follow the Linux
// ABI the syscall table mimics (spec.md §6), except ENOHEAP, a name Linux
// does not define. EPERM, EFAULT, ENOHEAP and ENAMETOOLONG are not returned
// anywhere in this kernel.
const (
	EPERM        Err_t = 1
	ENOENT       Err_t = 2
	EBADF        Err_t = 9
	ENOMEM       Err_t = 12
	EFAULT       Err_t = 14
	EEXIST       Err_t = 17
	ENOTDIR      Err_t = 20
	EISDIR       Err_t = 21
	EINVAL       Err_t = 22
	ENOHEAP      Err_t = 23
	ENAMETOOLONG Err_t = 36
)

// FD reserved numbers (spec.md §4.4 "Syscalls implemented").
const (
	FDStdin  = 0
	FDStdout = 1
	FDStderr = 2
	FDBase   = 3 // fd - FDBase == filesystem file id
)

// Syscall numbers, matching the Linux x86_64 ABI layout (spec.md §6).
const (
	SysRead       = 0
	SysWrite      = 1
	SysOpen       = 2
	SysFstat      = 5
	SysMalloc     = 9
	SysFree       = 11
	SysExec       = 0x3b
	SysExit       = 0x3c
	SysTruncate   = 0x4c
	SysFtruncate  = 0x4d
	SysCreat      = 0x55
	SysRemoveFile = 0x57
	SysReadDir    = 0x59
)
