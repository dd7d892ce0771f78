// Package defs holds the error, type, flag, and property vocabulary
// shared by every package in the core. Nothing here allocates memory or
// touches hardware; it exists so that mem, vm, proc, desc, devices, and
// syscalls agree on a single set of small integer codes.
package defs

// Err_t is the kernel-wide error type. Zero means success; any other
// value is a negative error code meant to be returned from rax as-is.
type Err_t int64

/// EBADF is returned when a handle's index or generation does not
/// resolve to an in-use descriptor.
const EBADF Err_t = 1

/// EPERM is returned when an operation is not permitted by a
/// descriptor's flag mask.
const EPERM Err_t = 2

/// EINVAL marks a bad argument: a null user pointer, a misaligned
/// offset, an oversize length, or an unknown property id.
const EINVAL Err_t = 3

/// ENOMEM is returned when the physical allocator has no pages left.
const ENOMEM Err_t = 4

/// EFAULT is returned when a user address or range is outside
/// [USER_BASE, USER_TOP) or does not resolve to a mapped page.
const EFAULT Err_t = 5

/// ENAMETOOLONG is returned when a copied user string exceeds the
/// destination buffer.
const ENAMETOOLONG Err_t = 6

/// EPIPE names the broken-pipe condition. Pipe writes do not return it:
/// a write with no reader left returns -1.
const EPIPE Err_t = 7

/// EIO is returned when an underlying block device reports failure.
const EIO Err_t = 8

/// EEXIST names a conflict with an existing named resource. Nothing in
/// this tree returns it; a shared-memory attach whose length exceeds the
/// segment's fails with EINVAL.
const EEXIST Err_t = 9

/// ENOENT is returned when a named resource does not exist and the
/// caller did not ask to create it.
const ENOENT Err_t = 10

/// ENOSPC is returned when a fixed-size device table (the pipe table
/// or the VTY table) has no free slot.
const ENOSPC Err_t = 11

/// Errno returns the negative syscall-ABI value for e, or 0 for
/// success. Call sites pass errors around as -defs.EXXX, so e may
/// arrive already negated.
func (e Err_t) Errno() int64 {
	if e > 0 {
		return -int64(e)
	}
	return int64(e)
}
