package fdtables

import (
	"golang.org/x/sys/unix"
)

// Sentinel values in the real-fd space.  These are far outside the range of
// any fd a kernel will hand out, so they can never collide with a real fd.
const (
	// INVALID_FD marks a position whose virtual fd had no table entry.
	// Usually an error is returned instead; poll needs it in-band.
	INVALID_FD uint64 = 0xff_abcd_ef00
	// NO_REAL_FD marks an entry with no real fd backing it.
	NO_REAL_FD uint64 = 0xff_abcd_ef01
	// EPOLLFD marks an epoll instance with no underlying real epoll fd.
	EPOLLFD uint64 = 0xff_abcd_ef02
)

// FD_PER_PROCESS_MAX bounds the virtual fd number space of a cage.  It
// matches the host FD_SETSIZE so a cage's select bitmasks fit in a fd_set.
const FD_PER_PROCESS_MAX uint64 = 1024

// TOTAL_FD_MAX is the declared process-wide bound.  Not currently enforced.
const TOTAL_FD_MAX uint64 = 4096

// TESTING_CAGEID is pre-installed at startup and after Refresh, so tests and
// early bring-up code have a cage to work with before any fork happens.
const TESTING_CAGEID uint64 = 1000

// Epoll ctl ops.
const (
	EPOLL_CTL_ADD = unix.EPOLL_CTL_ADD
	EPOLL_CTL_MOD = unix.EPOLL_CTL_MOD
	EPOLL_CTL_DEL = unix.EPOLL_CTL_DEL
)

// Epoll event bits.
const (
	EPOLLIN        = uint32(unix.EPOLLIN)
	EPOLLPRI       = uint32(unix.EPOLLPRI)
	EPOLLOUT       = uint32(unix.EPOLLOUT)
	EPOLLERR       = uint32(unix.EPOLLERR)
	EPOLLHUP       = uint32(unix.EPOLLHUP)
	EPOLLRDNORM    = uint32(unix.EPOLLRDNORM)
	EPOLLRDBAND    = uint32(unix.EPOLLRDBAND)
	EPOLLWRNORM    = uint32(unix.EPOLLWRNORM)
	EPOLLWRBAND    = uint32(unix.EPOLLWRBAND)
	EPOLLMSG       = uint32(unix.EPOLLMSG)
	EPOLLRDHUP     = uint32(unix.EPOLLRDHUP)
	EPOLLEXCLUSIVE = uint32(unix.EPOLLEXCLUSIVE)
	EPOLLWAKEUP    = uint32(unix.EPOLLWAKEUP)
	EPOLLONESHOT   = uint32(unix.EPOLLONESHOT)
	EPOLLET        = uint32(unix.EPOLLET)
)

// EpollEvent is the event record stored per registered fd.
type EpollEvent struct {
	Events uint32
	Data   uint64
}

// FDTableEntry is what a virtual fd resolves to.
type FDTableEntry struct {
	// RealFd is the underlying fd (may be a virtual fd of a layer below us
	// or a kernel fd).  NO_REAL_FD and EPOLLFD mean there is no backing fd.
	RealFd uint64
	// ShouldCloexec drops the entry on exec.
	ShouldCloexec bool
	// OptionalInfo is caller-defined data, used heavily for unreal fds.
	OptionalInfo uint64
}
