package fdtables

import (
	"github.com/pkg/errors"
)

// UnrealFd is an unreal position pulled out of a poll vector: the virtual fd
// and the optionalinfo the caller stored to find its emulation state.
type UnrealFd struct {
	VirtFd       uint64
	OptionalInfo uint64
}

// ConvertVirtualFdsToReal translates a poll vector before the kernel call.
// Position i of the returned real vector holds the real fd for virtualfds[i],
// NO_REAL_FD if the entry is unreal, or INVALID_FD if there is no entry (the
// caller reports POLLNVAL itself; no error is raised).  Unreal positions
// come back as (virtfd, optionalinfo) pairs in input order, invalid ones as
// a virtfd list in input order.  The mapping table reverses real fds back to
// virtual fds after the call; when several virtual fds alias one real fd the
// last one translated wins.
func ConvertVirtualFdsToReal(cageid uint64, virtualfds []uint64) ([]uint64, []UnrealFd, []uint64, map[uint64]uint64) {
	c := cageFor(cageid)
	c.mu.RLock()
	defer c.mu.RUnlock()

	realfds := make([]uint64, 0, len(virtualfds))
	var unreal []UnrealFd
	var invalid []uint64
	mapping := make(map[uint64]uint64)
	for _, virtfd := range virtualfds {
		entry, ok := c.fds[virtfd]
		if !ok {
			realfds = append(realfds, INVALID_FD)
			invalid = append(invalid, virtfd)
			continue
		}
		realfds = append(realfds, entry.RealFd)
		if entry.RealFd == NO_REAL_FD {
			unreal = append(unreal, UnrealFd{VirtFd: virtfd, OptionalInfo: entry.OptionalInfo})
		} else {
			mapping[entry.RealFd] = virtfd
		}
	}
	return realfds, unreal, invalid, mapping
}

// ConvertRealFdsBackToVirtual maps a kernel poll result back to virtual fds
// using the mapping table from ConvertVirtualFdsToReal.  The input must hold
// only real fds that call yielded; anything else is a caller bug and panics.
func ConvertRealFdsBackToVirtual(realfds []uint64, mapping map[uint64]uint64) []uint64 {
	virtfds := make([]uint64, 0, len(realfds))
	for _, realfd := range realfds {
		virtfd, ok := mapping[realfd]
		if !ok {
			panic(errors.Errorf("real fd %d not in mapping table", realfd))
		}
		virtfds = append(virtfds, virtfd)
	}
	return virtfds
}
