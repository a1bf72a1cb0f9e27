package fdtables

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// FdSet is a classic select bitmask of FD_PER_PROCESS_MAX bits.  The host
// representation is used directly so the real masks can be handed straight
// to the kernel.
type FdSet = unix.FdSet

// NewFdSet returns an empty fd set.
func NewFdSet() *FdSet {
	var set FdSet
	set.Zero()
	return &set
}

// The classic macros.  Bits outside [0, FD_PER_PROCESS_MAX) are the
// caller's problem, as ever.

// FD_ZERO clears every bit in set.
func FD_ZERO(set *FdSet) { set.Zero() }

// FD_SET sets the bit for fd in set.
func FD_SET(fd uint64, set *FdSet) { set.Set(int(fd)) }

// FD_ISSET reports whether the bit for fd is set in set.
func FD_ISSET(fd uint64, set *FdSet) bool { return set.IsSet(int(fd)) }

// FD_CLR clears the bit for fd in set.
func FD_CLR(fd uint64, set *FdSet) { set.Clear(int(fd)) }

// translateBitsLocked rewrites one virtual bitmask into a real one.  Real
// bits land in out and the mapping table; unreal positions land in the
// returned map as virtfd -> optionalinfo.  The second result is the highest
// real fd set plus one, select's nfds convention.
func (c *cageTable) translateBitsLocked(nfds uint64, in, out *FdSet, mapping map[uint64]uint64) (map[uint64]uint64, uint64, error) {
	unreal := make(map[uint64]uint64)
	var highest uint64
	if in == nil {
		return unreal, 0, nil
	}
	for virtfd := uint64(0); virtfd < nfds; virtfd++ {
		if !FD_ISSET(virtfd, in) {
			continue
		}
		entry, ok := c.fds[virtfd]
		if !ok {
			return nil, 0, errors.WithMessagef(EBADF, "no entry for virtual fd %d", virtfd)
		}
		if entry.RealFd == NO_REAL_FD {
			unreal[virtfd] = entry.OptionalInfo
			continue
		}
		mapping[entry.RealFd] = virtfd
		FD_SET(entry.RealFd, out)
		if entry.RealFd+1 > highest {
			highest = entry.RealFd + 1
		}
	}
	return unreal, highest, nil
}

// GetRealBitmasksForSelect translates the three virtual select masks before
// the kernel call.  Nil input masks are treated as empty.  It returns the
// new nfds (highest real fd set plus one, 0 if none), the three real masks,
// the unreal positions of each mask as virtfd -> optionalinfo maps, and the
// mapping table for GetVirtualBitmasksFromSelectResult.  EINVAL if nfds is
// over FD_PER_PROCESS_MAX; EBADF if a set bit has no entry.  When several
// virtual fds alias one real fd the last one translated wins, and readiness
// is later reported against that virtual fd only.
func GetRealBitmasksForSelect(cageid, nfds uint64, readfds, writefds, exceptfds *FdSet) (uint64, *FdSet, *FdSet, *FdSet, [3]map[uint64]uint64, map[uint64]uint64, error) {
	var unreal [3]map[uint64]uint64
	if nfds > FD_PER_PROCESS_MAX {
		return 0, nil, nil, nil, unreal, nil, errors.WithMessagef(EINVAL, "nfds %d over limit", nfds)
	}
	c := cageFor(cageid)
	c.mu.RLock()
	defer c.mu.RUnlock()

	mapping := make(map[uint64]uint64)
	out := [3]*FdSet{NewFdSet(), NewFdSet(), NewFdSet()}
	var newnfds uint64
	for i, in := range [3]*FdSet{readfds, writefds, exceptfds} {
		set, highest, err := c.translateBitsLocked(nfds, in, out[i], mapping)
		if err != nil {
			return 0, nil, nil, nil, unreal, nil, err
		}
		unreal[i] = set
		if highest > newnfds {
			newnfds = highest
		}
	}
	return newnfds, out[0], out[1], out[2], unreal, mapping, nil
}

// GetVirtualBitmasksFromSelectResult folds a kernel select result back into
// virtual masks.  Real bits translate through the mapping table (a missing
// real fd is a caller bug and panics); the unreal hit lists are raw virtual
// fds the caller found ready itself.  The count is the total number of bits
// set across the three virtual masks.
func GetVirtualBitmasksFromSelectResult(nfds uint64, readfds, writefds, exceptfds *FdSet, unrealReadHits, unrealWriteHits, unrealExceptHits []uint64, mapping map[uint64]uint64) (uint64, *FdSet, *FdSet, *FdSet) {
	if nfds > FD_PER_PROCESS_MAX {
		panic(errors.Errorf("nfds %d over limit in select result", nfds))
	}
	var count uint64
	out := [3]*FdSet{NewFdSet(), NewFdSet(), NewFdSet()}
	hits := [3][]uint64{unrealReadHits, unrealWriteHits, unrealExceptHits}
	for i, in := range [3]*FdSet{readfds, writefds, exceptfds} {
		if in != nil {
			for realfd := uint64(0); realfd < nfds; realfd++ {
				if !FD_ISSET(realfd, in) {
					continue
				}
				virtfd, ok := mapping[realfd]
				if !ok {
					panic(errors.Errorf("real fd %d not in mapping table", realfd))
				}
				if !FD_ISSET(virtfd, out[i]) {
					FD_SET(virtfd, out[i])
					count++
				}
			}
		}
		for _, virtfd := range hits[i] {
			if !FD_ISSET(virtfd, out[i]) {
				FD_SET(virtfd, out[i])
				count++
			}
		}
	}
	return count, out[0], out[1], out[2]
}
