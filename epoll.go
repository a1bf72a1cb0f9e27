package fdtables

import (
	"github.com/pkg/errors"
)

// Nesting of unreal epoll instances inside each other is capped, matching
// the kernel's own limit.
const maxEpollDepth = 5

// epollInstance is the registration state for a virtual fd that is an epoll
// instance.  Only unreal fds are registered here; real fds are forwarded to
// the kernel's epoll instead.
type epollInstance struct {
	// realfd is the underlying real epoll fd, or EPOLLFD when the instance
	// is purely unreal.
	realfd     uint64
	registered map[uint64]EpollEvent
}

func (inst *epollInstance) clone() *epollInstance {
	registered := make(map[uint64]EpollEvent, len(inst.registered))
	for virtfd, ev := range inst.registered {
		registered[virtfd] = ev
	}
	return &epollInstance{realfd: inst.realfd, registered: registered}
}

// dropEpollStateLocked erases all epoll state touching a removed virtual fd:
// its own registration set if it was an epoll instance, and any registration
// of it inside the cage's other instances.  Caller holds c.mu.
func (c *cageTable) dropEpollStateLocked(virtfd uint64) {
	delete(c.epolls, virtfd)
	for _, inst := range c.epolls {
		delete(inst.registered, virtfd)
	}
}

// EpollCreateHelper allocates a virtual fd for an epoll instance.  The
// underlying real epoll fd (EPOLLFD when there is none) becomes the entry's
// realfd, and an empty registration set is attached.  EMFILE when the
// cage's fd space is full.
func EpollCreateHelper(cageid, realepollfd uint64, shouldCloexec bool) (uint64, error) {
	c := cageFor(cageid)
	c.mu.Lock()
	virtfd, ok := c.allocateLocked(FDTableEntry{
		RealFd:        realepollfd,
		ShouldCloexec: shouldCloexec,
	})
	if !ok {
		c.mu.Unlock()
		return 0, errors.WithMessagef(EMFILE, "cage %d has no unused virtual fds", cageid)
	}
	c.epolls[virtfd] = &epollInstance{
		realfd:     realepollfd,
		registered: make(map[uint64]EpollEvent),
	}
	c.mu.Unlock()
	tracer().Trace().
		Uint64("cage", cageid).
		Uint64("virtfd", virtfd).
		Uint64("realepollfd", realepollfd).
		Log("epoll instance created")
	return virtfd, nil
}

// TryEpollCtl applies an epoll_ctl to a virtual epoll fd.  It returns the
// underlying real epoll fd and the target's real fd.  A real target leaves
// the sub-table untouched: the caller must forward the op to the kernel.
// An unreal target (NO_REAL_FD, or an epoll instance with no real epoll fd
// beneath it, EPOLLFD) is handled entirely here and NO_REAL_FD comes back to
// say there is no kernel call to make.
func TryEpollCtl(cageid, epollVirtfd uint64, op int, targetVirtfd uint64, event EpollEvent) (uint64, uint64, error) {
	c := cageFor(cageid)
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.fds[epollVirtfd]; !ok {
		return 0, 0, errors.WithMessagef(EBADF, "no entry for virtual fd %d", epollVirtfd)
	}
	inst, ok := c.epolls[epollVirtfd]
	if !ok {
		return 0, 0, errors.WithMessagef(EINVAL, "virtual fd %d is not an epoll instance", epollVirtfd)
	}
	target, ok := c.fds[targetVirtfd]
	if !ok {
		return 0, 0, errors.WithMessagef(EBADF, "no entry for virtual fd %d", targetVirtfd)
	}
	if targetVirtfd == epollVirtfd {
		return 0, 0, errors.WithMessage(EINVAL, "epoll instance cannot watch itself")
	}

	if target.RealFd != NO_REAL_FD && target.RealFd != EPOLLFD {
		// Real target: the kernel's epoll handles it.
		return inst.realfd, target.RealFd, nil
	}

	switch op {
	case EPOLL_CTL_ADD:
		if _, dup := inst.registered[targetVirtfd]; dup {
			return 0, 0, errors.WithMessagef(EEXIST, "virtual fd %d already registered", targetVirtfd)
		}
		if _, isEpoll := c.epolls[targetVirtfd]; isEpoll {
			if err := c.checkEpollNestingLocked(epollVirtfd, targetVirtfd); err != nil {
				return 0, 0, err
			}
		}
		inst.registered[targetVirtfd] = event
	case EPOLL_CTL_MOD:
		if _, present := inst.registered[targetVirtfd]; !present {
			return 0, 0, errors.WithMessagef(ENOENT, "virtual fd %d not registered", targetVirtfd)
		}
		inst.registered[targetVirtfd] = event
	case EPOLL_CTL_DEL:
		if _, present := inst.registered[targetVirtfd]; !present {
			return 0, 0, errors.WithMessagef(ENOENT, "virtual fd %d not registered", targetVirtfd)
		}
		delete(inst.registered, targetVirtfd)
	default:
		return 0, 0, errors.WithMessagef(EINVAL, "bad epoll_ctl op %d", op)
	}
	return inst.realfd, NO_REAL_FD, nil
}

// checkEpollNestingLocked walks the registration graph as if child were
// already registered inside parent, rejecting the add if the walk gets back
// to parent (a cycle) or any chain of instances would nest deeper than
// maxEpollDepth.  The graph is acyclic and bounded, so a plain DFS is
// enough.  Caller holds c.mu.
func (c *cageTable) checkEpollNestingLocked(parent, child uint64) error {
	var walk func(virtfd uint64, depth int) error
	walk = func(virtfd uint64, depth int) error {
		if virtfd == parent {
			return errors.WithMessagef(ELOOP, "virtual fd %d would watch itself", parent)
		}
		if depth > maxEpollDepth {
			return errors.WithMessagef(ELOOP, "epoll nesting deeper than %d", maxEpollDepth)
		}
		inst, ok := c.epolls[virtfd]
		if !ok {
			return nil
		}
		for registered := range inst.registered {
			if err := walk(registered, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	// above reports the longest chain of instances holding virtfd.
	var above func(virtfd uint64) int
	above = func(virtfd uint64) int {
		longest := 0
		for holder, inst := range c.epolls {
			if _, ok := inst.registered[virtfd]; ok {
				if d := above(holder) + 1; d > longest {
					longest = d
				}
			}
		}
		return longest
	}
	// The top of the longest chain holding parent sits at depth 1, parent
	// below it, and the new child one level below parent.
	return walk(child, above(parent)+2)
}

// GetEpollWaitData snapshots the unreal registrations of an epoll instance.
// The caller unions their ready state with the result of an epoll_wait on
// the returned real epoll fd.
func GetEpollWaitData(cageid, epollVirtfd uint64) (uint64, map[uint64]EpollEvent, error) {
	c := cageFor(cageid)
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.fds[epollVirtfd]; !ok {
		return 0, nil, errors.WithMessagef(EBADF, "no entry for virtual fd %d", epollVirtfd)
	}
	inst, ok := c.epolls[epollVirtfd]
	if !ok {
		return 0, nil, errors.WithMessagef(EINVAL, "virtual fd %d is not an epoll instance", epollVirtfd)
	}
	snapshot := make(map[uint64]EpollEvent, len(inst.registered))
	for virtfd, ev := range inst.registered {
		snapshot[virtfd] = ev
	}
	return inst.realfd, snapshot, nil
}
