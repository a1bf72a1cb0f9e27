package fdtables

import (
	"sync"

	"github.com/pkg/errors"
)

// A cageTable holds one cage's virtual fd namespace.  fds maps virtual fd to
// entry; epolls maps the virtual fds that are epoll instances to their
// registration sets.
type cageTable struct {
	mu     sync.RWMutex
	fds    map[uint64]FDTableEntry
	epolls map[uint64]*epollInstance
}

func newCageTable() *cageTable {
	return &cageTable{
		fds:    make(map[uint64]FDTableEntry),
		epolls: make(map[uint64]*epollInstance),
	}
}

// Process-wide state.  Lock order is cagesMu, then a cage's mu, then refMu.
// Close handlers only ever run with all three released.
var (
	cagesMu sync.RWMutex
	cages   = map[uint64]*cageTable{TESTING_CAGEID: newCageTable()}

	refMu     sync.Mutex
	refCounts = make(map[uint64]uint64)
)

// cageFor resolves a cage id.  Every cage is installed at fork time, so an
// unknown id is an internal error in the caller, not a runtime condition.
func cageFor(cageid uint64) *cageTable {
	cagesMu.RLock()
	c := cages[cageid]
	cagesMu.RUnlock()
	if c == nil {
		panic(errors.Errorf("unknown cage %d in fdtable access", cageid))
	}
	return c
}

// incrementRealFd bumps the cross-cage reference count for realfd.
// NO_REAL_FD is never tracked.  Callers hold the cage lock.
func incrementRealFd(realfd uint64) uint64 {
	if realfd == NO_REAL_FD {
		return 0
	}
	refMu.Lock()
	defer refMu.Unlock()
	refCounts[realfd]++
	return refCounts[realfd]
}

// decrementRealFd drops one reference and reports the count afterwards plus
// the close event the caller must dispatch once every lock is released.
func decrementRealFd(realfd uint64) (uint64, closeEvent) {
	if realfd == NO_REAL_FD {
		panic("decrementRealFd called with NO_REAL_FD")
	}
	refMu.Lock()
	defer refMu.Unlock()
	count, ok := refCounts[realfd]
	if !ok {
		panic(errors.Errorf("no reference count for real fd %d", realfd))
	}
	count--
	if count == 0 {
		delete(refCounts, realfd)
		return 0, closeEvent{kind: closeLast, arg: realfd}
	}
	refCounts[realfd] = count
	return count, closeEvent{kind: closeIntermediate, arg: realfd}
}

// entryCloseEvent computes the close event for a removed entry, decrementing
// the refcount for real entries.  Callers hold the cage lock.
func entryCloseEvent(entry FDTableEntry) closeEvent {
	if entry.RealFd == NO_REAL_FD {
		return closeEvent{kind: closeUnreal, arg: entry.OptionalInfo}
	}
	_, ev := decrementRealFd(entry.RealFd)
	return ev
}

// InitEmptyCage installs an empty fd table for a cage that has none.
// Cage lifetimes are owned by the caller; a duplicate id is a contract
// violation and panics.
func InitEmptyCage(cageid uint64) {
	cagesMu.Lock()
	defer cagesMu.Unlock()
	if _, ok := cages[cageid]; ok {
		panic(errors.Errorf("cage %d already has an fd table", cageid))
	}
	cages[cageid] = newCageTable()
	tracer().Debug().Uint64("cage", cageid).Log("cage fd table created")
}

// CopyFdTableForCage clones srccageid's table into a fresh cage, the fork
// path.  Every real fd gains one reference per entry copied and the epoll
// registration state is carried over as-is.  Panics on an unknown source;
// returns EEXIST if the destination already exists.
func CopyFdTableForCage(srccageid, newcageid uint64) error {
	cagesMu.Lock()
	defer cagesMu.Unlock()
	src, ok := cages[srccageid]
	if !ok {
		panic(errors.Errorf("unknown cage %d in fdtable access", srccageid))
	}
	if _, ok := cages[newcageid]; ok {
		return errors.WithMessagef(EEXIST, "cage %d already has an fd table", newcageid)
	}

	src.mu.RLock()
	defer src.mu.RUnlock()
	dst := newCageTable()
	for virtfd, entry := range src.fds {
		dst.fds[virtfd] = entry
		incrementRealFd(entry.RealFd)
	}
	for virtfd, inst := range src.epolls {
		dst.epolls[virtfd] = inst.clone()
	}
	cages[newcageid] = dst
	tracer().Debug().
		Uint64("src", srccageid).
		Uint64("dst", newcageid).
		Uint64("entries", uint64(len(dst.fds))).
		Log("cage fd table copied")
	return nil
}

// RemoveCageFromFdTable tears a cage down, the exit path.  The cage's whole
// table is returned so the caller can close the real fds it is told to; the
// usual per-entry close dispatch fires for every removed entry.  Panics on
// an unknown cage.
func RemoveCageFromFdTable(cageid uint64) map[uint64]FDTableEntry {
	cagesMu.Lock()
	c, ok := cages[cageid]
	if !ok {
		cagesMu.Unlock()
		panic(errors.Errorf("unknown cage %d in fdtable access", cageid))
	}
	delete(cages, cageid)

	c.mu.Lock()
	removed := c.fds
	c.fds = make(map[uint64]FDTableEntry)
	c.epolls = make(map[uint64]*epollInstance)
	events := make([]closeEvent, 0, len(removed))
	for _, entry := range removed {
		events = append(events, entryCloseEvent(entry))
	}
	c.mu.Unlock()
	cagesMu.Unlock()

	dispatchClose(events)
	tracer().Debug().Uint64("cage", cageid).Log("cage fd table removed")
	return removed
}

// allocateLocked finds the lowest unused virtual fd, inserts the entry, and
// bumps the refcount.  Selection policy is deliberately undocumented to
// callers; only determinism is promised.  Caller holds c.mu.
func (c *cageTable) allocateLocked(entry FDTableEntry) (uint64, bool) {
	for virtfd := uint64(0); virtfd < FD_PER_PROCESS_MAX; virtfd++ {
		if _, used := c.fds[virtfd]; !used {
			c.fds[virtfd] = entry
			incrementRealFd(entry.RealFd)
			return virtfd, true
		}
	}
	return 0, false
}

// GetUnusedVirtualFd binds realfd (or NO_REAL_FD) to some unused virtual fd
// in the cage and returns it.  EMFILE when the cage's fd space is full.
func GetUnusedVirtualFd(cageid, realfd uint64, shouldCloexec bool, optionalinfo uint64) (uint64, error) {
	c := cageFor(cageid)
	c.mu.Lock()
	virtfd, ok := c.allocateLocked(FDTableEntry{
		RealFd:        realfd,
		ShouldCloexec: shouldCloexec,
		OptionalInfo:  optionalinfo,
	})
	c.mu.Unlock()
	if !ok {
		return 0, errors.WithMessagef(EMFILE, "cage %d has no unused virtual fds", cageid)
	}
	tracer().Trace().
		Uint64("cage", cageid).
		Uint64("virtfd", virtfd).
		Uint64("realfd", realfd).
		Log("virtual fd allocated")
	return virtfd, nil
}

// GetSpecificVirtualFd binds realfd to the requested virtual fd, the dup2
// path.  EBADF if the number is outside the cage's fd space, ELIND if the
// slot is occupied.
func GetSpecificVirtualFd(cageid, requestedVirtfd, realfd uint64, shouldCloexec bool, optionalinfo uint64) error {
	c := cageFor(cageid)
	if requestedVirtfd >= FD_PER_PROCESS_MAX {
		return errors.WithMessagef(EBADF, "virtual fd %d out of range", requestedVirtfd)
	}
	c.mu.Lock()
	if _, used := c.fds[requestedVirtfd]; used {
		c.mu.Unlock()
		return errors.WithMessagef(ELIND, "virtual fd %d in use", requestedVirtfd)
	}
	c.fds[requestedVirtfd] = FDTableEntry{
		RealFd:        realfd,
		ShouldCloexec: shouldCloexec,
		OptionalInfo:  optionalinfo,
	}
	incrementRealFd(realfd)
	c.mu.Unlock()
	tracer().Trace().
		Uint64("cage", cageid).
		Uint64("virtfd", requestedVirtfd).
		Uint64("realfd", realfd).
		Log("virtual fd bound")
	return nil
}

// TranslateVirtualFd resolves a virtual fd to the fd beneath it.
func TranslateVirtualFd(cageid, virtfd uint64) (uint64, error) {
	c := cageFor(cageid)
	c.mu.RLock()
	entry, ok := c.fds[virtfd]
	c.mu.RUnlock()
	if !ok {
		return 0, EBADF
	}
	return entry.RealFd, nil
}

// GetOptionalInfo returns the caller-defined tag stored with a virtual fd.
func GetOptionalInfo(cageid, virtfd uint64) (uint64, error) {
	c := cageFor(cageid)
	c.mu.RLock()
	entry, ok := c.fds[virtfd]
	c.mu.RUnlock()
	if !ok {
		return 0, EBADF
	}
	return entry.OptionalInfo, nil
}

// SetOptionalInfo replaces the caller-defined tag stored with a virtual fd.
func SetOptionalInfo(cageid, virtfd, optionalinfo uint64) error {
	c := cageFor(cageid)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.fds[virtfd]
	if !ok {
		return EBADF
	}
	entry.OptionalInfo = optionalinfo
	c.fds[virtfd] = entry
	return nil
}

// SetCloexec sets or clears the close-on-exec flag of a virtual fd.
func SetCloexec(cageid, virtfd uint64, isCloexec bool) error {
	c := cageFor(cageid)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.fds[virtfd]
	if !ok {
		return EBADF
	}
	entry.ShouldCloexec = isCloexec
	c.fds[virtfd] = entry
	return nil
}

// CloseVirtualFd removes a virtual fd and reports (realfd, references
// remaining after this close).  Closing an unreal fd reports
// (NO_REAL_FD, 0) and fires the unreal handler with the entry's
// optionalinfo; otherwise the intermediate or last-reference handler fires
// with the real fd, after the table mutation commits.
func CloseVirtualFd(cageid, virtfd uint64) (uint64, uint64, error) {
	c := cageFor(cageid)
	c.mu.Lock()
	entry, ok := c.fds[virtfd]
	if !ok {
		c.mu.Unlock()
		return 0, 0, errors.WithMessagef(EBADF, "no entry for virtual fd %d", virtfd)
	}
	delete(c.fds, virtfd)
	c.dropEpollStateLocked(virtfd)

	if entry.RealFd == NO_REAL_FD {
		c.mu.Unlock()
		dispatchClose([]closeEvent{{kind: closeUnreal, arg: entry.OptionalInfo}})
		tracer().Trace().
			Uint64("cage", cageid).
			Uint64("virtfd", virtfd).
			Log("unreal fd closed")
		return NO_REAL_FD, 0, nil
	}
	remaining, ev := decrementRealFd(entry.RealFd)
	c.mu.Unlock()
	dispatchClose([]closeEvent{ev})
	tracer().Trace().
		Uint64("cage", cageid).
		Uint64("virtfd", virtfd).
		Uint64("realfd", entry.RealFd).
		Uint64("remaining", remaining).
		Log("virtual fd closed")
	return entry.RealFd, remaining, nil
}

// EmptyFdsForExec atomically strips every close-on-exec entry from the cage
// and returns them, so the caller can close the real fds it owns.  The
// close dispatch for each removed entry is the same as CloseVirtualFd's.
func EmptyFdsForExec(cageid uint64) map[uint64]FDTableEntry {
	c := cageFor(cageid)
	c.mu.Lock()
	removed := make(map[uint64]FDTableEntry)
	var events []closeEvent
	for virtfd, entry := range c.fds {
		if !entry.ShouldCloexec {
			continue
		}
		removed[virtfd] = entry
		delete(c.fds, virtfd)
		c.dropEpollStateLocked(virtfd)
		events = append(events, entryCloseEvent(entry))
	}
	c.mu.Unlock()
	dispatchClose(events)
	tracer().Debug().
		Uint64("cage", cageid).
		Uint64("removed", uint64(len(removed))).
		Log("cloexec fds emptied for exec")
	return removed
}

// ReturnFdTableCopy snapshots a cage's table for callers that need to walk
// it.
func ReturnFdTableCopy(cageid uint64) map[uint64]FDTableEntry {
	c := cageFor(cageid)
	c.mu.RLock()
	defer c.mu.RUnlock()
	snapshot := make(map[uint64]FDTableEntry, len(c.fds))
	for virtfd, entry := range c.fds {
		snapshot[virtfd] = entry
	}
	return snapshot
}

// Refresh resets the cage tables, reference counts and close handlers, and
// reinstalls TESTING_CAGEID.  The trace logger is left as it is.  Test
// scaffolding only.
func Refresh() {
	cagesMu.Lock()
	cages = map[uint64]*cageTable{TESTING_CAGEID: newCageTable()}
	cagesMu.Unlock()

	refMu.Lock()
	refCounts = make(map[uint64]uint64)
	refMu.Unlock()

	handlersMu.Lock()
	handlers = closeHandlers{}
	handlersMu.Unlock()
}
