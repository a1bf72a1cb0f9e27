// Package fdtables maintains per-cage virtual file descriptor tables for a
// sandboxed runtime that wants to separate its processes from the host
// kernel's fd namespace.
//
// A cage is an isolation domain with its own flat fd numbering.  Each virtual
// fd in a cage either maps to a real fd (an opaque host kernel fd the caller
// operates on) or is "unreal" (realfd == NO_REAL_FD), backed entirely by
// caller state such as an in-memory pipe.  The library tracks how many
// virtual fds reference each real fd across every cage, so the caller learns
// exactly when the last reference goes away and the kernel fd can be closed.
//
// The library never touches the host kernel itself.  Callers translate fds
// before each kernel call, forward the real operation, and feed results back
// through the select/poll/epoll helpers.
package fdtables
