package fdtables

import (
	"testing"
)

func TestConvertVirtualFdsToReal(t *testing.T) {
	Refresh()
	if err := GetSpecificVirtualFd(TESTING_CAGEID, 3, 7, false, 10); err != nil {
		t.Fatal(err)
	}
	if err := GetSpecificVirtualFd(TESTING_CAGEID, 5, NO_REAL_FD, false, 123); err != nil {
		t.Fatal(err)
	}

	realfds, unreal, invalid, mapping := ConvertVirtualFdsToReal(TESTING_CAGEID, []uint64{1, 3, 5})
	want := []uint64{INVALID_FD, 7, NO_REAL_FD}
	if len(realfds) != len(want) {
		t.Fatalf("real vector %v, want %v", realfds, want)
	}
	for i := range want {
		if realfds[i] != want[i] {
			t.Fatalf("real vector %v, want %v", realfds, want)
		}
	}
	if len(unreal) != 1 || unreal[0] != (UnrealFd{VirtFd: 5, OptionalInfo: 123}) {
		t.Fatalf("unreal vector %v, want [(5, 123)]", unreal)
	}
	if len(invalid) != 1 || invalid[0] != 1 {
		t.Fatalf("invalid vector %v, want [1]", invalid)
	}

	virtfds := ConvertRealFdsBackToVirtual([]uint64{7}, mapping)
	if len(virtfds) != 1 || virtfds[0] != 3 {
		t.Fatalf("reverse translation %v, want [3]", virtfds)
	}
}

func TestPollRoundTrip(t *testing.T) {
	Refresh()
	// A mixed vector: real, unreal, real, absent.
	if err := GetSpecificVirtualFd(TESTING_CAGEID, 0, 30, false, 0); err != nil {
		t.Fatal(err)
	}
	if err := GetSpecificVirtualFd(TESTING_CAGEID, 1, NO_REAL_FD, false, 9); err != nil {
		t.Fatal(err)
	}
	if err := GetSpecificVirtualFd(TESTING_CAGEID, 2, 31, false, 0); err != nil {
		t.Fatal(err)
	}

	input := []uint64{0, 1, 2, 6}
	realfds, _, _, mapping := ConvertVirtualFdsToReal(TESTING_CAGEID, input)

	// Keep only the real positions, as a caller would after poll returns.
	var kernelResult []uint64
	var wantBack []uint64
	for i, realfd := range realfds {
		if realfd != NO_REAL_FD && realfd != INVALID_FD {
			kernelResult = append(kernelResult, realfd)
			wantBack = append(wantBack, input[i])
		}
	}
	back := ConvertRealFdsBackToVirtual(kernelResult, mapping)
	if len(back) != len(wantBack) {
		t.Fatalf("round trip %v, want %v", back, wantBack)
	}
	for i := range wantBack {
		if back[i] != wantBack[i] {
			t.Fatalf("round trip %v, want %v", back, wantBack)
		}
	}
}

func TestConvertRealFdsBackPanics(t *testing.T) {
	Refresh()
	defer func() {
		if recover() == nil {
			t.Fatal("unknown real fd did not panic")
		}
	}()
	ConvertRealFdsBackToVirtual([]uint64{99}, map[uint64]uint64{})
}

func TestPollAliasedRealFd(t *testing.T) {
	Refresh()
	// Two virtual fds over one real fd: the mapping keeps a single virtual
	// fd and reports it consistently.
	if err := GetSpecificVirtualFd(TESTING_CAGEID, 4, 7, false, 0); err != nil {
		t.Fatal(err)
	}
	if err := GetSpecificVirtualFd(TESTING_CAGEID, 8, 7, false, 0); err != nil {
		t.Fatal(err)
	}
	_, _, _, mapping := ConvertVirtualFdsToReal(TESTING_CAGEID, []uint64{4, 8})
	virtfd := mapping[7]
	if virtfd != 4 && virtfd != 8 {
		t.Fatalf("mapping holds %d, want 4 or 8", virtfd)
	}
	back := ConvertRealFdsBackToVirtual([]uint64{7, 7}, mapping)
	if back[0] != virtfd || back[1] != virtfd {
		t.Fatalf("aliased reverse translation %v not stable", back)
	}
}
