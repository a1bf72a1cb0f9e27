package fdtables

import (
	"testing"
)

func BenchmarkTranslateVirtualFd(b *testing.B) {
	Refresh()
	fd1, _ := GetUnusedVirtualFd(TESTING_CAGEID, 10, true, 100)
	fd2, _ := GetUnusedVirtualFd(TESTING_CAGEID, 20, true, 1)
	fd3, _ := GetUnusedVirtualFd(TESTING_CAGEID, 30, true, 10)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		TranslateVirtualFd(TESTING_CAGEID, fd1)
		TranslateVirtualFd(TESTING_CAGEID, fd2)
		TranslateVirtualFd(TESTING_CAGEID, fd3)
	}
}

func BenchmarkTranslateVirtualFdParallel(b *testing.B) {
	Refresh()
	fd, _ := GetUnusedVirtualFd(TESTING_CAGEID, 10, true, 100)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			TranslateVirtualFd(TESTING_CAGEID, fd)
		}
	})
}

func BenchmarkGetUnusedVirtualFd(b *testing.B) {
	Refresh()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := GetUnusedVirtualFd(TESTING_CAGEID, 30, true, 10); err != nil {
			// Table full: drain outside the measurement and keep going.
			b.StopTimer()
			Refresh()
			b.StartTimer()
		}
	}
}

func BenchmarkGetOptionalInfo(b *testing.B) {
	Refresh()
	fd, _ := GetUnusedVirtualFd(TESTING_CAGEID, 30, true, 10)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		GetOptionalInfo(TESTING_CAGEID, fd)
	}
}

func BenchmarkSetOptionalInfo(b *testing.B) {
	Refresh()
	fd, _ := GetUnusedVirtualFd(TESTING_CAGEID, 30, true, 10)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		SetOptionalInfo(TESTING_CAGEID, fd, 100)
		SetOptionalInfo(TESTING_CAGEID, fd, 200)
	}
}

func BenchmarkAllocateAndClose(b *testing.B) {
	Refresh()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fd, _ := GetUnusedVirtualFd(TESTING_CAGEID, 30, true, 10)
		CloseVirtualFd(TESTING_CAGEID, fd)
	}
}

func BenchmarkForkExit(b *testing.B) {
	Refresh()
	for i := uint64(0); i < 16; i++ {
		GetUnusedVirtualFd(TESTING_CAGEID, i+100, false, 0)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cageid := uint64(2)
		if err := CopyFdTableForCage(TESTING_CAGEID, cageid); err != nil {
			b.Fatal(err)
		}
		RemoveCageFromFdTable(cageid)
	}
}
