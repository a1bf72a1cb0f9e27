package fdtables

import (
	"strings"
	"sync"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

func TestTraceLogger(t *testing.T) {
	Refresh()
	var mu sync.Mutex
	var lines []string
	writer := logiface.WriterFunc[*stumpy.Event](func(e *stumpy.Event) error {
		mu.Lock()
		lines = append(lines, string(e.Bytes()))
		mu.Unlock()
		return nil
	})
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithTimeField(``)),
		stumpy.L.WithWriter(writer),
		stumpy.L.WithLevel(logiface.LevelTrace),
	)
	SetTraceLogger(logger.Logger())
	defer SetTraceLogger(nil)

	virtfd, err := GetUnusedVirtualFd(TESTING_CAGEID, 10, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := CloseVirtualFd(TESTING_CAGEID, virtfd); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	var sawAlloc, sawClose bool
	for _, line := range lines {
		if strings.Contains(line, "virtual fd allocated") {
			sawAlloc = true
		}
		if strings.Contains(line, "virtual fd closed") {
			sawClose = true
		}
	}
	if !sawAlloc || !sawClose {
		t.Fatalf("trace output missing events: %v", lines)
	}
}

func TestTraceLoggerDisabled(t *testing.T) {
	Refresh()
	SetTraceLogger(nil)
	// Every traced path must tolerate the nil logger.
	virtfd, err := GetUnusedVirtualFd(TESTING_CAGEID, 10, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := CloseVirtualFd(TESTING_CAGEID, virtfd); err != nil {
		t.Fatal(err)
	}
	InitEmptyCage(2)
	if err := CopyFdTableForCage(2, 3); err != nil {
		t.Fatal(err)
	}
	RemoveCageFromFdTable(3)
	EmptyFdsForExec(2)
}
