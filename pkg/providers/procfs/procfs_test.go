package procfs

import (
	"os"
	"runtime"
	"strings"
	"testing"
)

func TestSampleSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("procfs is linux only")
	}
	st, err := Sample(os.Getpid())
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if st.RSSBytes == 0 || st.Threads < 1 || !strings.Contains(st.Cmdline, ".test") {
		t.Errorf("stats: got %+v", st)
	}
}

func TestSampleInvalid(t *testing.T) {
	if _, err := Sample(0); err == nil {
		t.Error("expected error for pid 0")
	}
}

func TestCommandLineSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("procfs is linux only")
	}
	cmd, err := CommandLine(os.Getpid())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(cmd, ".test") {
		t.Errorf("cmdline: got %q", cmd)
	}
	if _, err := CommandLine(-1); err == nil {
		t.Error("expected error for pid -1")
	}
}
