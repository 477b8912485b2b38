package journald

import (
	"slices"
	"testing"
)

func TestArgs(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{
			"system",
			Options{Unit: "rtlstreamd.service"},
			[]string{"-u", "rtlstreamd.service", "-o", "cat"},
		},
		{
			"user follow",
			Options{Unit: "rtlstreamd.service", User: true, Lines: 50, Follow: true},
			[]string{"--user", "-u", "rtlstreamd.service", "-o", "cat", "-n", "50", "-f"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Args(tt.opts); !slices.Equal(got, tt.want) {
				t.Errorf("Args() = %v, want %v", got, tt.want)
			}
		})
	}
}
