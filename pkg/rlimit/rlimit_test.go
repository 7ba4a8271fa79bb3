//go:build linux

package rlimit

import (
	"syscall"
	"testing"
)

func TestRLimitString(t *testing.T) {
	tests := []struct {
		name string
		rl   RLimit
		want string
	}{
		{
			name: "CPU",
			rl:   RLimit{Res: syscall.RLIMIT_CPU, Rlim: syscall.Rlimit{Cur: 1, Max: 2}},
			want: "CPU[cur:1,max:2]",
		},
		{
			name: "NOFILE",
			rl:   RLimit{Res: syscall.RLIMIT_NOFILE, Rlim: syscall.Rlimit{Cur: 10, Max: 20}},
			want: "NOFILE[cur:10,max:20]",
		},
		{
			name: "unknown resource index",
			rl:   RLimit{Res: 99, Rlim: syscall.Rlimit{Cur: 1, Max: 1}},
			want: "res(99)[cur:1,max:1]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.rl.String()
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
