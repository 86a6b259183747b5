package lock

import (
	"strings"
	"testing"
	"time"
)

func TestNewEtcdManagerValidation(t *testing.T) {
	cases := []struct {
		name string
		opts EtcdManagerOptions
		want string
	}{
		{
			name: "missing endpoints",
			opts: EtcdManagerOptions{LockKey: "/fleetbench/lock", TTL: time.Minute, RunID: "run-1"},
			want: "at least one endpoint",
		},
		{
			name: "missing lock key",
			opts: EtcdManagerOptions{Endpoints: []string{"127.0.0.1:2379"}, TTL: time.Minute, RunID: "run-1"},
			want: "lock key",
		},
		{
			name: "missing ttl",
			opts: EtcdManagerOptions{Endpoints: []string{"127.0.0.1:2379"}, LockKey: "/fleetbench/lock", RunID: "run-1"},
			want: "positive TTL",
		},
		{
			name: "missing run id",
			opts: EtcdManagerOptions{Endpoints: []string{"127.0.0.1:2379"}, LockKey: "/fleetbench/lock", TTL: time.Minute},
			want: "run id",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewEtcdManager(tc.opts)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestApplyNamespace(t *testing.T) {
	cases := []struct {
		namespace string
		key       string
		want      string
	}{
		{"", "/fleetbench/lock", "/fleetbench/lock"},
		{"", "fleetbench/lock", "/fleetbench/lock"},
		{"env/lab", "lock", "/env/lab/lock"},
		{"/env/lab/", "/lock", "/env/lab/lock"},
	}
	for _, tc := range cases {
		if got := applyNamespace(tc.namespace, tc.key); got != tc.want {
			t.Errorf("applyNamespace(%q, %q) = %q, want %q", tc.namespace, tc.key, got, tc.want)
		}
	}
}
