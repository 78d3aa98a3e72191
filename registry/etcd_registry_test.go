package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

// Set PACKET_RPC_ETCD_ENDPOINTS (comma separated) to run against a live etcd.
func etcdEndpoints(t *testing.T) []string {
	t.Helper()
	raw := os.Getenv("PACKET_RPC_ETCD_ENDPOINTS")
	if raw == "" {
		t.Skip("PACKET_RPC_ETCD_ENDPOINTS not set")
	}
	return strings.Split(raw, ",")
}

func TestRegisterAndDiscover(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0"}

	if err := reg.Register(ctx, "packets-test", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, "packets-test", inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover(ctx, "packets-test")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	if err := reg.Deregister(ctx, "packets-test", inst1.Addr); err != nil {
		t.Fatal(err)
	}

	instances, err = reg.Discover(ctx, "packets-test")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 || instances[0].Addr != inst2.Addr {
		t.Fatalf("after deregister got %+v", instances)
	}

	reg.Deregister(ctx, "packets-test", inst2.Addr)
}
