package cache

import (
	"os"
	"testing"
)

func testRedisAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("RETAILPOS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set RETAILPOS_TEST_REDIS_ADDR to run redis integration test")
	}
	return addr
}
