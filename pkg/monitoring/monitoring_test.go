package monitoring

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/convergence/peerlink/pkg/config"
	"github.com/convergence/peerlink/pkg/logger"
)

func TestMetrics(t *testing.T) {
	m, err := New(config.Monitoring{MetricEnabled: true, URLPrefix: "/c"}, "127.0.0.1", logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	m.Run()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	}()

	rs, err := http.Get("http://" + m.server.Addr + "/c/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = rs.Body.Close() }()
	body, _ := io.ReadAll(rs.Body)
	if rs.StatusCode != http.StatusOK || !strings.Contains(string(body), "go_goroutines") {
		t.Errorf("unexpected metrics %v: %.100s", rs.StatusCode, body)
	}

	rs2, err := http.Get("http://" + m.server.Addr + "/c/debug/pprof/")
	if err != nil {
		t.Fatal(err)
	}
	_ = rs2.Body.Close()
	if rs2.StatusCode != http.StatusNotFound {
		t.Errorf("profiling is off, got %v", rs2.StatusCode)
	}
}
