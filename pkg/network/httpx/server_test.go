package httpx

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/convergence/peerlink/pkg/logger"
)

func TestServerRun(t *testing.T) {
	s, err := NewServer("127.0.0.1:0", func(*Server) Handler {
		return NewServeMux("/api").HandleFunc("/ping", func(w ResponseWriter, _ *Request) {
			_, _ = w.Write([]byte("pong"))
		})
	}, WithLogger(logger.Nop()))
	if err != nil {
		t.Fatal(err)
	}
	s.Run()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	}()

	if s.GetHost() != "127.0.0.1" {
		t.Errorf("unexpected host %v", s.GetHost())
	}
	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(s.GetPort()) + "/api/ping")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "pong" {
		t.Errorf("expected pong, got %s", body)
	}
}
