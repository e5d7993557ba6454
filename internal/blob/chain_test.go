package blob

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type flakyGetter struct {
	calls    atomic.Int32
	failures int32
	data     []byte
}

func (f *flakyGetter) Get(ctx context.Context, ref string) ([]byte, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return nil, errors.New("temporary failure")
	}
	return f.data, nil
}

type slowGetter struct{}

func (slowGetter) Get(ctx context.Context, ref string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestChainFallsThroughToSecondTransport(t *testing.T) {
	primary := NewMemory()
	secondary := NewMemory()
	ref := secondary.Put([]byte("hello"))

	chain := NewChain(Policy{Timeout: time.Second}, zerolog.Nop(),
		Transport{Name: "primary", Getter: primary},
		Transport{Name: "secondary", Getter: secondary},
	)

	data, err := chain.Get(context.Background(), ref)
	if err != nil {
		t.Fatalf("应从第二个 transport 读取成功: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("内容不正确: %q", data)
	}
}

func TestChainNotFoundOnlyWhenAllMissing(t *testing.T) {
	chain := NewChain(Policy{Timeout: time.Second}, zerolog.Nop(),
		Transport{Name: "a", Getter: NewMemory()},
		Transport{Name: "b", Getter: NewMemory()},
	)
	if _, err := chain.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("全部缺失时应返回 ErrNotFound, 实际 %v", err)
	}

	chain = NewChain(Policy{Timeout: time.Second}, zerolog.Nop(),
		Transport{Name: "a", Getter: NewMemory()},
		Transport{Name: "b", Getter: &flakyGetter{failures: 100}},
	)
	_, err := chain.Get(context.Background(), "missing")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("存在非 NotFound 错误时不应返回 ErrNotFound, 实际 %v", err)
	}
}

func TestChainRetriesTransientFailures(t *testing.T) {
	flaky := &flakyGetter{failures: 2, data: []byte("ok")}
	chain := NewChain(Policy{Timeout: time.Second, Retries: 2}, zerolog.Nop(),
		Transport{Name: "flaky", Getter: flaky},
	)

	data, err := chain.Get(context.Background(), "ref")
	if err != nil {
		t.Fatalf("重试后应成功: %v", err)
	}
	if string(data) != "ok" || flaky.calls.Load() != 3 {
		t.Fatalf("期望 3 次调用, 实际 %d", flaky.calls.Load())
	}
}

func TestChainAttemptTimeout(t *testing.T) {
	chain := NewChain(Policy{Timeout: 20 * time.Millisecond}, zerolog.Nop(),
		Transport{Name: "slow", Getter: slowGetter{}},
	)

	start := time.Now()
	if _, err := chain.Get(context.Background(), "ref"); err == nil {
		t.Fatal("超时应返回错误")
	}
	if time.Since(start) > time.Second {
		t.Fatal("单次尝试应受超时限制")
	}
}

func TestChainWithoutTransports(t *testing.T) {
	chain := NewChain(Policy{}, zerolog.Nop())
	if _, err := chain.Get(context.Background(), "ref"); err == nil {
		t.Fatal("未配置 transport 应报错")
	}
}

func TestGatewayGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/blobs/abc":
			_, _ = w.Write([]byte(`{"x":1}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	gw := NewGateway(GatewayOptions{BaseURL: srv.URL + "/", Timeout: time.Second})

	data, err := gw.Get(context.Background(), "abc")
	if err != nil {
		t.Fatalf("读取应成功: %v", err)
	}
	if string(data) != `{"x":1}` {
		t.Fatalf("内容不正确: %s", data)
	}

	if _, err := gw.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("404 应映射为 ErrNotFound, 实际 %v", err)
	}
}

func TestGatewayServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	gw := NewGateway(GatewayOptions{BaseURL: srv.URL, Timeout: time.Second})
	_, err := gw.Get(context.Background(), "abc")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("502 应返回普通错误, 实际 %v", err)
	}
}

func TestMemoryContentRef(t *testing.T) {
	m := NewMemory()
	a := m.Put([]byte("same"))
	b := m.Put([]byte("same"))
	if a != b {
		t.Fatal("相同内容应得到相同 ref")
	}
	if a != ContentRef([]byte("same")) {
		t.Fatal("ref 应为内容哈希")
	}
}
