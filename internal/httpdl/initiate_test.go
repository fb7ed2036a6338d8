package httpdl

import (
	"errors"
	"net"
	"testing"
	"time"

	"downpour/internal/clock"
	"downpour/internal/domain"
	"downpour/internal/engine"
	"downpour/internal/group"
	"downpour/internal/option"
	"downpour/internal/socket"
)

type initiateFixture struct {
	engine *engine.Engine
	group  *group.Group
}

func newInitiateFixture(opts map[string]string) *initiateFixture {
	e := engine.New(nil, clock.Real{}, engine.Config{ExitOnIdle: true, TickInterval: time.Millisecond})
	g := group.New(nil, clock.Real{}, option.NewStore(opts), nil)
	return &initiateFixture{engine: e, group: g}
}

func mustParse(t *testing.T, uri string) *domain.Request {
	t.Helper()
	req, err := domain.ParseRequest(uri)
	if err != nil {
		t.Fatalf("ParseRequest(%q): %v", uri, err)
	}
	return req
}

func pooledSocket(t *testing.T) *socket.Socket {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return socket.Wrap(a)
}

// ---------------------------------------------------------------------------
// CreateNextCommand: direct connections
// ---------------------------------------------------------------------------

func TestCreateNextCommandDirectPoolMiss(t *testing.T) {
	f := newInitiateFixture(nil)
	req := mustParse(t, "http://mirror.example/file.bin")
	cmd := NewInitiateConnectionCommand(f.engine.NewCUID(), f.group, f.engine, req, nil, StaticResolver{})

	next, err := cmd.CreateNextCommand([]string{"203.0.113.7"}, nil)
	if err != nil {
		t.Fatalf("CreateNextCommand: %v", err)
	}
	httpCmd, ok := next.(*HTTPRequestCommand)
	if !ok {
		t.Fatalf("next command is %T, want *HTTPRequestCommand", next)
	}
	if httpCmd.proxy != nil {
		t.Fatal("direct command carries a proxy request")
	}
	if httpCmd.fromPool {
		t.Fatal("pool-miss command marked as pooled")
	}
}

func TestCreateNextCommandDirectPoolHit(t *testing.T) {
	f := newInitiateFixture(nil)
	req := mustParse(t, "http://mirror.example/file.bin")
	s := pooledSocket(t)
	f.engine.PushPooledSocket(s, "203.0.113.7", 80)

	cmd := NewInitiateConnectionCommand(f.engine.NewCUID(), f.group, f.engine, req, nil, StaticResolver{})
	next, err := cmd.CreateNextCommand([]string{"203.0.113.5", "203.0.113.7"}, nil)
	if err != nil {
		t.Fatalf("CreateNextCommand: %v", err)
	}
	httpCmd := next.(*HTTPRequestCommand)
	if httpCmd.sock != s {
		t.Fatal("pool hit did not reuse the idle socket")
	}
	if !httpCmd.fromPool {
		t.Fatal("pooled socket not marked for stale-retry handling")
	}
	// A later donation must go back under the key the hit matched.
	if httpCmd.peerAddr != "203.0.113.7" {
		t.Fatalf("peerAddr = %q, want the matched pool key", httpCmd.peerAddr)
	}
}

func TestCreateNextCommandEmptyAddrs(t *testing.T) {
	f := newInitiateFixture(nil)
	req := mustParse(t, "http://mirror.example/file.bin")
	cmd := NewInitiateConnectionCommand(f.engine.NewCUID(), f.group, f.engine, req, nil, StaticResolver{})

	_, err := cmd.CreateNextCommand(nil, nil)
	if err == nil {
		t.Fatal("CreateNextCommand accepted an empty address list")
	}
}

// ---------------------------------------------------------------------------
// CreateNextCommand: proxied connections
// ---------------------------------------------------------------------------

func TestCreateNextCommandProxyTunnel(t *testing.T) {
	f := newInitiateFixture(map[string]string{option.KeyProxyMethod: "tunnel"})
	req := mustParse(t, "https://secure.example/file.bin")
	proxy := mustParse(t, "http://proxy.example:3128/")

	cmd := NewInitiateConnectionCommand(f.engine.NewCUID(), f.group, f.engine, req, proxy, StaticResolver{})
	next, err := cmd.CreateNextCommand([]string{"198.51.100.2"}, proxy)
	if err != nil {
		t.Fatalf("CreateNextCommand: %v", err)
	}
	if _, ok := next.(*HTTPProxyRequestCommand); !ok {
		t.Fatalf("next command is %T, want *HTTPProxyRequestCommand", next)
	}
}

func TestCreateNextCommandProxyGet(t *testing.T) {
	f := newInitiateFixture(map[string]string{option.KeyProxyMethod: "get"})
	req := mustParse(t, "http://mirror.example/file.bin")
	proxy := mustParse(t, "http://proxy.example:3128/")

	cmd := NewInitiateConnectionCommand(f.engine.NewCUID(), f.group, f.engine, req, proxy, StaticResolver{})
	next, err := cmd.CreateNextCommand([]string{"198.51.100.2"}, proxy)
	if err != nil {
		t.Fatalf("CreateNextCommand: %v", err)
	}
	httpCmd, ok := next.(*HTTPRequestCommand)
	if !ok {
		t.Fatalf("next command is %T, want *HTTPRequestCommand", next)
	}
	if httpCmd.proxy == nil {
		t.Fatal("GET-proxy command lost its proxy request")
	}
	// Transparent forwarding sends the absolute-form URI.
	if got := httpCmd.requestTarget(); got != "http://mirror.example/file.bin" {
		t.Fatalf("requestTarget() = %q, want absolute form", got)
	}
}

func TestCreateNextCommandProxyPoolHitKeyedOnOrigin(t *testing.T) {
	f := newInitiateFixture(map[string]string{option.KeyProxyMethod: "tunnel"})
	req := mustParse(t, "https://secure.example/file.bin")
	proxy := mustParse(t, "http://proxy.example:3128/")

	// The idle tunnel is keyed by the origin endpoint, not the proxy.
	s := pooledSocket(t)
	f.engine.PushPooledTunnelSocket(s, "secure.example", 443)

	cmd := NewInitiateConnectionCommand(f.engine.NewCUID(), f.group, f.engine, req, proxy, StaticResolver{})
	next, err := cmd.CreateNextCommand([]string{"198.51.100.2"}, proxy)
	if err != nil {
		t.Fatalf("CreateNextCommand: %v", err)
	}
	httpCmd, ok := next.(*HTTPRequestCommand)
	if !ok {
		t.Fatalf("pool hit built %T, want *HTTPRequestCommand", next)
	}
	if httpCmd.sock != s {
		t.Fatal("pool hit did not reuse the tunneled socket")
	}
	if !httpCmd.viaTunnel {
		t.Fatal("reused tunnel not marked as tunneled")
	}
}

func TestCreateNextCommandUnknownProtocolWithProxy(t *testing.T) {
	f := newInitiateFixture(map[string]string{option.KeyProxyMethod: "tunnel"})
	req := &domain.Request{URI: "gopher://old.example/1", Protocol: "gopher", Host: "old.example", Port: 70, Path: "/1"}
	proxy := mustParse(t, "http://proxy.example:3128/")

	cmd := NewInitiateConnectionCommand(f.engine.NewCUID(), f.group, f.engine, req, proxy, StaticResolver{})
	_, err := cmd.CreateNextCommand([]string{"198.51.100.2"}, proxy)
	var ab *domain.AbortError
	if !errors.As(err, &ab) || ab.Kind != domain.ResultProtocolError {
		t.Fatalf("err = %v, want protocolError abort", err)
	}
}

// ---------------------------------------------------------------------------
// Initiate command phases
// ---------------------------------------------------------------------------

func TestInitiateResolvesAndRegistersServerHost(t *testing.T) {
	f := newInitiateFixture(nil)
	req := mustParse(t, "http://mirror.example/file.bin")
	resolver := StaticResolver{"mirror.example": {"203.0.113.7"}}

	cmd := NewInitiateConnectionCommand(f.engine.NewCUID(), f.group, f.engine, req, nil, resolver)

	// Tick 1: lookup starts.
	done, err := cmd.Execute()
	if done || err != nil {
		t.Fatalf("Execute 1 = (%v, %v), want in-flight", done, err)
	}
	// Tick 2: resolved, follow-on created, terminal.
	done, err = cmd.Execute()
	if err != nil {
		t.Fatalf("Execute 2: %v", err)
	}
	if !done {
		t.Fatal("initiate command not terminal after resolution")
	}

	sv, ok := f.group.SearchServerHost(cmd.CUID())
	if !ok || sv.Hostname != "mirror.example" {
		t.Fatalf("server host = (%v, %v), want mirror.example under the command cuid", sv, ok)
	}
}

func TestInitiateDNSFailure(t *testing.T) {
	f := newInitiateFixture(nil)
	req := mustParse(t, "http://mirror.example/file.bin")
	cmd := NewInitiateConnectionCommand(f.engine.NewCUID(), f.group, f.engine, req, nil, StaticResolver{})

	if done, err := cmd.Execute(); done || err != nil {
		t.Fatalf("Execute 1 = (%v, %v), want in-flight", done, err)
	}
	_, err := cmd.Execute()
	var ab *domain.AbortError
	if !errors.As(err, &ab) || ab.Kind != domain.ResultDNSFailure {
		t.Fatalf("err = %v, want dnsFailure abort", err)
	}
}
