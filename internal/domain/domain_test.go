package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name     string
		uri      string
		wantHost string
		wantPort int
		wantPath string
		wantErr  bool
	}{
		{"httpDefaultPort", "http://mirror.example/file.bin", "mirror.example", 80, "/file.bin", false},
		{"httpsDefaultPort", "https://secure.example/a/b", "secure.example", 443, "/a/b", false},
		{"ftpDefaultPort", "ftp://archive.example/pub/file", "archive.example", 21, "/pub/file", false},
		{"explicitPort", "http://mirror.example:8080/file", "mirror.example", 8080, "/file", false},
		{"queryPreserved", "http://mirror.example/dl?token=x", "mirror.example", 80, "/dl?token=x", false},
		{"emptyPath", "http://mirror.example", "mirror.example", 80, "/", false},
		{"noScheme", "mirror.example/file", "", 0, "", true},
		{"unknownScheme", "gopher://old.example/1", "", 0, "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := ParseRequest(tc.uri)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseRequest(%q) succeeded, want error", tc.uri)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRequest(%q): %v", tc.uri, err)
			}
			if req.Host != tc.wantHost || req.Port != tc.wantPort || req.Path != tc.wantPath {
				t.Fatalf("ParseRequest(%q) = {%s %d %s}, want {%s %d %s}",
					tc.uri, req.Host, req.Port, req.Path, tc.wantHost, tc.wantPort, tc.wantPath)
			}
		})
	}
}

func TestResolveProxyMethod(t *testing.T) {
	tests := []struct {
		name       string
		protocol   string
		configured ProxyMethod
		want       ProxyMethod
		wantErr    bool
	}{
		{"httpsAlwaysTunnels", "https", ProxyGet, ProxyTunnel, false},
		{"httpsDefault", "https", "", ProxyTunnel, false},
		{"httpDefaultGet", "http", "", ProxyGet, false},
		{"httpConfiguredTunnel", "http", ProxyTunnel, ProxyTunnel, false},
		{"ftpGet", "ftp", ProxyGet, ProxyGet, false},
		{"unknownProtocol", "gopher", ProxyGet, "", true},
		{"unknownMethod", "http", ProxyMethod("socks"), "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ResolveProxyMethod(tc.protocol, tc.configured)
			if tc.wantErr {
				var ab *AbortError
				if !errors.As(err, &ab) || ab.Kind != ResultProtocolError {
					t.Fatalf("err = %v, want protocolError abort", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveProxyMethod: %v", err)
			}
			if got != tc.want {
				t.Fatalf("ResolveProxyMethod(%s, %s) = %s, want %s", tc.protocol, tc.configured, got, tc.want)
			}
		})
	}
}

func TestAbortKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ResultKind
	}{
		{"typed", NewAbort(ResultTimeout, "deadline"), ResultTimeout},
		{"wrapped", fmt.Errorf("tick: %w", NewAbort(ResultDNSFailure, "no addrs")), ResultDNSFailure},
		{"plain", errors.New("boom"), ResultUnknownError},
		{"emptyKind", &AbortError{Message: "no kind"}, ResultUnknownError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := AbortKind(tc.err); got != tc.want {
				t.Fatalf("AbortKind() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAbortRecorded(t *testing.T) {
	if AbortRecorded(NewAbort(ResultTimeout, "x")) {
		t.Fatal("fresh abort reported as recorded")
	}
	if !AbortRecorded(&AbortError{Kind: ResultTimeout, Recorded: true}) {
		t.Fatal("recorded abort not detected")
	}
	if AbortRecorded(errors.New("plain")) {
		t.Fatal("plain error reported as recorded")
	}
}

func TestPeerAddr(t *testing.T) {
	p := Peer{IPAddr: "192.0.2.1", Port: 6881}
	if got := p.Addr(); got != "192.0.2.1:6881" {
		t.Fatalf("Addr() = %q, want 192.0.2.1:6881", got)
	}
	if p.InUse() {
		t.Fatal("fresh peer reported in use")
	}
	p.UsedBy = 9
	if !p.InUse() {
		t.Fatal("leased peer not reported in use")
	}
}
