package util

import (
	"net/http/httptest"
	"testing"
)

func TestClientIPBehindIngress(t *testing.T) {
	// ingress pods live in 10/8, the sidecar proxy is pinned by address
	trusted, err := NewTrustedProxies([]string{" 10.0.0.0/8 ", "", "192.168.1.10"})
	if err != nil {
		t.Fatalf("new trusted proxies: %v", err)
	}

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xrip       string
		trusted    *TrustedProxies
		want       string
	}{
		{
			name:       "direct parent spoofing forwarded headers",
			remoteAddr: "198.51.100.10:51000",
			xff:        "203.0.113.5",
			xrip:       "203.0.113.6",
			trusted:    trusted,
			want:       "198.51.100.10",
		},
		{
			name:       "unconfigured proxies trust nobody",
			remoteAddr: "10.0.0.20:51000",
			xff:        "203.0.113.5",
			want:       "10.0.0.20",
		},
		{
			name:       "client-supplied hop left of the real client is ignored",
			remoteAddr: "10.0.0.20:51000",
			xff:        "1.2.3.4, 203.0.113.5, 10.0.0.11",
			trusted:    trusted,
			want:       "203.0.113.5",
		},
		{
			name:       "ipv4-mapped ingress address is trusted",
			remoteAddr: "[::ffff:10.0.0.20]:51000",
			xff:        "203.0.113.8",
			trusted:    trusted,
			want:       "203.0.113.8",
		},
		{
			name:       "pinned sidecar falls back to x-real-ip",
			remoteAddr: "192.168.1.10:51000",
			xff:        "not-an-ip",
			xrip:       "::ffff:203.0.113.9",
			trusted:    trusted,
			want:       "203.0.113.9",
		},
		{
			name:       "sidecar neighbour outside the pin is not trusted",
			remoteAddr: "192.168.1.11:51000",
			xff:        "203.0.113.5",
			trusted:    trusted,
			want:       "192.168.1.11",
		},
		{
			name:       "unparseable remote addr is returned as-is",
			remoteAddr: "pipe",
			trusted:    trusted,
			want:       "pipe",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "http://school.local/auth/login", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.xrip != "" {
				req.Header.Set("X-Real-IP", tc.xrip)
			}
			if got := ClientIP(req, tc.trusted); got != tc.want {
				t.Fatalf("client ip = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestClientIPRotatingForwardedForKeepsOneKey(t *testing.T) {
	trusted, _ := NewTrustedProxies([]string{"10.0.0.0/8"})
	seen := map[string]bool{}
	for _, xff := range []string{"203.0.113.1", "203.0.113.2", "203.0.113.3"} {
		req := httptest.NewRequest("POST", "http://school.local/auth/login", nil)
		req.RemoteAddr = "198.51.100.77:40000"
		req.Header.Set("X-Forwarded-For", xff)
		seen["login:"+ClientIP(req, trusted)] = true
	}
	if len(seen) != 1 || !seen["login:198.51.100.77"] {
		t.Fatalf("rotating X-Forwarded-For should not mint new rate limit keys: %v", seen)
	}
}

func TestNewTrustedProxies(t *testing.T) {
	got, err := NewTrustedProxies([]string{"", "  "})
	if err != nil || got != nil {
		t.Fatalf("blank entries should yield nil, got %v err=%v", got, err)
	}
	if _, err := NewTrustedProxies([]string{"10.0.0.0/8", "::ffff:192.168.1.1"}); err != nil {
		t.Fatalf("expected valid entries, got err: %v", err)
	}
	for _, bad := range []string{"bad-cidr", "10.0.0.0/33"} {
		if _, err := NewTrustedProxies([]string{bad}); err == nil {
			t.Fatalf("expected parse error for %q", bad)
		}
	}
}
