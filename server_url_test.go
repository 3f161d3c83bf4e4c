package main

import "testing"

func TestAdvertisedURLs(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		address string
		tls     bool
		http    string
		ws      string
	}{
		"default_port_only":    {address: ":8000", http: "http://localhost:8000", ws: "ws://localhost:8000/ws"},
		"explicit_localhost":   {address: "localhost:8000", http: "http://localhost:8000", ws: "ws://localhost:8000/ws"},
		"explicit_ipv4_any":    {address: "0.0.0.0:9000", http: "http://localhost:9000", ws: "ws://localhost:9000/ws"},
		"explicit_ipv4_local":  {address: "127.0.0.1:8000", http: "http://127.0.0.1:8000", ws: "ws://127.0.0.1:8000/ws"},
		"explicit_ipv6_any":    {address: "[::]:8000", http: "http://localhost:8000", ws: "ws://localhost:8000/ws"},
		"explicit_ipv6_custom": {address: "[2001:db8::1]:8000", http: "http://[2001:db8::1]:8000", ws: "ws://[2001:db8::1]:8000/ws"},
		"tls_enabled":          {address: ":8443", tls: true, http: "https://localhost:8443", ws: "wss://localhost:8443/ws"},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			gotHTTP, gotWS := advertisedURLs(tc.address, tc.tls)
			if gotHTTP != tc.http || gotWS != tc.ws {
				t.Fatalf("advertisedURLs(%q, %t) = %q, %q; want %q, %q", tc.address, tc.tls, gotHTTP, gotWS, tc.http, tc.ws)
			}
		})
	}
}

func TestNormaliseHostPortWithoutPort(t *testing.T) {
	t.Parallel()

	if got := normaliseHostPort(""); got != "localhost" {
		t.Fatalf("expected localhost for empty address, got %q", got)
	}
	if got := normaliseHostPort("pong.example"); got != "pong.example" {
		t.Fatalf("expected bare host to pass through, got %q", got)
	}
}
