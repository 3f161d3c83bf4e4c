package main

import (
	"net"
	"net/url"
	"strings"
)

// advertisedURLs returns the HTTP base and the websocket base clients should
// use for address. Wildcard hosts are shown as localhost.
func advertisedURLs(address string, tlsEnabled bool) (httpURL, wsURL string) {
	host := normaliseHostPort(address)
	httpScheme, wsScheme := "http", "ws"
	if tlsEnabled {
		httpScheme, wsScheme = "https", "wss"
	}
	httpURL = (&url.URL{Scheme: httpScheme, Host: host}).String()
	wsURL = (&url.URL{Scheme: wsScheme, Host: host, Path: "/ws"}).String()
	return httpURL, wsURL
}

func normaliseHostPort(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "localhost"
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		return trimmed
	}
	switch strings.TrimSpace(host) {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
