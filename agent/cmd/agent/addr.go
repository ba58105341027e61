package main

import (
	"net"
	"net/url"
)

// parseHostPort turns a server URL into host:port, defaulting the port
// from the scheme.
func parseHostPort(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
