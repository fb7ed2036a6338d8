package domain

import (
	"fmt"
	"net/url"
	"strconv"
)

// Request is a parsed source URI: the endpoint a connection command dials and
// the resource it asks for.
type Request struct {
	URI      string
	Protocol string
	Host     string
	Port     int
	Path     string
}

var defaultPorts = map[string]int{
	"http":  80,
	"https": 443,
	"ftp":   21,
}

// ParseRequest splits a source URI into endpoint coordinates. The port falls
// back to the scheme default when the URI does not carry one.
func ParseRequest(uri string) (*Request, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse uri %q: %w", uri, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("uri %q has no scheme or host", uri)
	}
	port := defaultPorts[u.Scheme]
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("uri %q has invalid port: %w", uri, err)
		}
	}
	if port == 0 {
		return nil, fmt.Errorf("uri %q: unsupported scheme %q", uri, u.Scheme)
	}
	path := u.RequestURI()
	if path == "" {
		path = "/"
	}
	return &Request{
		URI:      uri,
		Protocol: u.Scheme,
		Host:     u.Hostname(),
		Port:     port,
		Path:     path,
	}, nil
}
