// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// Endpoint identifies a sibling broker instance.
// URI is the identity of the endpoint: it is the map key used by mapper
// contexts and the value compared for equality.
type Endpoint struct {
	URI    string
	Host   string
	Port   int
	Secure bool
}

// ParseEndpoint breaks a target URI such as "wss://10.0.0.4:8888" into an
// Endpoint. A missing port is left as 0 for the transport to default.
func ParseEndpoint(uri string) (Endpoint, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w %q: %w", ErrInvalidEndpoint, uri, err)
	}
	host := u.Hostname()
	if host == "" {
		return Endpoint{}, fmt.Errorf("%w %q: missing host", ErrInvalidEndpoint, uri)
	}

	ep := Endpoint{
		URI:  uri,
		Host: host,
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 0 || port > 65535 {
			return Endpoint{}, fmt.Errorf("%w %q: bad port %q", ErrInvalidEndpoint, uri, p)
		}
		ep.Port = port
	}
	switch u.Scheme {
	case "wss", "https":
		ep.Secure = true
	}

	return ep, nil
}

// Address returns host:port, using the scheme default port when none was given.
func (e Endpoint) Address() string {
	port := e.Port
	if port == 0 {
		port = 80
		if e.Secure {
			port = 443
		}
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(port))
}

func (e Endpoint) String() string {
	return e.URI
}
