// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ws

import (
	"github.com/absmach/fluxcluster/cluster"
)

// Dialer opens sockets to sibling broker instances.
type Dialer struct {
	opts Options
}

var _ cluster.Transport = (*Dialer)(nil)

func NewDialer(opts Options) *Dialer {
	return &Dialer{opts: opts}
}

// Connect implements cluster.Transport. The socket dials in the background.
func (d *Dialer) Connect(ep cluster.Endpoint) cluster.Conn {
	s := NewSocket(ep, d.opts)
	s.Connect()
	return s
}
