// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMatchingTarget is reported when a mapper resolves a channel to a
	// target that has no connection in the context. It signals a transient
	// membership mismatch and is never fatal.
	ErrNoMatchingTarget = errors.New("no matching target server")

	// ErrJoinFailed is reported when the join request to the state server
	// fails or times out. The request is retried after the retry delay.
	ErrJoinFailed = errors.New("cluster join failed")

	// ErrStateReportFailed is reported when the state server does not
	// acknowledge a state report. The report is retried after the retry delay.
	ErrStateReportFailed = errors.New("cluster state report failed")

	// ErrInvalidEndpoint is returned when a target URI cannot be parsed.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidConfig is returned by New when a required dependency is missing.
	ErrInvalidConfig = errors.New("invalid cluster client config")

	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("cluster client closed")
)

func noMatchingTarget(channel string) error {
	return fmt.Errorf("%w for the %s channel - the server may be down", ErrNoMatchingTarget, channel)
}
