// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import "unicode/utf16"

// Mapper selects the target responsible for a channel.
// Implementations must be pure: every node in the cluster given the same
// channel and the same ordered target list must select the same target.
type Mapper interface {
	// Select returns one element of targets, or "" if targets is empty.
	Select(channel string, targets []string) string
}

// MapperFunc adapts an ordinary function to the Mapper interface.
type MapperFunc func(channel string, targets []string) string

func (f MapperFunc) Select(channel string, targets []string) string {
	return f(channel, targets)
}

// HashMapper is the consistent channel mapper used by every node.
// The target list order is significant and is never reordered locally.
type HashMapper struct{}

var _ Mapper = HashMapper{}

func (HashMapper) Select(channel string, targets []string) string {
	if len(targets) == 0 {
		return ""
	}
	h := int64(ChannelHash(channel))
	if h < 0 {
		h = -h
	}
	return targets[h%int64(len(targets))]
}

// ChannelHash is the 32-bit rolling hash (h = h*31 + c) over the UTF-16 code
// units of the channel name, wrapped to int32 at every step.
func ChannelHash(channel string) int32 {
	var h int32
	for _, c := range utf16.Encode([]rune(channel)) {
		h = h*31 + int32(c)
	}
	return h
}
