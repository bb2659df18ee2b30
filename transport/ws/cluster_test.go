// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ws_test

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/absmach/fluxcluster/broker"
	"github.com/absmach/fluxcluster/cluster"
	"github.com/absmach/fluxcluster/cluster/clustertest"
	"github.com/absmach/fluxcluster/transport/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingDialer keeps the sockets it opens.
type recordingDialer struct {
	*ws.Dialer

	mu      sync.Mutex
	sockets []*ws.Socket
}

func (d *recordingDialer) Connect(ep cluster.Endpoint) cluster.Conn {
	conn := d.Dialer.Connect(ep)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sockets = append(d.sockets, conn.(*ws.Socket))
	return conn
}

func (d *recordingDialer) connected() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.sockets {
		if s.Connected() {
			n++
		}
	}
	return n
}

func TestClusterOverWebsockets(t *testing.T) {
	siblingA, _, tsA := sibling(t, "")
	siblingB, _, tsB := sibling(t, "")
	uriA, uriB := endpointOf(t, tsA).URI, endpointOf(t, tsB).URI

	state := clustertest.NewStateServer(uriA, uriB)
	start := func(id string, dialer cluster.Transport) (*broker.Broker, *clustertest.StateSocket) {
		b := broker.New(id, quietLogger())
		sock := state.Socket()
		client, err := cluster.New(cluster.Config{}, b, dialer, sock, cluster.WithLogger(quietLogger()))
		require.NoError(t, err)
		require.NoError(t, client.Start())
		t.Cleanup(func() { _ = client.Close() })
		return b, sock
	}
	pubDialer := &recordingDialer{Dialer: ws.NewDialer(testOptions())}
	pubBroker, pubSock := start("n1", pubDialer)
	subBroker, subSock := start("n2", ws.NewDialer(testOptions()))

	var (
		mu       sync.Mutex
		received = map[string][]string{}
	)
	chans := make([]string, 20)
	for i := range chans {
		chans[i] = fmt.Sprintf("room-%d", i)
		require.NoError(t, subBroker.Subscribe("local", chans[i], func(channel string, payload json.RawMessage) {
			mu.Lock()
			defer mu.Unlock()
			received[channel] = append(received[channel], string(payload))
		}))
	}

	pubSock.Connect()
	subSock.Connect()
	require.Eventually(t, func() bool {
		return state.AllInPhase(cluster.PhaseActive)
	}, waitFor, tick)

	// Every channel is held by exactly one sibling.
	require.Eventually(t, func() bool {
		return len(siblingA.Channels())+len(siblingB.Channels()) == len(chans)
	}, waitFor, tick)
	assert.NotEmpty(t, siblingA.Channels())
	assert.NotEmpty(t, siblingB.Channels())
	require.Eventually(t, func() bool { return pubDialer.connected() == 2 }, waitFor, tick)

	for _, ch := range chans {
		require.NoError(t, pubBroker.Publish(ch, json.RawMessage(`"hello"`)))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ch := range chans {
			if len(received[ch]) != 1 {
				return false
			}
		}
		return true
	}, waitFor, tick)
}
