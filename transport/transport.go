// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transport provides the framed binary channel between a session and
// a datacenter. The core never manipulates payload bytes; it only frames
// them, tagged with the authorization key id used on the channel.
package transport

import (
	"context"
	"net"
)

// Frame is one framed message on a connection. The payload is opaque to the
// transport
type Frame struct {
	FrameHeader
	Payload []byte
}

// FrameHeader is the fixed-size wire header preceding each payload
type FrameHeader struct {
	AuthKeyId     uint64
	Salt          uint64
	Seq           uint32
	QueryId       [16]byte
	PayloadLength uint32
}

// Conn is one physical framed connection to a datacenter
type Conn interface {
	// Send writes a frame. Safe for concurrent use
	Send(frame *Frame) error
	// RecvChan returns the channel of inbound frames. Closed on shutdown
	RecvChan() <-chan *Frame
	// ErrorChan returns the channel for asynchronous errors
	ErrorChan() <-chan error
	// Close shuts the connection down. Safe to call more than once
	Close() error
}

// Dialer opens connections to datacenter addresses
type Dialer interface {
	Dial(ctx context.Context, address string, authKeyId uint64) (Conn, error)
}

// TCPDialer opens framed connections over TCP
type TCPDialer struct{}

func (TCPDialer) Dial(ctx context.Context, address string, authKeyId uint64) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return NewConn(conn), nil
}
