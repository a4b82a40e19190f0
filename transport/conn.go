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

package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// Maximum accepted payload size for a single frame
const maxFramePayloadLength = 1 << 24

// FramedConn implements Conn over any net.Conn using a fixed big-endian
// header followed by the raw payload
type FramedConn struct {
	conn      net.Conn
	sendMutex sync.Mutex
	recvChan  chan *Frame
	errorChan chan error
	doneChan  chan struct{}
	onceClose sync.Once
}

// NewConn wraps an established net.Conn and starts the read loop
func NewConn(conn net.Conn) *FramedConn {
	c := &FramedConn{
		conn:      conn,
		recvChan:  make(chan *Frame, 10),
		errorChan: make(chan error, 10),
		doneChan:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *FramedConn) RecvChan() <-chan *Frame {
	return c.recvChan
}

func (c *FramedConn) ErrorChan() <-chan error {
	return c.errorChan
}

// Send writes a frame to the connection. A mutex makes sure only one caller
// writes at a time so frames are never interleaved
func (c *FramedConn) Send(frame *Frame) error {
	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()
	header := frame.FrameHeader
	if len(frame.Payload) > maxFramePayloadLength {
		return fmt.Errorf("frame payload too large: %d", len(frame.Payload))
	}
	// nolint:gosec
	header.PayloadLength = uint32(len(frame.Payload))
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.BigEndian, header); err != nil {
		return err
	}
	buf.Write(frame.Payload)
	if _, err := c.conn.Write(buf.Bytes()); err != nil {
		return err
	}
	return nil
}

// Close shuts down the connection and closes the receive and error channels
func (c *FramedConn) Close() error {
	var err error
	c.onceClose.Do(func() {
		close(c.doneChan)
		err = c.conn.Close()
	})
	return err
}

func (c *FramedConn) sendError(err error) {
	// Immediately return if we're already shutting down
	select {
	case <-c.doneChan:
		return
	default:
	}
	c.errorChan <- err
	c.Close()
}

func (c *FramedConn) readLoop() {
	defer func() {
		close(c.recvChan)
		close(c.errorChan)
	}()
	for {
		// Break out of read loop if we're shutting down
		select {
		case <-c.doneChan:
			return
		default:
		}
		header := FrameHeader{}
		if err := binary.Read(c.conn, binary.BigEndian, &header); err != nil {
			c.sendError(err)
			return
		}
		if header.PayloadLength > maxFramePayloadLength {
			c.sendError(
				fmt.Errorf(
					"received frame with oversized payload: %d",
					header.PayloadLength,
				),
			)
			return
		}
		frame := &Frame{
			FrameHeader: header,
			Payload:     make([]byte, header.PayloadLength),
		}
		// We use ReadFull because it guarantees to read the expected number
		// of bytes or return an error
		if _, err := io.ReadFull(c.conn, frame.Payload); err != nil {
			c.sendError(err)
			return
		}
		select {
		case <-c.doneChan:
			return
		case c.recvChan <- frame:
		}
	}
}

// Pipe returns a connected pair of framed connections backed by net.Pipe.
// Useful for tests and in-process loopback datacenters
func Pipe() (*FramedConn, *FramedConn) {
	clientSide, serverSide := net.Pipe()
	return NewConn(clientSide), NewConn(serverSide)
}
