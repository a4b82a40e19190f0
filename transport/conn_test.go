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

package transport_test

import (
	"sync"
	"testing"
	"time"

	"github.com/blinklabs-io/gomtproto/transport"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func recvOne(t *testing.T, conn transport.Conn) *transport.Frame {
	t.Helper()
	select {
	case frame, ok := <-conn.RecvChan():
		if !ok {
			t.Fatal("receive channel closed unexpectedly")
		}
		return frame
	case err := <-conn.ErrorChan():
		t.Fatalf("unexpected connection error: %s", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for frame")
	}
	return nil
}

func TestFrameRoundtrip(t *testing.T) {
	defer goleak.VerifyNone(t)
	clientSide, serverSide := transport.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	queryId := uuid.New()
	sent := &transport.Frame{
		FrameHeader: transport.FrameHeader{
			AuthKeyId: 0x1122334455667788,
			Salt:      99,
			Seq:       7,
			QueryId:   [16]byte(queryId),
		},
		Payload: []byte("hello over the wire"),
	}
	require.NoError(t, clientSide.Send(sent))

	received := recvOne(t, serverSide)
	assert.Equal(t, sent.AuthKeyId, received.AuthKeyId)
	assert.Equal(t, sent.Salt, received.Salt)
	assert.Equal(t, sent.Seq, received.Seq)
	assert.Equal(t, queryId, uuid.UUID(received.QueryId))
	assert.Equal(t, sent.Payload, received.Payload)
	assert.Equal(t, uint32(len(sent.Payload)), received.PayloadLength)
}

func TestEmptyPayload(t *testing.T) {
	defer goleak.VerifyNone(t)
	clientSide, serverSide := transport.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	require.NoError(t, clientSide.Send(&transport.Frame{}))
	received := recvOne(t, serverSide)
	assert.Empty(t, received.Payload)
}

func TestSendsNotInterleaved(t *testing.T) {
	defer goleak.VerifyNone(t)
	clientSide, serverSide := transport.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	const frameCount = 20
	var wg sync.WaitGroup
	for i := 0; i < frameCount; i++ {
		wg.Add(1)
		go func(seq uint32) {
			defer wg.Done()
			_ = clientSide.Send(&transport.Frame{
				FrameHeader: transport.FrameHeader{Seq: seq},
				Payload:     []byte("payload"),
			})
		}(uint32(i))
	}

	seen := make(map[uint32]bool)
	for i := 0; i < frameCount; i++ {
		frame := recvOne(t, serverSide)
		assert.False(t, seen[frame.Seq], "frame %d received twice", frame.Seq)
		seen[frame.Seq] = true
		assert.Equal(t, []byte("payload"), frame.Payload)
	}
	wg.Wait()
}

func TestPeerCloseSurfacesError(t *testing.T) {
	defer goleak.VerifyNone(t)
	clientSide, serverSide := transport.Pipe()
	defer clientSide.Close()

	serverSide.Close()
	select {
	case err := <-clientSide.ErrorChan():
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connection error")
	}
}
