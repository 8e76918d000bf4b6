package receiver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescp17/dropmesh/internal/app/apptest"
	appevents "github.com/rescp17/dropmesh/internal/app_events"
	"github.com/rescp17/dropmesh/pkg/fileInfo"
	"github.com/rescp17/dropmesh/pkg/transfer"
)

func text(s string) webrtc.DataChannelMessage {
	return webrtc.DataChannelMessage{IsString: true, Data: []byte(s)}
}

func TestNewApp_RequiresDirectory(t *testing.T) {
	mesh := apptest.NewMesh(t)
	_, err := NewApp(mesh, filepath.Join(t.TempDir(), "missing"), 0, apptest.Logger())
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = NewApp(mesh, file, 0, apptest.Logger())
	assert.Error(t, err)
}

func TestApp_SavesReceivedFiles(t *testing.T) {
	mesh := apptest.NewMesh(t)
	out := t.TempDir()
	a, err := NewApp(mesh, out, 1, apptest.Logger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	var msgs []any
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for msg := range a.UIMessages() {
			msgs = append(msgs, msg)
		}
	}()

	mesh.Hello("bob", "alice")
	dc := mesh.Connect(mesh.Offer("alice", "s1"))
	dc.FireMessage(text(`{"type":"header","name":"docs/hello.txt","size":5,"mime":"text/plain"}`))
	dc.FireMessage(webrtc.DataChannelMessage{Data: []byte("hello")})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not finish")
	}
	<-collected

	data, err := os.ReadFile(filepath.Join(out, "docs", "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	assert.Contains(t, msgs, appevents.FileSaved{RemoteID: "alice", Path: filepath.Join(out, "docs", "hello.txt"), Size: 5})
	assert.Equal(t, appevents.Finished{}, msgs[len(msgs)-1])

	snap := mesh.Tracker().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, transfer.TransferStateCompleted, snap[0].State)
	assert.Equal(t, transfer.DirectionReceive, snap[0].Direction)
}

func TestApp_DiscardsFileWithWrongChecksum(t *testing.T) {
	mesh := apptest.NewMesh(t)
	out := t.TempDir()
	a, err := NewApp(mesh, out, 1, apptest.Logger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	var msgs []any
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for msg := range a.UIMessages() {
			msgs = append(msgs, msg)
		}
	}()

	mesh.Hello("bob", "alice")
	dc := mesh.Connect(mesh.Offer("alice", "s1"))
	dc.FireMessage(text(`{"type":"header","name":"bad.txt","size":5,"checksum":"` + fileInfo.SumBytes([]byte("other")) + `"}`))
	dc.FireMessage(webrtc.DataChannelMessage{Data: []byte("hello")})
	dc.FireMessage(text(`{"type":"header","name":"good.txt","size":5,"checksum":"` + fileInfo.SumBytes([]byte("hello")) + `"}`))
	dc.FireMessage(webrtc.DataChannelMessage{Data: []byte("hello")})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not finish")
	}
	<-collected

	_, err = os.Stat(filepath.Join(out, "bad.txt"))
	assert.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(filepath.Join(out, "good.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	var failed []appevents.TransferFailed
	for _, msg := range msgs {
		if f, ok := msg.(appevents.TransferFailed); ok {
			failed = append(failed, f)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, "bad.txt", failed[0].Name)
	assert.Equal(t, transfer.DirectionReceive, failed[0].Direction)
	assert.ErrorIs(t, failed[0].Err, fileInfo.ErrChecksumMismatch)
}
