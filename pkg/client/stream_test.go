package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startStreamServer runs script against the first accepted connection
// and returns the dial address.
func startStreamServer(t *testing.T, script func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}()
	return ln.Addr().String()
}

func srvReadToken(t *testing.T, conn net.Conn) string {
	var hdr [4]byte
	_, err := io.ReadFull(conn, hdr[:])
	assert.NoError(t, err)
	buf := make([]byte, binary.BigEndian.Uint32(hdr[:]))
	_, err = io.ReadFull(conn, buf)
	assert.NoError(t, err)
	return string(buf)
}

func srvWriteReply(t *testing.T, conn net.Conn, rep streamReply) {
	body, err := json.Marshal(rep)
	assert.NoError(t, err)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	_, err = conn.Write(append(hdr[:], body...))
	assert.NoError(t, err)
}

func srvWriteChunk(t *testing.T, conn net.Conn, p []byte) {
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(len(p)))
	_, err := conn.Write(hdr[:])
	assert.NoError(t, err)
	if len(p) > 0 {
		_, err = conn.Write(p)
		assert.NoError(t, err)
	}
}

func TestDownload(t *testing.T) {
	addr := startStreamServer(t, func(conn net.Conn) {
		tok := srvReadToken(t, conn)
		assert.Equal(t, "tok-send", tok)
		srvWriteReply(t, conn, streamReply{
			Status:    "started",
			Operation: "send",
			Dataset:   "tank/data",
			Snapshot:  "tank/data@migrate-260825-10-3000",
			Command:   "zfs send tank/data@migrate-260825-10-3000",
		})
		srvWriteChunk(t, conn, []byte("hello "))
		srvWriteChunk(t, conn, []byte("world"))
		srvWriteChunk(t, conn, nil)
	})

	var buf bytes.Buffer
	sc := StreamClient{Addr: addr}
	res, err := sc.Download(context.Background(), "tok-send", &buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", buf.String())
	assert.Equal(t, int64(11), res.Bytes)
	assert.Equal(t, "send", res.Operation)
	assert.Equal(t, "tank/data", res.Dataset)
	assert.Equal(t, "tank/data@migrate-260825-10-3000", res.Snapshot)
}

func TestDownloadReportsPipelineFailure(t *testing.T) {
	addr := startStreamServer(t, func(conn net.Conn) {
		srvReadToken(t, conn)
		srvWriteReply(t, conn, streamReply{Status: "started", Operation: "send", Dataset: "tank/data"})
		srvWriteChunk(t, conn, []byte("partial"))
		srvWriteChunk(t, conn, nil)
		srvWriteChunk(t, conn, []byte("zfs send exited with code 1"))
	})

	var buf bytes.Buffer
	sc := StreamClient{Addr: addr}
	_, err := sc.Download(context.Background(), "tok-send", &buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zfs send exited with code 1")
	assert.Equal(t, "partial", buf.String())
}

func TestDownloadRejectedToken(t *testing.T) {
	addr := startStreamServer(t, func(conn net.Conn) {
		srvReadToken(t, conn)
		srvWriteReply(t, conn, streamReply{Status: "failed", Error: "token expired"})
	})

	sc := StreamClient{Addr: addr}
	_, err := sc.Download(context.Background(), "tok-stale", io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token expired")
}

func TestDownloadRejectsOversizedErrorFrame(t *testing.T) {
	addr := startStreamServer(t, func(conn net.Conn) {
		srvReadToken(t, conn)
		srvWriteReply(t, conn, streamReply{Status: "started", Operation: "send", Dataset: "tank/data"})
		srvWriteChunk(t, conn, nil)
		var hdr [8]byte
		binary.BigEndian.PutUint64(hdr[:], 1<<40)
		_, _ = conn.Write(hdr[:])
	})

	sc := StreamClient{Addr: addr}
	_, err := sc.Download(context.Background(), "tok-send", io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed")
}

func TestDownloadCancelledWhileWaiting(t *testing.T) {
	hold := make(chan struct{})
	addr := startStreamServer(t, func(conn net.Conn) {
		srvReadToken(t, conn)
		srvWriteReply(t, conn, streamReply{Status: "started", Operation: "send", Dataset: "tank/data"})
		<-hold
	})
	t.Cleanup(func() { close(hold) })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	sc := StreamClient{Addr: addr}
	_, err := sc.Download(ctx, "tok-send", io.Discard)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTokenLengthValidatedBeforeDialing(t *testing.T) {
	sc := StreamClient{Addr: "127.0.0.1:1"}

	_, err := sc.Download(context.Background(), strings.Repeat("x", maxTokenFrame+1), io.Discard)
	require.Error(t, err)

	_, err = sc.Upload(context.Background(), "", strings.NewReader(""))
	require.Error(t, err)
}

func TestUpload(t *testing.T) {
	got := make(chan []byte, 1)
	addr := startStreamServer(t, func(conn net.Conn) {
		tok := srvReadToken(t, conn)
		assert.Equal(t, "tok-recv", tok)
		srvWriteReply(t, conn, streamReply{Status: "started", Operation: "receive", Dataset: "backup/data"})
		data, err := io.ReadAll(conn)
		assert.NoError(t, err)
		got <- data
	})

	sc := StreamClient{Addr: addr}
	res, err := sc.Upload(context.Background(), "tok-recv", strings.NewReader("snapshot bytes"))
	require.NoError(t, err)
	assert.Equal(t, int64(14), res.Bytes)
	assert.Equal(t, "receive", res.Operation)
	assert.Equal(t, "backup/data", res.Dataset)

	select {
	case data := <-got:
		assert.Equal(t, "snapshot bytes", string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("server never finished reading")
	}
}

func TestUploadCancelled(t *testing.T) {
	hold := make(chan struct{})
	addr := startStreamServer(t, func(conn net.Conn) {
		srvReadToken(t, conn)
		srvWriteReply(t, conn, streamReply{Status: "started", Operation: "receive", Dataset: "backup/data"})
		// Never read the stream so the client's writes back up.
		<-hold
	})
	t.Cleanup(func() { close(hold) })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	sc := StreamClient{Addr: addr}
	_, err := sc.Upload(ctx, "tok-recv", rand.Reader)
	require.ErrorIs(t, err, context.Canceled)
}

func TestUploadOverUnixSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "stream.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	got := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		srvReadToken(t, conn)
		srvWriteReply(t, conn, streamReply{Status: "started", Operation: "receive", Dataset: "backup/data"})
		data, err := io.ReadAll(conn)
		assert.NoError(t, err)
		got <- data
	}()

	sc := StreamClient{Network: "unix", Addr: sock}
	res, err := sc.Upload(context.Background(), "local-token", strings.NewReader("local bytes"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), res.Bytes)

	select {
	case data := <-got:
		assert.Equal(t, "local bytes", string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("server never finished reading")
	}
}
