package client

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	defaultDialTimeout = 10 * time.Second

	// maxTokenFrame matches the bound the server enforces on the
	// opening frame.
	maxTokenFrame = 128

	// Caps on server-sent control frames. Replies and error messages
	// are small; anything larger is a protocol violation.
	maxReplyFrame = 64 << 10
	maxErrorFrame = 64 << 10

	statusStarted = "started"
)

// streamReply mirrors the server's post-authentication message.
type streamReply struct {
	Status    string `json:"status"`
	Operation string `json:"operation"`
	Dataset   string `json:"dataset"`
	Snapshot  string `json:"snapshot"`
	Command   string `json:"command"`
	Error     string `json:"error"`
}

// StreamClient redeems tokens against a stream listener. Addr is
// required; Network defaults to "tcp" and accepts "unix" for socket
// paths.
type StreamClient struct {
	Network     string
	Addr        string
	DialTimeout time.Duration
}

// StreamResult reports a completed exchange.
type StreamResult struct {
	Operation string
	Dataset   string
	Snapshot  string
	Command   string
	Bytes     int64
}

// Download redeems a send token and copies the snapshot stream into
// dst. A trailing error frame from the server fails the download even
// when data was already copied; the error carries the byte count.
func (sc StreamClient) Download(ctx context.Context, tokenID string, dst io.Writer) (*StreamResult, error) {
	conn, rep, err := sc.dial(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	res := resultFrom(rep)
	for {
		n, err := readChunkHeader(conn)
		if err != nil {
			return nil, ctxErr(ctx, fmt.Errorf("failed to read chunk header: %w", err))
		}
		if n == 0 {
			break
		}
		copied, err := io.CopyN(dst, conn, int64(n))
		res.Bytes += copied
		if err != nil {
			return nil, ctxErr(ctx, fmt.Errorf("failed to copy chunk: %w", err))
		}
	}

	// After the terminator the server either closes the connection or
	// attaches one error frame carrying the pipeline failure.
	n, err := readChunkHeader(conn)
	if err != nil {
		return res, nil
	}
	if n == 0 || n > maxErrorFrame {
		return nil, fmt.Errorf("malformed trailing frame (%d bytes)", n)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(conn, msg); err != nil {
		return nil, ctxErr(ctx, fmt.Errorf("failed to read error frame: %w", err))
	}
	return nil, fmt.Errorf("stream failed after %d bytes: %s", res.Bytes, msg)
}

// Upload redeems a receive token and streams src to the server, then
// half-closes and waits for the server to hang up. A clean close
// confirms the server consumed the whole stream; whether the receive
// pipeline itself succeeded is reported out of band on the server.
func (sc StreamClient) Upload(ctx context.Context, tokenID string, src io.Reader) (*StreamResult, error) {
	conn, rep, err := sc.dial(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	res := resultFrom(rep)
	n, err := io.Copy(conn, src)
	res.Bytes = n
	if err != nil {
		return nil, ctxErr(ctx, fmt.Errorf("failed to stream after %d bytes: %w", n, err))
	}

	cw, ok := conn.(interface{ CloseWrite() error })
	if !ok {
		return nil, fmt.Errorf("connection over %T does not support half-close", conn)
	}
	if err := cw.CloseWrite(); err != nil {
		return nil, ctxErr(ctx, fmt.Errorf("failed to signal end of stream: %w", err))
	}
	if _, err := io.Copy(io.Discard, conn); err != nil {
		return nil, ctxErr(ctx, fmt.Errorf("connection lost after upload: %w", err))
	}
	return res, nil
}

// dial connects, presents the token, and returns the connection ready
// for the data phase. The handshake is bounded by DialTimeout; the
// data phase is bounded only by the caller's context.
func (sc StreamClient) dial(ctx context.Context, tokenID string) (net.Conn, *streamReply, error) {
	if tokenID == "" || len(tokenID) > maxTokenFrame {
		return nil, nil, fmt.Errorf("token id length %d out of range", len(tokenID))
	}
	network := sc.Network
	if network == "" {
		network = "tcp"
	}
	timeout := sc.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, network, sc.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", sc.Addr, err)
	}

	_ = conn.SetDeadline(time.Now().Add(timeout))
	if err := writeTokenFrame(conn, tokenID); err != nil {
		conn.Close()
		return nil, nil, err
	}
	rep, err := readReplyFrame(conn)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if rep.Status != statusStarted {
		conn.Close()
		if rep.Error != "" {
			return nil, nil, fmt.Errorf("stream rejected: %s", rep.Error)
		}
		return nil, nil, fmt.Errorf("stream rejected with status %q", rep.Status)
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, rep, nil
}

func writeTokenFrame(w io.Writer, id string) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(id)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write token frame: %w", err)
	}
	if _, err := io.WriteString(w, id); err != nil {
		return fmt.Errorf("failed to write token frame: %w", err)
	}
	return nil
}

func readReplyFrame(r io.Reader) (*streamReply, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("failed to read reply header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxReplyFrame {
		return nil, fmt.Errorf("malformed reply frame (%d bytes)", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read reply: %w", err)
	}
	var rep streamReply
	if err := json.Unmarshal(body, &rep); err != nil {
		return nil, fmt.Errorf("failed to decode reply: %w", err)
	}
	return &rep, nil
}

func readChunkHeader(r io.Reader) (uint64, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(hdr[:]), nil
}

func resultFrom(rep *streamReply) *StreamResult {
	return &StreamResult{
		Operation: rep.Operation,
		Dataset:   rep.Dataset,
		Snapshot:  rep.Snapshot,
		Command:   rep.Command,
	}
}

// ctxErr prefers the context's cancellation over the i/o timeout the
// deadline watchdog manufactures.
func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}
