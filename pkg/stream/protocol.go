package stream

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/zmigrate/zmigrate/pkg/types"
	"github.com/zmigrate/zmigrate/pkg/zfs"
)

const (
	// maxTokenLen caps the announced token id length. It matches the
	// bound the token store enforces, so anything longer cannot be a
	// real id.
	maxTokenLen = 128

	// sendChunkSize is the read buffer for framing pipeline output;
	// frames on the wire are at most this large.
	sendChunkSize = 1 << 20

	statusStarted = "started"
	statusFailed  = "failed"

	// localPeer identifies callers on the unix listener, which have no
	// network address to bind tokens against.
	localPeer = "unix-socket"
)

// errTokenLength flags an opening frame that cannot begin a valid
// exchange. The connection is closed without a reply.
var errTokenLength = errors.New("token length out of range")

// reply is the length-prefixed JSON message sent after the token frame.
type reply struct {
	Status    string `json:"status"`
	Operation string `json:"operation,omitempty"`
	Dataset   string `json:"dataset,omitempty"`
	Snapshot  string `json:"snapshot,omitempty"`
	Command   string `json:"command,omitempty"`
	Error     string `json:"error,omitempty"`
}

// readTokenID consumes the opening token frame.
func readTokenID(r io.Reader) (string, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", fmt.Errorf("failed to read token header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxTokenLen {
		return "", errTokenLength
	}
	id := make([]byte, n)
	if _, err := io.ReadFull(r, id); err != nil {
		return "", fmt.Errorf("failed to read token id: %w", err)
	}
	return string(id), nil
}

// writeReply sends one length-prefixed JSON reply.
func writeReply(w io.Writer, r reply) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode reply: %w", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// writeChunk frames one stretch of stream bytes. An empty chunk is the
// terminator.
func writeChunk(w io.Writer, p []byte) error {
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(len(p)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	_, err := w.Write(p)
	return err
}

// copyFrames relays pipeline output as chunk frames until EOF. It does
// not write the terminator; the caller owns the trailer so it can
// attach the exit status.
func copyFrames(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, sendChunkSize)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if werr := writeChunk(dst, buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// commandFor turns a redeemed token into the argv it authorizes.
func commandFor(tok *types.Token) ([]string, error) {
	switch tok.Operation {
	case types.OperationSend:
		return zfs.SendArgs(zfs.SendSpec{
			Snapshot:     snapshotRef(tok.Dataset, tok.Snapshot),
			FromSnapshot: snapshotRef(tok.Dataset, tok.FromSnapshot),
			Raw:          tok.Parameters.Raw,
			Compressed:   tok.Parameters.Compressed,
			Recursive:    tok.Parameters.Recursive,
		})
	case types.OperationReceive:
		return zfs.ReceiveArgs(zfs.ReceiveSpec{
			Dataset:   tok.Dataset,
			Force:     tok.Parameters.Force,
			Resumable: tok.Parameters.Resumable,
		})
	}
	return nil, types.NewValidationError("operation", "unknown operation %q", tok.Operation)
}

// snapshotRef accepts both short and full snapshot names; tokens carry
// whatever form the issuer supplied.
func snapshotRef(dataset, snapshot string) string {
	if snapshot == "" || strings.Contains(snapshot, "@") {
		return snapshot
	}
	return dataset + "@" + snapshot
}

// peerAddr is the identity tokens are bound against: the bare IP for
// TCP peers, a fixed marker for unix-socket callers.
func peerAddr(conn net.Conn) string {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	return localPeer
}
