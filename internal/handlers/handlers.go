// Package handlers implements the pure functions mapping a parsed request
// to a response frame: echo, directory listing, file size, ranged
// retrieval, and the shutdown signal. Handlers are total — every call
// produces an Outcome, never an exception.
package handlers

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/op/go-logging"

	"filedserver/internal/codec"
	"filedserver/internal/dict"
	"filedserver/internal/dirlist"
	"filedserver/internal/protocol"
	"filedserver/internal/registry"
)

// retFileChunkCap bounds how many file bytes go into a single RetFileRsp
// chunk body, on top of the 9-byte metadata and 20-byte session/offset/
// length prefix.
const retFileChunkCap = 64 * 1024

// Deps bundles the collaborators every handler needs: the directory
// served, the compression dictionary, the open-file registry and its
// fronting listing cache.
type Deps struct {
	Dir      string
	Dict     *dict.Dictionary
	Registry *registry.Registry
	DirCache *dirlist.Cache
	Log      *logging.Logger
}

// Outcome is what a dispatched request produces: either a response frame
// to write back, or a signal that the Shutdown request was handled and
// the server should begin tearing down (no response body is sent for
// Shutdown).
type Outcome struct {
	Response *protocol.ResponseFrame
	Shutdown bool
}

// Handle dispatches a fully-parsed request to the matching handler.
func Handle(deps *Deps, reqType byte, compressedIn, wantCompressed bool, payload []byte) Outcome {
	switch reqType {
	case protocol.ReqEcho:
		return Outcome{Response: handleEcho(deps, payload, compressedIn, wantCompressed)}
	case protocol.ReqListDir:
		return Outcome{Response: handleListDir(deps, payload, wantCompressed)}
	case protocol.ReqFileSize:
		return Outcome{Response: handleFileSize(deps, payload, compressedIn, wantCompressed)}
	case protocol.ReqRetFile:
		return handleRetFile(deps, payload, compressedIn, wantCompressed)
	case protocol.ReqShutdown:
		return Outcome{Shutdown: true}
	default:
		return Outcome{Response: errorFrame()}
	}
}

func errorFrame() *protocol.ResponseFrame {
	buf := make([]byte, protocol.MetadataLen)
	protocol.WriteMetadata(buf, protocol.RespError, false, 0)
	return protocol.NewResponseFrame(protocol.KindError, buf, nil)
}

// packBody builds a full wire buffer (metadata plus body, optionally
// compressed) for a non-error response kind.
func packBody(dictionary *dict.Dictionary, respType byte, body []byte, wantCompressed bool) ([]byte, error) {
	if wantCompressed {
		out, err := codec.Compress(dictionary, body, protocol.MetadataLen)
		if err != nil {
			return nil, err
		}
		protocol.WriteMetadata(out, respType, true, uint64(len(out)-protocol.MetadataLen))
		return out, nil
	}
	out := make([]byte, protocol.MetadataLen+len(body))
	copy(out[protocol.MetadataLen:], body)
	protocol.WriteMetadata(out, respType, false, uint64(len(body)))
	return out, nil
}

func finishBody(dictionary *dict.Dictionary, kind protocol.Kind, respType byte, body []byte, wantCompressed bool) *protocol.ResponseFrame {
	out, err := packBody(dictionary, respType, body, wantCompressed)
	if err != nil {
		return errorFrame()
	}
	return protocol.NewResponseFrame(kind, out, nil)
}

// handleEcho: a payload that arrives uncompressed and is requested back
// compressed gets compressed; every other combination is copied through
// unchanged, keeping whatever compression flag it arrived with.
func handleEcho(deps *Deps, payload []byte, compressedIn, wantCompressed bool) *protocol.ResponseFrame {
	if !compressedIn && wantCompressed {
		return finishBody(deps.Dict, protocol.KindEcho, protocol.RespEcho, payload, true)
	}
	out := make([]byte, protocol.MetadataLen+len(payload))
	copy(out[protocol.MetadataLen:], payload)
	protocol.WriteMetadata(out, protocol.RespEcho, compressedIn, uint64(len(payload)))
	return protocol.NewResponseFrame(protocol.KindEcho, out, nil)
}

func handleListDir(deps *Deps, payload []byte, wantCompressed bool) *protocol.ResponseFrame {
	if len(payload) != 0 {
		return errorFrame()
	}
	names, err := deps.DirCache.List(deps.Dir)
	if err != nil {
		return errorFrame()
	}
	var body []byte
	for _, name := range names {
		body = append(body, []byte(name)...)
		body = append(body, 0)
	}
	return finishBody(deps.Dict, protocol.KindListDir, protocol.RespListDir, body, wantCompressed)
}

func handleFileSize(deps *Deps, payload []byte, compressedIn, wantCompressed bool) *protocol.ResponseFrame {
	name := payload
	if compressedIn {
		decoded, err := codec.Decompress(deps.Dict, payload)
		if err != nil {
			return errorFrame()
		}
		name = decoded
	}
	if len(name) == 0 {
		return errorFrame()
	}
	info, err := statUnder(deps.Dir, string(name))
	if err != nil {
		return errorFrame()
	}
	body := make([]byte, 8)
	binary.BigEndian.PutUint64(body, uint64(info))
	return finishBody(deps.Dict, protocol.KindFileSize, protocol.RespFileSize, body, wantCompressed)
}

func handleRetFile(deps *Deps, payload []byte, compressedIn, wantCompressed bool) Outcome {
	raw := payload
	if compressedIn {
		decoded, err := codec.Decompress(deps.Dict, payload)
		if err != nil {
			return Outcome{Response: errorFrame()}
		}
		raw = decoded
	}
	if len(raw) <= protocol.RetFilePrefixLen { // 20-byte prefix plus at least one byte of name
		return Outcome{Response: errorFrame()}
	}
	var sid registry.SessionID
	copy(sid[:], raw[0:4])
	offset := binary.BigEndian.Uint64(raw[4:12])
	nRequested := binary.BigEndian.Uint64(raw[12:20])
	name := raw[20:]
	if len(name) == 0 {
		return Outcome{Response: errorFrame()}
	}

	path := filepath.Join(deps.Dir, string(name))
	size, err := statUnder(deps.Dir, string(name))
	if err != nil || size < offset+nRequested {
		return Outcome{Response: errorFrame()}
	}

	handle, err := deps.Registry.OpenOrJoin(sid, path, offset, nRequested)
	if err != nil {
		if deps.Log != nil {
			deps.Log.Debug("RetFile open_or_join rejected: ", err)
		}
		return Outcome{Response: errorFrame()}
	}

	cursor := &retFileCursor{
		handle:         handle,
		sid:            sid,
		wantCompressed: wantCompressed,
		dictionary:     deps.Dict,
	}
	buf, err := cursor.Refill()
	if err != nil {
		handle.Release()
		return Outcome{Response: errorFrame()}
	}
	return Outcome{Response: protocol.NewResponseFrame(protocol.KindRetFile, buf, cursor)}
}

// statUnder stats name resolved under dir, returning its size. It does not
// guard against ".." escaping dir: path traversal protection under the
// served root is out of scope for this server.
func statUnder(dir, name string) (uint64, error) {
	info, err := os.Stat(filepath.Join(dir, name))
	if err != nil {
		return 0, err
	}
	return uint64(info.Size()), nil
}

// retFileCursor adapts a registry.Handle into a protocol.RetFileRefiller,
// owning the wire-framing details (session id, offset, chunk length
// prefix, optional compression) that the registry itself does not know
// about.
type retFileCursor struct {
	handle         *registry.Handle
	sid            registry.SessionID
	wantCompressed bool
	dictionary     *dict.Dictionary
}

func (c *retFileCursor) Drained() bool { return c.handle.Drained() }

func (c *retFileCursor) Release() { c.handle.Release() }

func (c *retFileCursor) Refill() ([]byte, error) {
	chunk := make([]byte, retFileChunkCap)
	n, globalOffset, err := c.handle.Advance(chunk)
	if err != nil {
		return nil, err
	}
	chunk = chunk[:n]

	body := make([]byte, protocol.RetFilePrefixLen+n)
	copy(body[0:4], c.sid[:])
	binary.BigEndian.PutUint64(body[4:12], globalOffset)
	binary.BigEndian.PutUint64(body[12:20], uint64(n))
	copy(body[20:], chunk)

	return packBody(c.dictionary, protocol.RespRetFile, body, c.wantCompressed)
}
