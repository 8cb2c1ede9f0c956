// Package relay implements the file-relay engine (C5): it stitches a
// receiver's streaming HTTP download to a sender's streaming HTTP upload
// through a bounded in-memory channel, honoring byte ranges. Bytes never
// touch disk.
package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"zher/internal/core"
	"zher/internal/protocol"
)

// transferBufferBlocks bounds in-flight bytes to roughly two body chunks:
// large enough to overlap one chunk's send with the next read, small enough
// that a stalled receiver can't pin arbitrary memory.
const transferBufferBlocks = 2

const uploadChunkSize = 32 * 1024

// ErrBadRange reports a Range header that cannot be satisfied.
var ErrBadRange = errors.New("invalid range")

// byteRange is an inclusive [Start, End] byte range resolved against a
// known file size. Partial is true iff a usable Range header was present.
type byteRange struct {
	Start   uint64
	End     uint64
	Partial bool
}

// ParseRange resolves header (the raw Range header value) against fileSize.
// An absent or unparsable header yields the default full range. "bytes=a-b"
// and "bytes=a-" are both accepted; a>b or a>=fileSize is rejected.
func ParseRange(header string, fileSize uint64) (byteRange, error) {
	header = strings.TrimSpace(header)
	full := byteRange{Start: 0, End: fileSize - 1}

	const prefix = "bytes="
	if header == "" || !strings.HasPrefix(header, prefix) {
		return full, nil
	}

	spec := strings.TrimPrefix(header, prefix)
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return full, nil
	}
	startStr, endStr := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if startStr == "" && endStr == "" {
		return full, nil
	}

	var start, end uint64
	var err error
	switch {
	case endStr == "":
		if start, err = strconv.ParseUint(startStr, 10, 64); err != nil {
			return byteRange{}, ErrBadRange
		}
		end = fileSize - 1
	case startStr == "":
		// "bytes=-N" is not treated as a suffix range here: an empty start
		// simply fails to parse as a number, so start falls back to 0 and
		// end becomes N, i.e. this is handled the same as "bytes=0-N".
		start = 0
		if end, err = strconv.ParseUint(endStr, 10, 64); err != nil {
			return byteRange{}, ErrBadRange
		}
	default:
		if start, err = strconv.ParseUint(startStr, 10, 64); err != nil {
			return byteRange{}, ErrBadRange
		}
		if end, err = strconv.ParseUint(endStr, 10, 64); err != nil {
			return byteRange{}, ErrBadRange
		}
	}

	if start > end || start >= fileSize {
		return byteRange{}, ErrBadRange
	}
	if end >= fileSize {
		end = fileSize - 1
	}
	return byteRange{Start: start, End: end, Partial: true}, nil
}

// Engine serves the download/upload HTTP routes against a shared State.
type Engine struct {
	state *core.State
}

// NewEngine creates a relay engine bound to state.
func NewEngine(state *core.State) *Engine {
	return &Engine{state: state}
}

// Register binds the relay's routes under an Echo group (typically "/api").
func (e *Engine) Register(group *echo.Group) {
	group.GET("/download/:fileId", e.HandleDownload)
	group.POST("/upload/:transferId", e.HandleUpload)
}

// HandleDownload implements GET /api/download/{fileId}.
func (e *Engine) HandleDownload(c echo.Context) error {
	fileID := c.Param("fileId")
	owner, ok := e.state.LookupFileOwner(fileID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown file")
	}

	rng, err := ParseRange(c.Request().Header.Get(echo.HeaderRange), owner.FileSize)
	if err != nil {
		return echo.NewHTTPError(http.StatusRequestedRangeNotSatisfiable, "invalid range")
	}

	transferID, recv, transferCtx, cancel := e.state.AllocateTransfer(transferBufferBlocks)
	defer cancel()

	frame, err := protocol.NewFrame(protocol.EventStartUpload, protocol.StartUploadPayload{
		FileID:     fileID,
		TransferID: transferID,
		Offset:     rng.Start,
		End:        rng.End,
	})
	if err != nil {
		e.state.AbandonTransfer(transferID)
		return echo.NewHTTPError(http.StatusInternalServerError, "build start-upload frame")
	}
	if !e.state.SendTo(owner.OwningSocket, frame) {
		e.state.AbandonTransfer(transferID)
		slog.Warn("relay dispatch failed", "file_id", fileID, "transfer_id", transferID)
		return echo.NewHTTPError(http.StatusInternalServerError, "sender unreachable")
	}

	length := rng.End - rng.Start + 1
	resp := c.Response()
	header := resp.Header()
	header.Set(echo.HeaderContentType, "application/octet-stream")
	header.Set(echo.HeaderContentLength, strconv.FormatUint(length, 10))
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Disposition", contentDisposition(owner.Filename))
	status := http.StatusOK
	if rng.Partial {
		status = http.StatusPartialContent
		header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, owner.FileSize))
	}
	resp.WriteHeader(status)

	for {
		select {
		case <-transferCtx.Done():
			// Swept as stale (never claimed by an upload POST) or abandoned
			// elsewhere; nothing more is coming.
			slog.Debug("relay download ended: transfer cancelled", "file_id", fileID, "transfer_id", transferID)
			return nil
		case chunk, ok := <-recv:
			if !ok {
				return nil
			}
			if chunk.Err != nil {
				slog.Warn("relay upload read error", "file_id", fileID, "transfer_id", transferID, "err", chunk.Err)
				return nil
			}
			if len(chunk.Data) == 0 {
				continue
			}
			if _, writeErr := resp.Write(chunk.Data); writeErr != nil {
				slog.Debug("relay download aborted", "file_id", fileID, "transfer_id", transferID, "err", writeErr)
				cancel()
				return nil
			}
			resp.Flush()
		}
	}
}

// HandleUpload implements POST /api/upload/{transferId}.
func (e *Engine) HandleUpload(c echo.Context) error {
	transferID := c.Param("transferId")
	send, ctx, ok := e.state.TakeTransferSender(transferID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown transfer")
	}
	defer close(send)

	body := c.Request().Body
	buf := make([]byte, uploadChunkSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			chunk := core.TransferChunk{Data: append([]byte(nil), buf[:n]...)}
			select {
			case send <- chunk:
			case <-ctx.Done():
				slog.Debug("relay upload cancelled by receiver", "transfer_id", transferID)
				return c.NoContent(http.StatusOK)
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				select {
				case send <- core.TransferChunk{Err: readErr}:
				case <-ctx.Done():
				}
			}
			break
		}
	}
	return c.NoContent(http.StatusOK)
}

// contentDisposition builds an RFC 6266 attachment header with an RFC 5987
// percent-encoded filename, so names outside ASCII still round-trip.
func contentDisposition(filename string) string {
	return fmt.Sprintf(`attachment; filename*=UTF-8''%s`, encodeRFC5987(filename))
}

func encodeRFC5987(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isRFC5987Unreserved(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func isRFC5987Unreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	default:
		return false
	}
}
