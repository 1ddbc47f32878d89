// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dwongdev/mydia-sub014/signal"
)

// streamChunkSize is the payload size of one binary frame on the media
// channel. Small enough to stay under SCTP message limits with
// headroom for the frame header.
const streamChunkSize = 16 * 1024

// DefaultDownloadChunk is the range size used by Download: each wire
// round fetches up to this many bytes.
const DefaultDownloadChunk = 1 << 20

// ErrFileNotFound is returned by stream sources for unknown file IDs.
var ErrFileNotFound = errors.New("media file not found")

// RangeInfo describes the byte range a stream source is returning and
// the total size of the underlying file.
type RangeInfo struct {
	Start int64
	End   int64 // inclusive
	Total int64
}

// ContentRange renders the info as an HTTP Content-Range value.
func (r RangeInfo) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, r.Total)
}

// Length returns the number of bytes in the range.
func (r RangeInfo) Length() int64 {
	return r.End - r.Start + 1
}

// StreamSource opens media byte ranges on the answerer side. The
// returned reader yields exactly the bytes of the reported range.
type StreamSource interface {
	OpenRange(ctx context.Context, fileID string, start, end int64) (io.ReadCloser, RangeInfo, error)
}

// RootedFileReader serves files from a directory, addressed by their
// relative path. Paths that escape the root are rejected as not found
// rather than explained.
type RootedFileReader struct {
	Root string
}

// OpenRange opens fileID under the root and positions it at the
// requested range. An end of -1 or past EOF is clamped to the file
// size.
func (r *RootedFileReader) OpenRange(ctx context.Context, fileID string, start, end int64) (io.ReadCloser, RangeInfo, error) {
	if fileID == "" || !filepath.IsLocal(fileID) {
		return nil, RangeInfo{}, ErrFileNotFound
	}

	file, err := os.Open(filepath.Join(r.Root, filepath.FromSlash(fileID)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, RangeInfo{}, ErrFileNotFound
		}
		return nil, RangeInfo{}, fmt.Errorf("opening %s: %w", fileID, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, RangeInfo{}, fmt.Errorf("stat %s: %w", fileID, err)
	}
	size := stat.Size()

	if start < 0 || start >= size {
		file.Close()
		return nil, RangeInfo{}, fmt.Errorf("range start %d outside file of %d bytes", start, size)
	}
	if end < 0 || end >= size {
		end = size - 1
	}
	if end < start {
		file.Close()
		return nil, RangeInfo{}, fmt.Errorf("range end %d before start %d", end, start)
	}

	if _, err := file.Seek(start, io.SeekStart); err != nil {
		file.Close()
		return nil, RangeInfo{}, fmt.Errorf("seeking %s: %w", fileID, err)
	}

	info := RangeInfo{Start: start, End: end, Total: size}
	return &limitedFile{
		Reader: io.LimitReader(file, info.Length()),
		file:   file,
	}, info, nil
}

type limitedFile struct {
	io.Reader
	file *os.File
}

func (l *limitedFile) Close() error { return l.file.Close() }

// inboundStream collects one streaming response on the offerer side:
// one header, then chunks, then a terminal nil (clean end) or error.
type inboundStream struct {
	header chan *signal.ResponseHeader
	chunks chan []byte
	done   chan error
}

func newInboundStream() *inboundStream {
	return &inboundStream{
		header: make(chan *signal.ResponseHeader, 1),
		chunks: make(chan []byte, 128),
		done:   make(chan error, 1),
	}
}

func (s *Session) registerStream(requestID string) *inboundStream {
	stream := newInboundStream()
	s.streamsMu.Lock()
	s.streams[requestID] = stream
	s.streamsMu.Unlock()
	return stream
}

func (s *Session) removeStream(requestID string) {
	s.streamsMu.Lock()
	delete(s.streams, requestID)
	s.streamsMu.Unlock()
}

func (s *Session) lookupStream(requestID string) (*inboundStream, bool) {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	stream, ok := s.streams[requestID]
	return stream, ok
}

// failStream terminates one inbound stream with err. Reports whether a
// stream with that ID existed.
func (s *Session) failStream(requestID string, err error) bool {
	s.streamsMu.Lock()
	stream, ok := s.streams[requestID]
	if ok {
		delete(s.streams, requestID)
	}
	s.streamsMu.Unlock()
	if !ok {
		return false
	}
	stream.done <- err
	return true
}

// failAllStreams terminates every inbound stream. Part of the close
// cascade.
func (s *Session) failAllStreams(err error) {
	s.streamsMu.Lock()
	streams := s.streams
	s.streams = make(map[string]*inboundStream)
	s.streamsMu.Unlock()
	for _, stream := range streams {
		stream.done <- err
	}
}

// handleMediaData dispatches one media-channel message: binary chunk
// frames to their stream, JSON control messages by type.
func (s *Session) handleMediaData(data []byte) {
	if signal.IsChunk(data) {
		requestID, payload, err := signal.DecodeChunk(data)
		if err != nil {
			s.logger.Warn("malformed media chunk", "error", err)
			return
		}
		stream, ok := s.lookupStream(requestID)
		if !ok {
			s.logger.Debug("chunk for unknown stream", "request_id", requestID)
			return
		}
		// Copy out: the frame buffer belongs to the channel's read
		// path. Non-blocking: a stalled consumer fails its own stream
		// instead of wedging every stream on the channel.
		select {
		case stream.chunks <- bytes.Clone(payload):
		default:
			s.failStream(requestID, fmt.Errorf("tunnel: stream %s buffer overflow", requestID))
		}
		return
	}

	message, err := signal.Decode(data)
	if err != nil {
		s.logger.Warn("undecodable media message", "error", err)
		return
	}

	switch m := message.(type) {
	case *signal.StreamRequest:
		go s.serveStream(m)
	case *signal.ResponseHeader:
		if stream, ok := s.lookupStream(m.RequestID); ok {
			stream.header <- m
		}
	case *signal.End:
		s.streamsMu.Lock()
		stream, ok := s.streams[m.RequestID]
		if ok {
			delete(s.streams, m.RequestID)
		}
		s.streamsMu.Unlock()
		if ok {
			stream.done <- nil
		}
	case *signal.Error:
		if !s.failStream(m.RequestID, &RemoteError{Code: m.Code, Message: m.Message}) {
			s.logger.Debug("error for unknown stream", "request_id", m.RequestID)
		}
	default:
		s.logger.Warn("unexpected media message", "type", message.MessageType())
	}
}

// serveStream answers one StreamRequest: header, chunk frames, end.
// Failures after the header has been sent still produce a terminal
// error message so the peer's stream does not hang.
func (s *Session) serveStream(request *signal.StreamRequest) {
	if s.requireAuth {
		if _, ok := s.authorizedDevice(); !ok {
			s.sendStreamError(request.RequestID, "unauthorized", "authentication required")
			return
		}
	}
	if s.media == nil {
		s.sendStreamError(request.RequestID, "unsupported", "no media source on this tunnel")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader, info, err := s.media.OpenRange(ctx, request.FileID, request.RangeStart, request.RangeEnd)
	if err != nil {
		code := "stream_failed"
		if errors.Is(err, ErrFileNotFound) {
			code = "not_found"
		}
		s.logger.Warn("opening media range failed", "file_id", request.FileID, "error", err)
		s.sendStreamError(request.RequestID, code, err.Error())
		return
	}
	defer reader.Close()

	header := signal.ResponseHeader{
		RequestID: request.RequestID,
		Status:    206,
		Headers: map[string]string{
			"content-range":  info.ContentRange(),
			"content-length": strconv.FormatInt(info.Length(), 10),
		},
	}
	headerData, err := signal.Encode(header)
	if err != nil {
		s.sendStreamError(request.RequestID, "stream_failed", err.Error())
		return
	}
	if err := s.sendMedia(headerData); err != nil {
		s.logger.Warn("sending stream header failed", "request_id", request.RequestID, "error", err)
		return
	}

	buffer := make([]byte, streamChunkSize)
	for {
		n, readErr := reader.Read(buffer)
		if n > 0 {
			frame, err := signal.EncodeChunk(request.RequestID, buffer[:n])
			if err != nil {
				s.sendStreamError(request.RequestID, "stream_failed", err.Error())
				return
			}
			if err := s.sendMedia(frame); err != nil {
				s.logger.Warn("sending media chunk failed", "request_id", request.RequestID, "error", err)
				return
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			s.sendStreamError(request.RequestID, "stream_failed", readErr.Error())
			return
		}
	}

	endData, err := signal.Encode(signal.End{RequestID: request.RequestID})
	if err == nil {
		err = s.sendMedia(endData)
	}
	if err != nil {
		s.logger.Warn("sending stream end failed", "request_id", request.RequestID, "error", err)
	}
}

func (s *Session) sendStreamError(requestID, code, message string) {
	data, err := signal.Encode(signal.Error{RequestID: requestID, Code: code, Message: message})
	if err == nil {
		err = s.sendMedia(data)
	}
	if err != nil {
		s.logger.Warn("sending stream error failed", "request_id", requestID, "error", err)
	}
}

// FetchRange requests one byte range over the media channel and
// collects the response into memory. The returned header carries the
// content-range metadata.
func (s *Session) FetchRange(ctx context.Context, fileID string, start, end int64) ([]byte, *signal.ResponseHeader, error) {
	if s.State() != StateOpen {
		return nil, nil, ErrNotOpen
	}

	requestID := "stream-" + s.nextRequestID()
	stream := s.registerStream(requestID)
	defer s.removeStream(requestID)

	requestData, err := signal.Encode(signal.StreamRequest{
		RequestID:  requestID,
		FileID:     fileID,
		RangeStart: start,
		RangeEnd:   end,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := s.sendMedia(requestData); err != nil {
		return nil, nil, err
	}

	var header *signal.ResponseHeader
	var body bytes.Buffer
	for {
		select {
		case h := <-stream.header:
			header = h
		case chunk := <-stream.chunks:
			body.Write(chunk)
		case err := <-stream.done:
			// The header and chunks may still be buffered when the end
			// wins the select; drain them before returning.
			if header == nil {
				select {
				case h := <-stream.header:
					header = h
				default:
				}
			}
			if err != nil {
				return nil, header, err
			}
			for {
				select {
				case chunk := <-stream.chunks:
					body.Write(chunk)
				default:
					return body.Bytes(), header, nil
				}
			}
		case <-ctx.Done():
			return nil, header, ctx.Err()
		case <-s.closed:
			return nil, header, s.closeReason()
		}
	}
}

// DownloadProgress reports Download's advance after each fetched
// range.
type DownloadProgress func(received, total int64)

// Download fetches a whole file in sequential ranges of chunkSize
// (DefaultDownloadChunk when zero) and writes it to w. The total size
// comes from the first response's content-range.
func (s *Session) Download(ctx context.Context, fileID string, w io.Writer, chunkSize int64, progress DownloadProgress) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultDownloadChunk
	}

	var received int64
	total := int64(-1)
	for {
		end := received + chunkSize - 1
		data, header, err := s.FetchRange(ctx, fileID, received, end)
		if err != nil {
			return received, err
		}
		if len(data) == 0 {
			return received, fmt.Errorf("tunnel: empty range response at offset %d", received)
		}

		if total < 0 {
			total, err = totalFromContentRange(header)
			if err != nil {
				return received, err
			}
		}

		if _, err := w.Write(data); err != nil {
			return received, err
		}
		received += int64(len(data))
		if progress != nil {
			progress(received, total)
		}

		if received >= total {
			return received, nil
		}
	}
}

func totalFromContentRange(header *signal.ResponseHeader) (int64, error) {
	if header == nil {
		return 0, fmt.Errorf("tunnel: stream response carried no header")
	}
	value := header.Headers["content-range"]
	slash := len(value) - 1
	for slash >= 0 && value[slash] != '/' {
		slash--
	}
	if slash < 0 {
		return 0, fmt.Errorf("tunnel: malformed content-range %q", value)
	}
	total, err := strconv.ParseInt(value[slash+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("tunnel: malformed content-range %q: %w", value, err)
	}
	return total, nil
}
