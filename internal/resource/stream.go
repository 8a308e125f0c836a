package resource

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"pkt.systems/changed/api"
	"pkt.systems/changed/internal/authz"
)

// Stream is a lazy chunk sequence over one artifact. Production is
// synchronous with consumption: a chunk is read only when the consumer asks
// for it, into one fixed buffer reserved from the global budget for the
// stream's lifetime. A watchdog tears the stream down after one heartbeat
// interval without consumer activity.
type Stream struct {
	provider *Provider
	uri      string
	size     int64

	mu     sync.Mutex
	file   *os.File
	offset int64
	grant  int64
	buf    []byte
	closed bool

	activity chan struct{}
	done     chan struct{}
}

// OpenStream authorizes the read and reserves stream capacity. The caller
// must Close the stream; abandonment is detected through the watchdog, and
// ctx cancellation tears the stream down immediately.
func (p *Provider) OpenStream(ctx context.Context, identity authz.Identity, uri string) (*Stream, error) {
	path, size, err := p.openTarget(ctx, identity, uri)
	if err != nil {
		return nil, err
	}
	grant, err := p.budget.reserve(p.chunkSize)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		p.budget.release(grant)
		return nil, readFailure(uri, err)
	}
	s := &Stream{
		provider: p,
		uri:      uri,
		size:     size,
		file:     file,
		grant:    grant,
		buf:      make([]byte, grant),
		activity: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go s.watch(ctx)
	return s, nil
}

// Size reports the artifact size at open time.
func (s *Stream) Size() int64 {
	return s.size
}

// Next reads the next chunk. It returns io.EOF after the final chunk has
// been delivered.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		s.Close()
		return nil, err
	}
	select {
	case s.activity <- struct{}{}:
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, streamClosed(s.uri)
	}
	if s.offset >= s.size {
		return nil, io.EOF
	}
	n, err := s.file.ReadAt(s.buf, s.offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, readFailure(s.uri, err)
	}
	if n == 0 {
		return nil, io.EOF
	}
	s.offset += int64(n)
	chunk := make([]byte, n)
	copy(chunk, s.buf[:n])
	return chunk, nil
}

// Offset reports how far the stream has advanced, for restart after a
// transport failure.
func (s *Stream) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// Close releases the stream's file handle and budget reservation. It is
// idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	file := s.file
	s.file = nil
	s.buf = nil
	s.mu.Unlock()

	close(s.done)
	s.provider.budget.release(s.grant)
	if file != nil {
		return file.Close()
	}
	return nil
}

// watch tears the stream down when the consumer disconnects or goes silent
// for one heartbeat interval.
func (s *Stream) watch(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.Close()
			return
		case <-s.activity:
		case <-s.provider.clock.After(s.provider.heartbeat):
			s.provider.logger.Warn("resource.stream.abandoned", "uri", s.uri, "offset", s.Offset())
			s.Close()
			return
		}
	}
}

func streamClosed(uri string) api.Failure {
	return api.Failure{
		Code:       api.CodeSessionClosed,
		Detail:     "stream over " + uri + " is closed",
		Hint:       "reopen the stream and resume from the last delivered offset",
		HTTPStatus: 409,
	}
}
