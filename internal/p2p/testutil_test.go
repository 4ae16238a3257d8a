package p2p

import "sync"

// memSource is a Source backed by an in-memory byte slice.
type memSource struct {
	name string
	mime string
	data []byte
}

func (s *memSource) Name() string { return s.name }
func (s *memSource) Size() int64  { return int64(len(s.data)) }
func (s *memSource) MIME() string { return s.mime }

func (s *memSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(s.data)) {
		return 0, nil
	}

	n := copy(p, s.data[off:])

	return n, nil
}

// memSink is a Sink collecting writes into a fixed-size in-memory buffer.
type memSink struct {
	mu   sync.Mutex
	data []byte
}

func newMemSink(size int64) *memSink {
	return &memSink{data: make([]byte, size)}
}

func (s *memSink) WriteAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := copy(s.data[off:], p)

	return n, nil
}

func (s *memSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]byte, len(s.data))
	copy(out, s.data)

	return out
}
