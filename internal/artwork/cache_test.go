package artwork

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mpdmirror/internal/protocol"
)

var jpegImage = append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, bytes.Repeat([]byte{0xAB}, 60)...)

// imageServer serves one image in fixed-size chunks, mimicking the server's
// offset-based binary responses.
type imageServer struct {
	image []byte
	chunk int
	err   error
	delay time.Duration

	mu       sync.Mutex
	calls    int32
	starts   int32
	lastName string
}

func (f *imageServer) Execute(_ context.Context, cmd protocol.Command) (*protocol.Response, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	parts := strings.Fields(cmd.String())
	offset, _ := strconv.Atoi(parts[len(parts)-1])
	if offset == 0 {
		atomic.AddInt32(&f.starts, 1)
	}
	f.mu.Lock()
	f.lastName = cmd.Name()
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	end := offset + f.chunk
	if end > len(f.image) {
		end = len(f.image)
	}
	resp := &protocol.Response{
		Pairs: []protocol.Pair{{Key: "size", Value: strconv.Itoa(len(f.image))}},
	}
	if offset < end {
		resp.Binary = f.image[offset:end]
	}
	return resp, nil
}

func (f *imageServer) callCount() int32  { return atomic.LoadInt32(&f.calls) }
func (f *imageServer) startCount() int32 { return atomic.LoadInt32(&f.starts) }

func TestChunkedReassembly(t *testing.T) {
	srv := &imageServer{image: jpegImage, chunk: 7}
	c := NewCache(srv, 0)

	key := Key{Identity: "rock/a", Strategy: StrategyLibrary}
	entry, err := c.Get(context.Background(), key, "rock/a/1.flac")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(entry.Data, jpegImage) {
		t.Error("reassembled image differs from the source")
	}
	if entry.MIME != "image/jpeg" {
		t.Errorf("MIME: got %q", entry.MIME)
	}
	if entry.Size != len(jpegImage) {
		t.Errorf("Size: got %d, want %d", entry.Size, len(jpegImage))
	}
	wantCalls := int32((len(jpegImage) + 6) / 7)
	if got := srv.callCount(); got != wantCalls {
		t.Errorf("expected %d chunk exchanges, got %d", wantCalls, got)
	}
}

func TestStrategySelectsCommand(t *testing.T) {
	srv := &imageServer{image: jpegImage, chunk: 64}
	c := NewCache(srv, 0)

	c.Get(context.Background(), Key{Identity: "rock/a", Strategy: StrategyLibrary}, "rock/a/1.flac")
	if srv.lastName != "albumart" {
		t.Errorf("library strategy sent %q", srv.lastName)
	}

	c.Get(context.Background(), Key{Identity: "rock/a/1.flac", Strategy: StrategyMetadata}, "rock/a/1.flac")
	if srv.lastName != "readpicture" {
		t.Errorf("metadata strategy sent %q", srv.lastName)
	}
}

func TestCacheHitSkipsServer(t *testing.T) {
	srv := &imageServer{image: jpegImage, chunk: 64}
	c := NewCache(srv, 0)
	key := Key{Identity: "rock/a", Strategy: StrategyLibrary}

	first, err := c.Get(context.Background(), key, "rock/a/1.flac")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	calls := srv.callCount()

	second, err := c.Get(context.Background(), key, "rock/a/2.flac")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if srv.callCount() != calls {
		t.Error("cache hit still reached the server")
	}
	if first != second {
		t.Error("cache hit must return the shared entry")
	}
}

func TestConcurrentGetsShareOneFetch(t *testing.T) {
	srv := &imageServer{image: jpegImage, chunk: 64, delay: 10 * time.Millisecond}
	c := NewCache(srv, 0)
	key := Key{Identity: "rock/a", Strategy: StrategyLibrary}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	entries := make([]*Entry, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entries[i], errs[i] = c.Get(context.Background(), key, "rock/a/1.flac")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Get %d: %v", i, errs[i])
		}
		if entries[i] != entries[0] {
			t.Error("concurrent callers must share one entry")
		}
	}
	if got := srv.startCount(); got != 1 {
		t.Errorf("expected a single fetch for %d concurrent gets, got %d", n, got)
	}
}

func TestNegativeCacheWithinTTL(t *testing.T) {
	srv := &imageServer{err: &protocol.CommandError{Code: protocol.CodeNoExist, Command: "albumart", Message: "No file exists"}}
	c := NewCache(srv, time.Minute)

	clock := time.Now()
	c.now = func() time.Time { return clock }

	key := Key{Identity: "rock/a", Strategy: StrategyLibrary}
	if _, err := c.Get(context.Background(), key, "rock/a/1.flac"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	calls := srv.callCount()

	// Within the TTL the miss is served from memory.
	clock = clock.Add(30 * time.Second)
	if _, err := c.Get(context.Background(), key, "rock/a/1.flac"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if srv.callCount() != calls {
		t.Error("negative cache hit still reached the server")
	}

	// Past the TTL the fetch runs again, and artwork added server-side in
	// the meantime is picked up.
	clock = clock.Add(time.Minute)
	srv.err = nil
	srv.image = jpegImage
	srv.chunk = 64
	entry, err := c.Get(context.Background(), key, "rock/a/1.flac")
	if err != nil {
		t.Fatalf("Get after TTL: %v", err)
	}
	if entry.MIME != "image/jpeg" {
		t.Errorf("unexpected entry: %+v", entry)
	}
}

func TestUnsupportedEncodingIsNegativeCached(t *testing.T) {
	srv := &imageServer{image: []byte("certainly not an image bytes"), chunk: 64}
	c := NewCache(srv, time.Minute)
	key := Key{Identity: "rock/a", Strategy: StrategyLibrary}

	if _, err := c.Get(context.Background(), key, "rock/a/1.flac"); !errors.Is(err, ErrUnsupportedEncoding) {
		t.Fatalf("expected ErrUnsupportedEncoding, got %v", err)
	}
	calls := srv.callCount()
	if _, err := c.Get(context.Background(), key, "rock/a/1.flac"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected negative-cached ErrNotFound, got %v", err)
	}
	if srv.callCount() != calls {
		t.Error("negative cache hit still reached the server")
	}
}

func TestTransportErrorIsNotNegativeCached(t *testing.T) {
	srv := &imageServer{err: errors.New("connection reset")}
	c := NewCache(srv, time.Minute)
	key := Key{Identity: "rock/a", Strategy: StrategyLibrary}

	if _, err := c.Get(context.Background(), key, "rock/a/1.flac"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected transport error, got %v", err)
	}

	// The next request retries instead of reporting a remembered miss.
	srv.err = nil
	srv.image = jpegImage
	srv.chunk = 64
	if _, err := c.Get(context.Background(), key, "rock/a/1.flac"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
}

func TestClearDropsEntries(t *testing.T) {
	srv := &imageServer{image: jpegImage, chunk: 64}
	c := NewCache(srv, 0)
	key := Key{Identity: "rock/a", Strategy: StrategyLibrary}

	c.Get(context.Background(), key, "rock/a/1.flac")
	c.Clear()
	c.Get(context.Background(), key, "rock/a/1.flac")

	if got := srv.startCount(); got != 2 {
		t.Errorf("expected refetch after Clear, got %d fetches", got)
	}
}

func TestEmptyImageIsNotFound(t *testing.T) {
	srv := &imageServer{image: nil, chunk: 64}
	c := NewCache(srv, time.Minute)
	key := Key{Identity: "rock/a", Strategy: StrategyLibrary}

	if _, err := c.Get(context.Background(), key, "rock/a/1.flac"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for zero-size image, got %v", err)
	}
}

func TestDetectMIME(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want string
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00}, "image/jpeg"},
		{"png", []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, "image/png"},
		{"gif", []byte("GIF89a"), "image/gif"},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBP"), "image/webp"},
		{"unknown", []byte("plain text"), "application/octet-stream"},
		{"short", []byte{0xFF}, "application/octet-stream"},
	}
	for _, c := range cases {
		if got := DetectMIME(c.data); got != c.want {
			t.Errorf("%s: got %q, want %q", c.name, got, c.want)
		}
	}
}
