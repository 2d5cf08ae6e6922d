package source

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHolder(t *testing.T) {
	var h Holder
	_, err := h.Latest()
	assert.ErrorIs(t, err, ErrNoFrame)

	first := h.Publish(image.NewRGBA(image.Rect(0, 0, 4, 2)), time.Unix(1, 0))
	second := h.Publish(image.NewRGBA(image.Rect(0, 0, 8, 6)), time.Unix(2, 0))
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)

	latest, err := h.Latest()
	require.NoError(t, err)
	assert.Same(t, second, latest)
	assert.Equal(t, 8, latest.Width)
	assert.Equal(t, 6, latest.Height)
	assert.Equal(t, uint64(2), h.Published())
}

func TestStatic(t *testing.T) {
	s := NewStatic(image.NewGray(image.Rect(0, 0, 3, 3)))
	a, err := s.Latest()
	require.NoError(t, err)
	b, err := s.Latest()
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 3, a.Width)
}

func TestDecodeNV12(t *testing.T) {
	w, h := 4, 2
	data := make([]byte, w*h*3/2)
	for i := 0; i < w*h; i++ {
		data[i] = byte(10 * i)
	}
	// Two CbCr pairs for the 2x1 chroma grid.
	copy(data[w*h:], []byte{100, 200, 110, 210})

	img, err := DecodeNV12(data, w, h)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 2), img.Bounds())
	assert.Equal(t, uint8(50), img.YCbCrAt(1, 1).Y)
	assert.Equal(t, color.YCbCr{Y: 0, Cb: 100, Cr: 200}, img.YCbCrAt(0, 0))
	assert.Equal(t, color.YCbCr{Y: 70, Cb: 110, Cr: 210}, img.YCbCrAt(3, 1))

	_, err = DecodeNV12(data[:5], w, h)
	assert.Error(t, err)
	_, err = DecodeNV12(data, 3, 2)
	assert.Error(t, err)
}

func TestDecodeFormats(t *testing.T) {
	rgb := []byte{255, 0, 0, 0, 255, 0}
	img, err := Decode(FormatRGB, 2, 1, rgb)
	require.NoError(t, err)
	r, g, _, _ := img.At(1, 0).RGBA()
	assert.Zero(t, r)
	assert.Equal(t, uint32(0xffff), g)

	jpg := encodeJPEG(t, 16, 8)
	img, err = Decode(FormatJPEG, 0, 0, jpg)
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())

	_, err = Decode(FormatH264, 2, 2, nil)
	assert.Error(t, err)
	_, err = Decode(FormatJPEG, 0, 0, []byte("not a jpeg"))
	assert.Error(t, err)
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h)), nil))
	return buf.Bytes()
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, w, h))))
}

func TestDirSourceReplaysInOrder(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "b.png"), 20, 10)
	writePNG(t, filepath.Join(dir, "a.png"), 10, 10)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644))

	mock := clock.NewMock()
	src, err := NewDirSource(dir, 5, mock)
	require.NoError(t, err)
	assert.Equal(t, 2, src.Len())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	require.Eventually(t, func() bool { return src.Published() == 1 }, time.Second, time.Millisecond)
	f, err := src.Latest()
	require.NoError(t, err)
	assert.Equal(t, 10, f.Width, "a.png comes first")

	mock.Add(200 * time.Millisecond)
	require.Eventually(t, func() bool { return src.Published() == 2 }, time.Second, time.Millisecond)
	f, err = src.Latest()
	require.NoError(t, err)
	assert.Equal(t, 20, f.Width)

	mock.Add(200 * time.Millisecond)
	require.Eventually(t, func() bool { return src.Published() == 3 }, time.Second, time.Millisecond)
	f, err = src.Latest()
	require.NoError(t, err)
	assert.Equal(t, 10, f.Width, "playlist loops")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestDirSourceErrors(t *testing.T) {
	_, err := NewDirSource(filepath.Join(t.TempDir(), "missing"), 5, nil)
	assert.Error(t, err)

	_, err = NewDirSource(t.TempDir(), 5, nil)
	assert.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.jpg"), []byte("nope"), 0o644))
	_, err = NewDirSource(dir, 5, nil)
	assert.Error(t, err)
}

func mjpegHandler(t *testing.T, frames int, w, h int) http.HandlerFunc {
	jpg := encodeJPEG(t, w, h)
	return func(rw http.ResponseWriter, r *http.Request) {
		mw := multipart.NewWriter(rw)
		_ = mw.SetBoundary("frame")
		rw.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		for i := 0; i < frames; i++ {
			pw, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"image/jpeg"}})
			if err != nil {
				return
			}
			_, _ = pw.Write(jpg)
		}
		_ = mw.Close()
	}
}

func TestMJPEGSourceReadsFrames(t *testing.T) {
	srv := httptest.NewServer(mjpegHandler(t, 3, 32, 24))
	defer srv.Close()

	src := NewMJPEGSource(srv.URL, WithHTTPClient(srv.Client()), WithRetryDelay(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	require.Eventually(t, func() bool { return src.Published() >= 3 }, 2*time.Second, time.Millisecond)
	f, err := src.Latest()
	require.NoError(t, err)
	assert.Equal(t, 32, f.Width)
	assert.Equal(t, 24, f.Height)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestMJPEGSourceReconnects(t *testing.T) {
	var hits atomic.Int32
	stream := mjpegHandler(t, 1, 8, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(rw, "warming up", http.StatusServiceUnavailable)
			return
		}
		stream(rw, r)
	}))
	defer srv.Close()

	src := NewMJPEGSource(srv.URL, WithRetryDelay(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = src.Run(ctx) }()

	require.Eventually(t, func() bool { return src.Published() >= 1 }, 2*time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, hits.Load(), int32(2))
}

func TestMJPEGSourceRejectsNonMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "image/jpeg")
		_, _ = rw.Write([]byte("x"))
	}))
	defer srv.Close()

	src := NewMJPEGSource(srv.URL)
	err := src.stream(context.Background())
	assert.ErrorContains(t, err, "unexpected content type")
	_, err = src.Latest()
	assert.ErrorIs(t, err, ErrNoFrame)
}
