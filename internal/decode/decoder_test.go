package decode

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func TestImageDecoderReadsDimensions(t *testing.T) {
	raw := encodePNG(t, 400, 200)
	v, err := ImageDecoder{}.Decode(raw, "", SizeHint{Width: 100, Height: 50}, nil)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	blob := v.(*Blob)
	if w, h := blob.Dimensions(); w != 400 || h != 200 {
		t.Fatalf("unexpected dimensions %dx%d", w, h)
	}
	if blob.SampleSize() != 4 {
		t.Fatalf("expected sample size 4, got %d", blob.SampleSize())
	}
	if blob.ContentType() != "image/png" {
		t.Fatalf("expected content type from format, got %s", blob.ContentType())
	}
	if !bytes.Equal(blob.Bytes(), raw) {
		t.Fatalf("decoded blob should keep the encoded bytes")
	}
}

func TestImageDecoderRejectsGarbage(t *testing.T) {
	_, err := ImageDecoder{}.Decode([]byte("not an image"), "image/png", Unbounded, nil)
	if !errors.Is(err, ErrUndecodable) {
		t.Fatalf("expected ErrUndecodable, got %v", err)
	}
}

func TestSampleSize(t *testing.T) {
	cases := []struct {
		name          string
		width, height int
		hint          SizeHint
		want          int
	}{
		{name: "unbounded", width: 4000, height: 3000, hint: Unbounded, want: 1},
		{name: "smaller than hint", width: 50, height: 50, hint: SizeHint{Width: 100, Height: 100}, want: 1},
		{name: "exact half", width: 200, height: 200, hint: SizeHint{Width: 100, Height: 100}, want: 2},
		{name: "limited by height", width: 1600, height: 400, hint: SizeHint{Width: 100, Height: 100}, want: 4},
		{name: "invalid hint", width: 800, height: 800, hint: SizeHint{Width: 0, Height: 100}, want: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SampleSize(tc.width, tc.height, tc.hint); got != tc.want {
				t.Fatalf("SampleSize(%d,%d,%+v)=%d want %d", tc.width, tc.height, tc.hint, got, tc.want)
			}
		})
	}
}

func TestSizeHintNormalize(t *testing.T) {
	if (SizeHint{Width: -1, Height: 10}).Normalize() != Unbounded {
		t.Fatalf("invalid hint should normalize to Unbounded")
	}
	hint := SizeHint{Width: 10, Height: 20}
	if hint.Normalize() != hint {
		t.Fatalf("valid hint should be preserved")
	}
}

func TestPassthroughUsesPool(t *testing.T) {
	pool := &fakePool{buf: make([]byte, 0, 64)}
	v, err := Passthrough{}.Decode([]byte("payload"), "application/octet-stream", Unbounded, pool)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	blob := v.(*Blob)
	if string(blob.Bytes()) != "payload" {
		t.Fatalf("unexpected bytes %q", blob.Bytes())
	}
	if blob.SizeBytes() != 64 {
		t.Fatalf("size should reflect the pooled capacity, got %d", blob.SizeBytes())
	}
	if pool.calls != 1 {
		t.Fatalf("expected pool to be consulted once")
	}
}

func TestBlobRecycleRespectsReferences(t *testing.T) {
	blob := NewPooledBlob(make([]byte, 8), "x")
	if !blob.TryRetain() {
		t.Fatalf("retain should succeed")
	}
	if _, ok := blob.Recycle(); ok {
		t.Fatalf("retained blob must not be recycled")
	}
	blob.Release()
	buf, ok := blob.Recycle()
	if !ok || cap(buf) != 8 {
		t.Fatalf("unreferenced blob should hand back its buffer")
	}
	if blob.TryRetain() {
		t.Fatalf("recycled blob must refuse new references")
	}

	owned := NewBlob([]byte("caller"), "x")
	if _, ok := owned.Recycle(); ok {
		t.Fatalf("caller-owned bytes must never be recycled")
	}
}

func TestJPEGEncoderReencodes(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	var src bytes.Buffer
	if err := jpeg.Encode(&src, img, &jpeg.Options{Quality: 100}); err != nil {
		t.Fatalf("encode source: %v", err)
	}
	blob := NewBlob(src.Bytes(), "image/jpeg")

	var out bytes.Buffer
	if err := (JPEGEncoder{}).Encode(&out, blob, 50); err != nil {
		t.Fatalf("encode error: %v", err)
	}
	if _, err := jpeg.DecodeConfig(bytes.NewReader(out.Bytes())); err != nil {
		t.Fatalf("output is not a jpeg: %v", err)
	}

	var raw bytes.Buffer
	if err := (JPEGEncoder{}).Encode(&raw, NewBlob([]byte("plain"), "text/plain"), 50); err != nil {
		t.Fatalf("encode error: %v", err)
	}
	if raw.String() != "plain" {
		t.Fatalf("non-jpeg blobs should be written verbatim, got %q", raw.String())
	}
}

type fakePool struct {
	buf   []byte
	calls int
}

func (p *fakePool) TakeFit(n int) []byte {
	p.calls++
	return p.buf[:n]
}

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}
