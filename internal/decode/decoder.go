package decode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"strings"
)

// ErrUndecodable 表示原始字节不是解码器能识别的格式。
var ErrUndecodable = errors.New("payload cannot be decoded")

// BufferPool 在分配新的解码缓冲区前提供可复用的候选。
type BufferPool interface {
	TakeFit(n int) []byte
}

// Decoder 把原始下载字节转换成可缓存的值。
type Decoder interface {
	Decode(raw []byte, contentType string, hint SizeHint, pool BufferPool) (Value, error)
}

// Encoder 把值写回磁盘层使用的字节形式。
type Encoder interface {
	Encode(w io.Writer, v Value, quality int) error
}

// DecoderFunc 让普通函数满足 Decoder。
type DecoderFunc func(raw []byte, contentType string, hint SizeHint, pool BufferPool) (Value, error)

// Decode 调用 f。
func (f DecoderFunc) Decode(raw []byte, contentType string, hint SizeHint, pool BufferPool) (Value, error) {
	return f(raw, contentType, hint, pool)
}

// Passthrough 把原始字节复制进（可能复用的）缓冲区，不做任何转换。
type Passthrough struct{}

// Decode 实现 Decoder。
func (Passthrough) Decode(raw []byte, contentType string, _ SizeHint, pool BufferPool) (Value, error) {
	return NewPooledBlob(copyInto(pool, raw), contentType), nil
}

// ImageDecoder 读取图片头部得到宽高，并按尺寸提示计算采样率；像素数据保持编码形式。
type ImageDecoder struct{}

// Decode 实现 Decoder。
func (ImageDecoder) Decode(raw []byte, contentType string, hint SizeHint, pool BufferPool) (Value, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if contentType == "" || !strings.HasPrefix(contentType, "image/") {
		contentType = "image/" + format
	}
	blob := NewPooledBlob(copyInto(pool, raw), contentType)
	return blob.WithDimensions(cfg.Width, cfg.Height, SampleSize(cfg.Width, cfg.Height, hint)), nil
}

// SampleSize 返回使 width/height 缩小后仍不小于提示尺寸的最大 2 的幂。
func SampleSize(width, height int, hint SizeHint) int {
	sample := 1
	if !hint.Bounded() || width <= 0 || height <= 0 {
		return sample
	}
	if height > hint.Height || width > hint.Width {
		halfHeight := height / 2
		halfWidth := width / 2
		for halfHeight/sample >= hint.Height && halfWidth/sample >= hint.Width {
			sample *= 2
		}
	}
	return sample
}

// BlobEncoder 原样写出 Blob 的字节，quality 被忽略。
type BlobEncoder struct{}

// Encode 实现 Encoder。
func (BlobEncoder) Encode(w io.Writer, v Value, _ int) error {
	blob, ok := v.(*Blob)
	if !ok {
		return fmt.Errorf("blob encoder cannot encode %T", v)
	}
	_, err := w.Write(blob.Bytes())
	return err
}

// JPEGEncoder 以指定质量重新编码 image/jpeg 的 Blob，其它内容交给 BlobEncoder。
type JPEGEncoder struct{}

// Encode 实现 Encoder。
func (JPEGEncoder) Encode(w io.Writer, v Value, quality int) error {
	blob, ok := v.(*Blob)
	if !ok || blob.ContentType() != "image/jpeg" || quality <= 0 || quality >= 100 {
		return BlobEncoder{}.Encode(w, v, quality)
	}
	img, err := jpeg.Decode(bytes.NewReader(blob.Bytes()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}

func copyInto(pool BufferPool, raw []byte) []byte {
	var buf []byte
	if pool != nil {
		buf = pool.TakeFit(len(raw))
	} else {
		buf = make([]byte, len(raw))
	}
	copy(buf, raw)
	return buf
}
