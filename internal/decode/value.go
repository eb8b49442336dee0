package decode

import (
	"sync/atomic"
)

// Value 是可以放进内存层的解码结果，SizeBytes 用于预算计量。
type Value interface {
	SizeBytes() int64
}

// Retainer 由引用计数的值实现。TryRetain 在值已被回收时返回 false，
// 调用方应把这种情况当作未命中处理。
type Retainer interface {
	TryRetain() bool
	Release()
}

// Recyclable 由持有可复用缓冲区的值实现。只有在没有任何引用时 Recycle 才会交出缓冲区，
// 交出后该值不可再读取。
type Recyclable interface {
	Recycle() ([]byte, bool)
}

// SizeHint 是目标展示尺寸，Width/Height <= 0 表示不限制。
type SizeHint struct {
	Width  int
	Height int
}

// Unbounded 表示没有尺寸限制。
var Unbounded = SizeHint{}

// Bounded 报告两个维度是否都给出了正数。
func (h SizeHint) Bounded() bool {
	return h.Width > 0 && h.Height > 0
}

// Normalize 把任一维度无效的提示折叠为 Unbounded。
func (h SizeHint) Normalize() SizeHint {
	if !h.Bounded() {
		return Unbounded
	}
	return h
}

// Blob 是默认的值类型：编码后的字节加上可选的图片元数据。
// refs == -1 表示缓冲区已经交还复用池。
type Blob struct {
	data        []byte
	contentType string
	width       int
	height      int
	sampleSize  int
	mutable     bool
	refs        atomic.Int32
}

// NewBlob 包装调用方持有的字节，Blob 不会把它交给复用池。
func NewBlob(data []byte, contentType string) *Blob {
	return &Blob{data: data, contentType: contentType, sampleSize: 1}
}

// NewPooledBlob 包装从复用池取得的缓冲区，淘汰且无引用时可被回收。
func NewPooledBlob(data []byte, contentType string) *Blob {
	return &Blob{data: data, contentType: contentType, sampleSize: 1, mutable: true}
}

// WithDimensions 记录原始宽高与采样率。
func (b *Blob) WithDimensions(width, height, sampleSize int) *Blob {
	b.width = width
	b.height = height
	if sampleSize < 1 {
		sampleSize = 1
	}
	b.sampleSize = sampleSize
	return b
}

// Bytes 返回底层字节，调用方不得修改。
func (b *Blob) Bytes() []byte {
	return b.data
}

// ContentType 返回内容类型。
func (b *Blob) ContentType() string {
	return b.contentType
}

// Dimensions 返回原始宽高，未知时为 0。
func (b *Blob) Dimensions() (int, int) {
	return b.width, b.height
}

// SampleSize 返回按尺寸提示计算出的 2 的幂采样率。
func (b *Blob) SampleSize() int {
	return b.sampleSize
}

// SizeBytes 返回缓冲区容量，作为内存预算的计量依据。
func (b *Blob) SizeBytes() int64 {
	return int64(cap(b.data))
}

// TryRetain 增加引用计数，已回收时返回 false。
func (b *Blob) TryRetain() bool {
	for {
		refs := b.refs.Load()
		if refs < 0 {
			return false
		}
		if b.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// Release 释放一次 TryRetain 获得的引用。
func (b *Blob) Release() {
	for {
		refs := b.refs.Load()
		if refs <= 0 {
			return
		}
		if b.refs.CompareAndSwap(refs, refs-1) {
			return
		}
	}
}

// Recycle 在缓冲区可变且无引用时交出它。
func (b *Blob) Recycle() ([]byte, bool) {
	if !b.mutable || !b.refs.CompareAndSwap(0, -1) {
		return nil, false
	}
	data := b.data
	b.data = nil
	return data, true
}
