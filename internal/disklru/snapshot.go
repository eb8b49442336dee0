package disklru

import (
	"fmt"
	"io"
	"os"
)

// Snapshot 是某个已提交条目的只读视图，持有打开的文件句柄，使用完需 Close。
type Snapshot struct {
	store    *Store
	key      string
	sequence int64
	files    []*os.File
	lengths  []int64
}

// Key 返回条目的磁盘 key。
func (s *Snapshot) Key() string {
	return s.key
}

// Reader 返回第 index 个值的读取端，index 越界时返回 nil。
func (s *Snapshot) Reader(index int) io.Reader {
	if !s.validIndex(index) {
		return nil
	}
	return s.files[index]
}

// Length 返回第 index 个值在提交时记录的字节数，index 越界时返回 0。
func (s *Snapshot) Length(index int) int64 {
	if !s.validIndex(index) {
		return 0
	}
	return s.lengths[index]
}

// ReadAll 读取第 index 个值的全部字节。
func (s *Snapshot) ReadAll(index int) ([]byte, error) {
	if !s.validIndex(index) {
		return nil, fmt.Errorf("value index %d out of range [0,%d)", index, len(s.files))
	}
	return io.ReadAll(s.files[index])
}

func (s *Snapshot) validIndex(index int) bool {
	return index >= 0 && index < len(s.files)
}

// Edit 仅当条目在 Snapshot 生成后未被重新提交时返回 Editor，否则返回 ErrStaleSnapshot。
func (s *Snapshot) Edit() (*Editor, error) {
	return s.store.edit(s.key, s.sequence)
}

// Close 关闭全部文件句柄。
func (s *Snapshot) Close() error {
	var firstErr error
	for _, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
