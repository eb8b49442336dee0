package disklru

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
)

var (
	// ErrEditorClosed 表示 Editor 已经提交或放弃。
	ErrEditorClosed = errors.New("disk cache editor already completed")
	// ErrIncompleteEdit 表示新条目的某个值没有写入，提交被放弃。
	ErrIncompleteEdit = errors.New("disk cache edit did not write every value")
	// ErrWriteFailed 表示写入临时文件时出现 IO 错误，提交被放弃。
	ErrWriteFailed = errors.New("disk cache edit failed to write value")
)

// Editor 是某个条目的独占写句柄。值先写入 <key>.<i>.tmp，Commit 时 rename 为正式文件。
type Editor struct {
	store     *Store
	entry     *entry
	written   []bool
	hasErrors atomic.Bool
	writers   []*editorWriter
}

// Key 返回正在编辑的 key。
func (e *Editor) Key() string {
	return e.entry.key
}

// NewWriter 返回第 index 个值的写入端。写入错误不会直接抛给调用方，
// 而是在 Commit 时统一转为 ErrWriteFailed。
func (e *Editor) NewWriter(index int) (io.WriteCloser, error) {
	s := e.store
	if index < 0 || index >= s.valueCount {
		return nil, fmt.Errorf("value index %d out of range [0,%d)", index, s.valueCount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e.entry.editor != e {
		return nil, ErrEditorClosed
	}

	if !e.entry.readable {
		e.written[index] = true
	}
	path := s.dirtyPath(e.entry.key, index)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		// 目录可能被外部删除，重建后再试一次。
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, err
		}
		if f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644); err != nil {
			return nil, err
		}
	}
	w := &editorWriter{file: f, editor: e}
	e.writers = append(e.writers, w)
	return w, nil
}

// Set 把 data 完整写入第 index 个值。
func (e *Editor) Set(index int, data []byte) error {
	w, err := e.NewWriter(index)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Commit 提交编辑，使其对 Get 可见。重复调用返回 ErrEditorClosed 且不改变状态。
func (e *Editor) Commit() error {
	if e.hasErrors.Load() {
		if err := e.store.completeEdit(e, false); err != nil {
			return err
		}
		return ErrWriteFailed
	}
	return e.store.completeEdit(e, true)
}

// Abort 放弃编辑并删除临时文件，条目之前的 CLEAN 状态保持不变。可重复调用。
func (e *Editor) Abort() error {
	err := e.store.completeEdit(e, false)
	if errors.Is(err, ErrEditorClosed) {
		return nil
	}
	return err
}

func (e *Editor) closeWriters() {
	for _, w := range e.writers {
		w.closeFile()
	}
	e.writers = nil
}

// editorWriter 吞掉 IO 错误并标记 Editor，保证失败的写入只会导致 abort。
type editorWriter struct {
	file   *os.File
	editor *Editor
	closed atomic.Bool
}

func (w *editorWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	if err != nil {
		w.editor.hasErrors.Store(true)
	}
	return n, err
}

func (w *editorWriter) Close() error {
	return w.closeFile()
}

func (w *editorWriter) closeFile() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := w.file.Close(); err != nil {
		w.editor.hasErrors.Store(true)
		return err
	}
	return nil
}
