package disklru

import (
	"container/list"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultRebuildThreshold 是触发日志压缩的冗余记录下限。
const DefaultRebuildThreshold = 2000

var (
	// ErrNotFound 表示条目不存在或尚未提交。
	ErrNotFound = errors.New("disk cache entry not found")
	// ErrEditInProgress 表示同一个 key 已有打开的 Editor。
	ErrEditInProgress = errors.New("disk cache entry is being edited")
	// ErrStaleSnapshot 表示 Snapshot 生成后条目已被重新提交。
	ErrStaleSnapshot = errors.New("disk cache snapshot is stale")
	// ErrClosed 表示 Store 已关闭。
	ErrClosed = errors.New("disk cache is closed")
	// ErrInvalidKey 表示 key 不满足 [a-z0-9_-]{1,120}。
	ErrInvalidKey = errors.New("invalid disk cache key")
)

var keyPattern = regexp.MustCompile(`^[a-z0-9_-]{1,120}$`)

// Option 调整 Store 的可选参数。
type Option func(*Store)

// WithLogger 注入日志实例，默认丢弃输出。
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRebuildThreshold 设置日志压缩阈值，<=0 时使用默认值。
func WithRebuildThreshold(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.rebuildThreshold = n
		}
	}
}

// Store 是基于追加日志的磁盘 LRU 缓存。所有变更操作在 mu 下串行执行，
// 日志是重启后判断条目有效性的唯一依据。
type Store struct {
	dir              string
	appVersion       int
	valueCount       int
	rebuildThreshold int
	logger           logrus.FieldLogger

	mu           sync.Mutex
	maxSize      int64
	size         int64
	entries      map[string]*entry
	order        *list.List // Front = 最久未使用
	journal      *journalWriter
	redundantOps int
	nextSequence int64
	closed       bool
}

type entry struct {
	key      string
	lengths  []int64
	readable bool
	editor   *Editor
	sequence int64
	elem     *list.Element
}

func (e *entry) totalLength() int64 {
	var sum int64
	for _, n := range e.lengths {
		sum += n
	}
	return sum
}

// Stats 是磁盘层的只读快照，供诊断接口输出。
type Stats struct {
	Directory    string `json:"directory"`
	Entries      int    `json:"entries"`
	SizeBytes    int64  `json:"size_bytes"`
	MaxSizeBytes int64  `json:"max_size_bytes"`
	RedundantOps int    `json:"redundant_ops"`
	Closed       bool   `json:"closed"`
}

// Open 打开（或创建）dir 下的磁盘缓存并回放日志。日志损坏时整个目录被清空并重新初始化，
// 不会留下部分状态。
func Open(dir string, appVersion, valueCount int, maxSize int64, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("disk cache directory required")
	}
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be positive: %d", maxSize)
	}
	if valueCount <= 0 {
		return nil, fmt.Errorf("valueCount must be positive: %d", valueCount)
	}

	s := &Store{
		dir:              dir,
		appVersion:       appVersion,
		valueCount:       valueCount,
		rebuildThreshold: DefaultRebuildThreshold,
		logger:           discardLogger(),
		maxSize:          maxSize,
		nextSequence:     1,
		entries:          make(map[string]*entry),
		order:            list.New(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create disk cache directory: %w", err)
	}
	if err := s.restoreBackup(); err != nil {
		return nil, err
	}

	if _, err := os.Stat(s.path(journalFile)); err == nil {
		err := s.replay()
		if err == nil {
			s.logger.WithFields(logrus.Fields{
				"action":  "disk_open",
				"dir":     dir,
				"entries": len(s.entries),
				"size":    s.size,
			}).Debug("磁盘缓存日志回放完成")
			return s, nil
		}
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action": "disk_open",
			"dir":    dir,
		}).Warn("journal_corrupt_wipe")
		if s.journal != nil {
			_ = s.journal.close()
			s.journal = nil
		}
		if wipeErr := wipeDirectory(dir); wipeErr != nil {
			return nil, fmt.Errorf("wipe corrupt disk cache: %w", wipeErr)
		}
		s.resetState()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create disk cache directory: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rebuildJournalLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// restoreBackup 处理上次压缩中断留下的 journal.bkp。
func (s *Store) restoreBackup() error {
	backup := s.path(journalFileBackup)
	if _, err := os.Stat(backup); err != nil {
		return nil
	}
	if _, err := os.Stat(s.path(journalFile)); err == nil {
		return removeIfExists(backup)
	}
	return os.Rename(backup, s.path(journalFile))
}

func (s *Store) resetState() {
	s.entries = make(map[string]*entry)
	s.order = list.New()
	s.size = 0
	s.redundantOps = 0
}

// replay 读取日志重建内存索引，并清理没有 CLEAN 结尾的脏条目。
func (s *Store) replay() error {
	records, unterminated, err := readJournal(s.path(journalFile), s.appVersion, s.valueCount)
	if err != nil {
		return err
	}
	for _, rec := range records {
		s.applyRecord(rec)
	}
	s.redundantOps = len(records) - len(s.entries)

	if err := removeIfExists(s.path(journalFileTemp)); err != nil {
		return err
	}
	for key, e := range s.entries {
		if e.editor == nil {
			s.size += e.totalLength()
			continue
		}
		e.editor = nil
		for i := 0; i < s.valueCount; i++ {
			if err := removeIfExists(s.cleanPath(key, i)); err != nil {
				return err
			}
			if err := removeIfExists(s.dirtyPath(key, i)); err != nil {
				return err
			}
		}
		s.order.Remove(e.elem)
		delete(s.entries, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if unterminated {
		return s.rebuildJournalLocked()
	}
	journal, err := openJournalWriter(s.path(journalFile))
	if err != nil {
		return err
	}
	s.journal = journal
	return nil
}

// applyRecord 是日志回放的状态机：absent → dirty → clean(length)，REMOVE 清除。
// 每条记录都会把条目移动到最近使用端。
func (s *Store) applyRecord(rec record) {
	if rec.op == opRemove {
		if e, ok := s.entries[rec.key]; ok {
			s.order.Remove(e.elem)
			delete(s.entries, rec.key)
		}
		return
	}

	e, ok := s.entries[rec.key]
	if !ok && rec.op == opRead {
		return
	}
	if !ok {
		e = &entry{key: rec.key, lengths: make([]int64, s.valueCount)}
		e.elem = s.order.PushBack(e)
		s.entries[rec.key] = e
	} else {
		s.order.MoveToBack(e.elem)
	}

	switch rec.op {
	case opClean:
		e.readable = true
		e.editor = nil
		copy(e.lengths, rec.lengths)
	case opDirty:
		e.editor = &Editor{store: s, entry: e}
	}
}

// rebuildJournalLocked 以 tmp + rename 的方式写出只含当前状态的紧凑日志。
// 任何一步失败都保留旧日志继续追加，s.journal 不会因此变为 nil。
func (s *Store) rebuildJournalLocked() error {
	records := make([]record, 0, len(s.entries))
	for el := s.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.editor != nil {
			records = append(records, record{op: opDirty, key: e.key})
			continue
		}
		records = append(records, record{op: opClean, key: e.key, lengths: append([]int64(nil), e.lengths...)})
	}

	tmp := s.path(journalFileTemp)
	if err := writeCompactJournal(tmp, s.appVersion, s.valueCount, records); err != nil {
		_ = removeIfExists(tmp)
		return fmt.Errorf("write compact journal: %w", err)
	}

	current := s.path(journalFile)
	backup := s.path(journalFileBackup)
	hasCurrent := false
	if _, err := os.Stat(current); err == nil {
		if err := os.Rename(current, backup); err != nil {
			_ = removeIfExists(tmp)
			return fmt.Errorf("backup journal: %w", err)
		}
		hasCurrent = true
	}
	if err := os.Rename(tmp, current); err != nil {
		_ = removeIfExists(tmp)
		if hasCurrent {
			_ = os.Rename(backup, current)
		}
		return fmt.Errorf("install compact journal: %w", err)
	}

	journal, err := openJournalWriter(current)
	if err != nil {
		// 旧 writer 仍指向 backup 的 inode，把它放回原位就能继续使用。
		if hasCurrent {
			_ = os.Rename(backup, current)
		}
		return fmt.Errorf("open compact journal: %w", err)
	}
	if s.journal != nil {
		if err := s.journal.close(); err != nil {
			s.logger.WithError(err).WithField("action", "journal_rebuild").Warn("close old journal failed")
		}
	}
	s.journal = journal
	s.redundantOps = 0
	if err := removeIfExists(backup); err != nil {
		s.logger.WithError(err).WithField("action", "journal_rebuild").Warn("remove journal backup failed")
	}
	s.logger.WithFields(logrus.Fields{
		"action":  "journal_rebuild",
		"entries": len(records),
	}).Debug("磁盘缓存日志已压缩")
	return nil
}

// Get 返回 key 当前已提交值的只读句柄；条目未知、从未提交或文件丢失时返回 ErrNotFound。
func (s *Store) Get(key string) (*Snapshot, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	e, ok := s.entries[key]
	if !ok || !e.readable {
		return nil, ErrNotFound
	}

	files := make([]*os.File, 0, s.valueCount)
	for i := 0; i < s.valueCount; i++ {
		f, err := os.Open(s.cleanPath(key, i))
		if err != nil {
			for _, opened := range files {
				opened.Close()
			}
			if errors.Is(err, fs.ErrNotExist) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		files = append(files, f)
	}

	s.redundantOps++
	s.order.MoveToBack(e.elem)
	if err := s.journal.append(record{op: opRead, key: key}); err != nil {
		s.logger.WithError(err).WithField("action", "journal_append").Warn("append READ failed")
	}
	s.compactIfNeededLocked()

	return &Snapshot{
		store:    s,
		key:      key,
		sequence: e.sequence,
		files:    files,
		lengths:  append([]int64(nil), e.lengths...),
	}, nil
}

// Edit 打开 key 的独占写句柄；已有 Editor 时返回 ErrEditInProgress。
func (s *Store) Edit(key string) (*Editor, error) {
	return s.edit(key, -1)
}

func (s *Store) edit(key string, expectedSequence int64) (*Editor, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	e, ok := s.entries[key]
	if expectedSequence >= 0 && (!ok || e.sequence != expectedSequence) {
		return nil, ErrStaleSnapshot
	}
	created := false
	if !ok {
		e = &entry{key: key, lengths: make([]int64, s.valueCount)}
		e.elem = s.order.PushBack(e)
		s.entries[key] = e
		created = true
	} else if e.editor != nil {
		return nil, ErrEditInProgress
	} else {
		s.order.MoveToBack(e.elem)
	}

	editor := &Editor{store: s, entry: e, written: make([]bool, s.valueCount)}
	e.editor = editor

	// 先落 DIRTY，避免崩溃后遗留无主的临时文件。
	if err := s.journal.append(record{op: opDirty, key: key}); err != nil {
		e.editor = nil
		if created {
			s.order.Remove(e.elem)
			delete(s.entries, key)
		}
		return nil, fmt.Errorf("append DIRTY: %w", err)
	}
	return editor, nil
}

// completeEdit 在 mu 下结束一次编辑：成功则 rename dirty → clean 并写 CLEAN，
// 失败则删除临时文件，之前的 CLEAN 状态保持不变。
func (s *Store) completeEdit(editor *Editor, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := editor.entry
	if e.editor != editor {
		return ErrEditorClosed
	}
	editor.closeWriters()
	if success && editor.hasErrors.Load() {
		if err := s.finishLocked(editor, false); err != nil {
			return err
		}
		return ErrWriteFailed
	}

	if success && !e.readable {
		for i := 0; i < s.valueCount; i++ {
			if !editor.written[i] || !fileExists(s.dirtyPath(e.key, i)) {
				s.finishLocked(editor, false)
				return fmt.Errorf("%w: value %d", ErrIncompleteEdit, i)
			}
		}
	}
	return s.finishLocked(editor, success)
}

func (s *Store) finishLocked(editor *Editor, success bool) error {
	e := editor.entry
	editor.closeWriters()
	var firstErr error

	for i := 0; i < s.valueCount; i++ {
		dirty := s.dirtyPath(e.key, i)
		if !success {
			if err := removeIfExists(dirty); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}
		info, err := os.Stat(dirty)
		if err != nil {
			continue
		}
		if err := os.Rename(dirty, s.cleanPath(e.key, i)); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.size += info.Size() - e.lengths[i]
		e.lengths[i] = info.Size()
	}

	s.redundantOps++
	e.editor = nil
	if e.readable || success {
		e.readable = true
		if success {
			e.sequence = s.nextSequence
			s.nextSequence++
		}
		if err := s.journal.append(record{op: opClean, key: e.key, lengths: append([]int64(nil), e.lengths...)}); err != nil && firstErr == nil {
			firstErr = err
		}
	} else {
		s.order.Remove(e.elem)
		delete(s.entries, e.key)
		if err := s.journal.append(record{op: opRemove, key: e.key}); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.size > s.maxSize {
		s.trimLocked()
	}
	s.compactIfNeededLocked()
	return firstErr
}

// Remove 删除 key；条目正被编辑时不删除并返回 false。
func (s *Store) Remove(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	removed, err := s.removeLocked(key)
	s.compactIfNeededLocked()
	return removed, err
}

func (s *Store) removeLocked(key string) (bool, error) {
	e, ok := s.entries[key]
	if !ok || e.editor != nil {
		return false, nil
	}

	for i := 0; i < s.valueCount; i++ {
		if err := removeIfExists(s.cleanPath(key, i)); err != nil {
			return false, fmt.Errorf("remove %s: %w", s.cleanPath(key, i), err)
		}
		s.size -= e.lengths[i]
		e.lengths[i] = 0
	}

	s.redundantOps++
	s.order.Remove(e.elem)
	delete(s.entries, key)
	if err := s.journal.append(record{op: opRemove, key: key}); err != nil {
		return true, fmt.Errorf("append REMOVE: %w", err)
	}
	return true, nil
}

// trimLocked 按严格 LRU 顺序淘汰，跳过正在编辑的条目。
func (s *Store) trimLocked() {
	evicted := 0
	el := s.order.Front()
	for s.size > s.maxSize && el != nil {
		next := el.Next()
		e := el.Value.(*entry)
		if e.editor == nil {
			if _, err := s.removeLocked(e.key); err != nil {
				s.logger.WithError(err).WithFields(logrus.Fields{
					"action": "disk_trim",
					"key":    e.key,
				}).Warn("evict failed")
			} else {
				evicted++
			}
		}
		el = next
	}
	if evicted > 0 {
		s.logger.WithFields(logrus.Fields{
			"action":  "disk_trim",
			"evicted": evicted,
			"size":    s.size,
			"max":     s.maxSize,
		}).Debug("磁盘缓存淘汰完成")
	}
}

func (s *Store) compactIfNeededLocked() {
	if s.redundantOps < s.rebuildThreshold || s.redundantOps < len(s.entries) {
		return
	}
	if err := s.rebuildJournalLocked(); err != nil {
		s.logger.WithError(err).WithField("action", "journal_rebuild").Warn("journal rebuild failed")
	}
}

// Flush 执行一次淘汰并把日志强制写入持久化介质。
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.trimLocked()
	return s.journal.sync()
}

// Close 放弃所有未完成的编辑、淘汰到预算内并关闭日志，可重复调用。
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for _, e := range s.entriesSnapshot() {
		if e.editor != nil {
			if err := s.finishLocked(e.editor, false); err != nil {
				s.logger.WithError(err).WithField("action", "disk_close").Warn("abort editor failed")
			}
		}
	}
	s.trimLocked()
	err := s.journal.sync()
	if closeErr := s.journal.close(); err == nil {
		err = closeErr
	}
	s.journal = nil
	s.closed = true
	return err
}

// Delete 关闭缓存并删除目录中的全部内容。
func (s *Store) Delete() error {
	if err := s.Close(); err != nil {
		s.logger.WithError(err).WithField("action", "disk_delete").Warn("close before delete failed")
	}
	return wipeDirectory(s.dir)
}

func (s *Store) entriesSnapshot() []*entry {
	out := make([]*entry, 0, len(s.entries))
	for el := s.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry))
	}
	return out
}

// SetMaxSize 调整预算，必要时立即淘汰。
func (s *Store) SetMaxSize(maxSize int64) {
	if maxSize <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxSize = maxSize
	if !s.closed && s.size > s.maxSize {
		s.trimLocked()
	}
}

// Size 返回已提交条目的总字节数。
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// IsClosed 返回 Close 是否已被调用。
func (s *Store) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Directory 返回缓存根目录。
func (s *Store) Directory() string {
	return s.dir
}

// Keys 按 LRU 顺序（最久未使用在前）返回已提交的 key。
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for el := s.order.Front(); el != nil; el = el.Next() {
		if e := el.Value.(*entry); e.readable {
			keys = append(keys, e.key)
		}
	}
	return keys
}

// Stats 返回当前统计信息。
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Directory:    s.dir,
		Entries:      len(s.entries),
		SizeBytes:    s.size,
		MaxSizeBytes: s.maxSize,
		RedundantOps: s.redundantOps,
		Closed:       s.closed,
	}
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *Store) cleanPath(key string, index int) string {
	return filepath.Join(s.dir, key+"."+strconv.Itoa(index))
}

func (s *Store) dirtyPath(key string, index int) string {
	return s.cleanPath(key, index) + ".tmp"
}

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// wipeDirectory 删除目录下的全部文件但保留目录本身。
func wipeDirectory(dir string) error {
	items, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, item := range items {
		if err := os.RemoveAll(filepath.Join(dir, item.Name())); err != nil {
			return err
		}
	}
	return nil
}

func discardLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
