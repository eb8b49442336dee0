package disklru

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// 磁盘布局：
//
//	<dir>/journal       # 当前日志
//	<dir>/journal.tmp   # 压缩重写时的暂存文件
//	<dir>/journal.bkp   # 旧日志，直到新日志确认写入后才删除
//	<dir>/<key>.<i>     # 已提交的值
//	<dir>/<key>.<i>.tmp # 编辑中的值
const (
	journalFile       = "journal"
	journalFileTemp   = "journal.tmp"
	journalFileBackup = "journal.bkp"

	journalMagic   = "libcore.io.DiskLruCache"
	journalVersion = "1"

	opClean  = "CLEAN"
	opDirty  = "DIRTY"
	opRemove = "REMOVE"
	opRead   = "READ"
)

// ErrCorruptJournal 表示日志头不匹配或记录无法解析，调用方应清空目录后重建。
var ErrCorruptJournal = errors.New("disk cache journal corrupt")

// record 对应日志中的一行。
type record struct {
	op      string
	key     string
	lengths []int64
}

func (r record) String() string {
	if r.op != opClean {
		return r.op + " " + r.key
	}
	var b strings.Builder
	b.WriteString(opClean)
	b.WriteByte(' ')
	b.WriteString(r.key)
	for _, n := range r.lengths {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(n, 10))
	}
	return b.String()
}

// journalHeader 返回固定的 4 行头部 + 空行。
func journalHeader(appVersion, valueCount int) string {
	return journalMagic + "\n" +
		journalVersion + "\n" +
		strconv.Itoa(appVersion) + "\n" +
		strconv.Itoa(valueCount) + "\n" +
		"\n"
}

// readJournal 读取并校验日志文件，返回全部完整记录。最后一行若缺少换行符
// 会被丢弃，并通过 unterminated 通知调用方重写日志。
func readJournal(path string, appVersion, valueCount int) (records []record, unterminated bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	if err := readHeader(r, appVersion, valueCount); err != nil {
		return nil, false, err
	}

	for lineNo := 6; ; lineNo++ {
		line, readErr := r.ReadString('\n')
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return records, line != "", nil
			}
			return nil, false, readErr
		}
		rec, parseErr := parseRecord(strings.TrimSuffix(line, "\n"), valueCount)
		if parseErr != nil {
			return nil, false, fmt.Errorf("%w: line %d: %v", ErrCorruptJournal, lineNo, parseErr)
		}
		records = append(records, rec)
	}
}

func readHeader(r *bufio.Reader, appVersion, valueCount int) error {
	want := []string{
		journalMagic,
		journalVersion,
		strconv.Itoa(appVersion),
		strconv.Itoa(valueCount),
		"",
	}
	for i, expected := range want {
		line, err := r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("%w: truncated header", ErrCorruptJournal)
		}
		if got := strings.TrimSuffix(line, "\n"); got != expected {
			return fmt.Errorf("%w: header line %d: expected %q, got %q", ErrCorruptJournal, i+1, expected, got)
		}
	}
	return nil
}

func parseRecord(line string, valueCount int) (record, error) {
	parts := strings.Split(line, " ")
	if len(parts) < 2 || parts[1] == "" {
		return record{}, fmt.Errorf("unexpected journal line %q", line)
	}
	rec := record{op: parts[0], key: parts[1]}

	switch rec.op {
	case opClean:
		if len(parts) != 2+valueCount {
			return record{}, fmt.Errorf("unexpected journal line %q", line)
		}
		rec.lengths = make([]int64, valueCount)
		for i, raw := range parts[2:] {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || n < 0 {
				return record{}, fmt.Errorf("invalid length in journal line %q", line)
			}
			rec.lengths[i] = n
		}
	case opDirty, opRemove, opRead:
		if len(parts) != 2 {
			return record{}, fmt.Errorf("unexpected journal line %q", line)
		}
	default:
		return record{}, fmt.Errorf("unexpected journal line %q", line)
	}
	return rec, nil
}

// errJournalUnavailable 表示当前没有可写的日志。
var errJournalUnavailable = errors.New("disk cache journal unavailable")

// journalWriter 以追加方式写日志，每条记录写完立即 flush 到内核。
type journalWriter struct {
	file *os.File
	buf  *bufio.Writer
}

func openJournalWriter(path string) (*journalWriter, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &journalWriter{file: f, buf: bufio.NewWriter(f)}, nil
}

func (j *journalWriter) append(rec record) error {
	if j == nil {
		return errJournalUnavailable
	}
	if _, err := j.buf.WriteString(rec.String()); err != nil {
		return err
	}
	if err := j.buf.WriteByte('\n'); err != nil {
		return err
	}
	return j.buf.Flush()
}

// sync 把缓冲与页缓存一起刷到持久化介质。
func (j *journalWriter) sync() error {
	if j == nil {
		return errJournalUnavailable
	}
	if err := j.buf.Flush(); err != nil {
		return err
	}
	return j.file.Sync()
}

func (j *journalWriter) close() error {
	if j == nil {
		return nil
	}
	flushErr := j.buf.Flush()
	closeErr := j.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// writeCompactJournal 把当前有效状态写到 path（通常是 journal.tmp），并 fsync。
func writeCompactJournal(path string, appVersion, valueCount int, records []record) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if _, err := w.WriteString(journalHeader(appVersion, valueCount)); err != nil {
		f.Close()
		return err
	}
	for _, rec := range records {
		if _, err := w.WriteString(rec.String() + "\n"); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
