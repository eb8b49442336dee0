package cache

import (
	"crypto"
	"crypto/md5"
	"encoding/hex"
	"hash/fnv"
	"strconv"
)

// digestAvailable 可在测试中替换以模拟摘要算法缺失。
var digestAvailable = func() bool { return crypto.MD5.Available() }

// HashKey 把逻辑 key 映射为 32 位小写十六进制的 MD5 摘要。摘要不可用时退化为
// fnv32a 的十进制表示，并通过 degraded 告知调用方。
func HashKey(logicalKey string) (key string, degraded bool) {
	if !digestAvailable() {
		h := fnv.New32a()
		_, _ = h.Write([]byte(logicalKey))
		return strconv.FormatUint(uint64(h.Sum32()), 10), true
	}
	sum := md5.Sum([]byte(logicalKey))
	return hex.EncodeToString(sum[:]), false
}

// HashKey 与包级 HashKey 相同，退化模式只在第一次出现时记录 Warn 日志。
func (c *Cache) HashKey(logicalKey string) string {
	key, degraded := HashKey(logicalKey)
	if degraded && c.degradedHash.CompareAndSwap(false, true) {
		c.logger.WithField("action", "hash_key").Warn("digest_unavailable: MD5 不可用，使用较弱的数值哈希")
	}
	return key
}
