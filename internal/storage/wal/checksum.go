package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 涵蓋 Timestamp 與 Checksum 以外的所有欄位，以 '|' 分隔後使用 CRC32-IEEE
func CalculateChecksum(e Event) uint32 {
	var b strings.Builder
	b.Grow(96)
	b.WriteString(strconv.FormatUint(e.Seq, 10))
	b.WriteByte('|')
	b.WriteString(string(e.Type))
	b.WriteByte('|')
	b.WriteString(string(e.DropID))
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(uint64(e.TriggerID), 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(e.Target, 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(e.Created, 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(e.DropSeq, 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(e.Tick, 10))

	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(e Event) bool {
	return e.Checksum == CalculateChecksum(e)
}
