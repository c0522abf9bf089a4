package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能（CLI 的 wal 子命令與啟動時使用）
// ============================================================================

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// GetLastEvent 從 WAL 檔案讀取最後一個有效事件
//
// 從頭到尾掃描；事件數量在一次快照間隔內很少，不需要反向搜尋
//
// 回傳：
//
//	最後一個事件，錯誤（如果檔案沒有任何事件則回傳 ErrEmptyWAL）
func GetLastEvent(path string) (*Event, error) {
	file, err := openEvents(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var last *Event
	err = scanEvents(file, func(e Event) error {
		last = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中的事件總數
func CountEvents(path string) (int, error) {
	file, err := openEvents(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	n := 0
	err = scanEvents(file, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 嚴格遞增（旋轉後不一定從 1 開始）
func ValidateWAL(path string) error {
	file, err := openEvents(path)
	if err != nil {
		return err
	}
	defer file.Close()

	var lastSeq uint64
	return scanEvents(file, func(e Event) error {
		if e.Seq <= lastSeq {
			return fmt.Errorf("%w: seq %d after %d", ErrOutOfSequence, e.Seq, lastSeq)
		}
		lastSeq = e.Seq
		return nil
	})
}

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[Seq:1] SCHEDULE 6f1c… trigger=1 target=12 tick=9 at 2026-01-01T00:00:00Z (checksum:0x12345678)
func DumpWAL(path string, w io.Writer) error {
	file, err := openEvents(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return scanEvents(file, func(e Event) error {
		at := time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339)
		var extra string
		if e.Type == EventSchedule {
			extra = fmt.Sprintf(" trigger=%d target=%d", e.TriggerID, e.Target)
		}
		_, err := fmt.Fprintf(w, "[Seq:%d] %s %s%s tick=%d at %s (checksum:0x%08x)\n",
			e.Seq, e.Type, e.DropID, extra, e.Tick, at, e.Checksum)
		return err
	})
}

// openEvents 開啟 WAL 或其 gzip 封存檔
func openEvents(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return file, nil
	}

	zr, err := gzip.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %v", ErrCorruptedWAL, err)
	}
	return &gzipFile{Reader: zr, file: file}, nil
}

type gzipFile struct {
	*gzip.Reader
	file *os.File
}

func (g *gzipFile) Close() error {
	g.Reader.Close()
	return g.file.Close()
}
