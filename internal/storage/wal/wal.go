package wal

// ============================================================================
// Drop 生命週期 WAL
//
// 每一筆佇列變更（排程、取消、觸發）先寫入這裡再生效。格式為 JSON lines，
// 每行一個 Event，帶 CRC32。快照完成後旋轉：舊檔 gzip 封存，新檔從空白開始，
// 但 seq 不歸零；快照記下 LastSeq，重放只處理之後的事件。
// ============================================================================

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	maxBuffered   = 64          // 緩衝事件數達到上限即寫出
	maxFlushDelay = time.Second // 緩衝事件最久停留時間
)

// WAL append-only 事件日誌
type WAL struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	enc      *json.Encoder
	seq      uint64 // 最後配發的 seq
	syncEach bool   // 每次 Append 都 fsync
	closed   bool

	pending   []Event
	lastFlush time.Time
}

// NewWAL 開啟（必要時建立）path 的 WAL
//
// 既有檔案的最後一筆事件決定下一個 seq；空檔從 1 開始。
// syncEach 為 true 時每次 Append 都寫出並 fsync。
func NewWAL(path string, syncEach bool) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	w := &WAL{
		path:      path,
		file:      f,
		enc:       json.NewEncoder(f),
		syncEach:  syncEach,
		pending:   make([]Event, 0, maxBuffered),
		lastFlush: time.Now(),
	}
	if last, err := GetLastEvent(path); err == nil {
		w.seq = last.Seq
	}
	return w, nil
}

// Append 配發 seq、時間戳與 checksum 後寫入事件
//
// force 為 true 時立即寫出並 fsync（controller 的三種事件都如此）；
// 否則留在緩衝區，直到緩衝滿或超過 maxFlushDelay。
func (w *WAL) Append(event Event, force bool) (Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return event, ErrWALClosed
	}

	w.seq++
	event.Seq = w.seq
	event.Timestamp = time.Now().UnixMilli()
	event.Checksum = CalculateChecksum(event)
	w.pending = append(w.pending, event)

	if force || w.syncEach || len(w.pending) >= maxBuffered || time.Since(w.lastFlush) > maxFlushDelay {
		if err := w.flushLocked(); err != nil {
			return event, err
		}
	}
	return event, nil
}

// Replay 依序重放 seq 大於 afterSeq 的事件
//
// 行為：
// - 先 flush 緩衝區，再從頭讀取檔案
// - 驗證每個事件的 checksum
// - 最後一行不完整（寫入中途崩潰）時視為結尾，不回報錯誤
// - handler 回傳錯誤時立即停止
func (w *WAL) Replay(afterSeq uint64, handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}

	file, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer file.Close()

	return scanEvents(file, func(event Event) error {
		if event.Seq <= afterSeq {
			return nil
		}
		return handler(event)
	})
}

// Rotate 封存目前的檔案並換上空白檔案
//
// 封存檔名為 <path>.<時間>.gz；gzip 失敗時保留未壓縮的封存檔
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	archived := w.path + "." + time.Now().Format("20060102_150405.000")
	if err := os.Rename(w.path, archived); err != nil {
		return err
	}
	if err := gzipFileTo(archived, archived+".gz"); err == nil {
		os.Remove(archived)
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	w.file = f
	w.enc = json.NewEncoder(f)
	w.pending = w.pending[:0]
	w.lastFlush = time.Now()
	return nil
}

// Flush 把緩衝區寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Close 關閉 WAL；關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq 最後配發的 seq，快照以它作為重放起點
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// EnsureSeq 確保下一個 seq 大於 seq
//
// 旋轉後檔案為空，重新啟動時以快照的 LastSeq 接續編號
func (w *WAL) EnsureSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// Path WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// flushLocked 寫出緩衝並 fsync；呼叫端持有 w.mu
func (w *WAL) flushLocked() error {
	if len(w.pending) == 0 {
		return nil
	}
	for _, e := range w.pending {
		if err := w.enc.Encode(e); err != nil {
			return err
		}
	}
	w.pending = w.pending[:0]
	w.lastFlush = time.Now()
	return w.file.Sync()
}

// scanEvents 逐行解析並驗證事件
func scanEvents(r io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(r)
	line := 0
	var pendingErr error

	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		// 前一行無法解析但後面還有資料：不是寫入中斷，而是損壞
		if pendingErr != nil {
			return pendingErr
		}

		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			pendingErr = &CorruptionError{Line: line, Cause: err}
			continue
		}
		if !VerifyChecksum(event) {
			return &ChecksumError{Seq: event.Seq, Expected: CalculateChecksum(event), Actual: event.Checksum}
		}
		if err := fn(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func gzipFileTo(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
