package rule

import (
	"errors"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	// DefaultMaxMemory は、1回の評価で許されるヒープ増加量のデフォルト値です。
	DefaultMaxMemory int64 = 128 << 20 // 128MB

	// ヒープ使用量を確認する間隔
	heapPollInterval = 2 * time.Millisecond

	heapObjectsMetric = "/memory/classes/heap/objects:bytes"
)

// errMemoryExceeded は、評価中のヒープ増加量が上限に達したことを示します。
var errMemoryExceeded = errors.New("ルールのメモリ使用量が上限を超えました")

// heapBytes は、現在ヒープ上にあるオブジェクトのバイト数を返します。
// 計測できない場合は 0 を返します。
func heapBytes() uint64 {
	sample := []metrics.Sample{{Name: heapObjectsMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}

// watchHeap は、呼び出し時点からのヒープ増加量が limit を超えた時点で onExceed を一度だけ呼び出します。
// ヒープはプロセス全体で共有されるため、同時に実行中の他の処理の増加分も含まれます。
// 返された関数で監視を停止します。
func watchHeap(limit int64, interval time.Duration, onExceed func()) (stop func()) {
	if limit <= 0 {
		return func() {}
	}
	threshold := heapBytes() + uint64(limit)
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if heapBytes() > threshold {
					onExceed()
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
