package execution_test

import (
	"sync"
	"testing"

	"funding_keeper/internal/execution"

	"github.com/stretchr/testify/assert"
)

func TestSymbolLocks_ExclusiveAcquire(t *testing.T) {
	locks := execution.NewSymbolLocks(nil)

	assert.True(t, locks.TryAcquire("BTC", "scheduler", "open"))
	assert.False(t, locks.TryAcquire("BTC", "closer", "close-pair"))

	// Independent symbols do not contend.
	assert.True(t, locks.TryAcquire("ETH", "closer", "close-pair"))

	holder, purpose, held := locks.Holder("BTC")
	assert.True(t, held)
	assert.Equal(t, "scheduler", holder)
	assert.Equal(t, "open", purpose)
}

func TestSymbolLocks_ReacquireBySameHolder(t *testing.T) {
	locks := execution.NewSymbolLocks(nil)

	assert.True(t, locks.TryAcquire("BTC", "scheduler", "open"))
	assert.True(t, locks.TryAcquire("BTC", "scheduler", "recover"))

	_, purpose, _ := locks.Holder("BTC")
	assert.Equal(t, "recover", purpose)
}

func TestSymbolLocks_ReleaseOnlyByHolder(t *testing.T) {
	locks := execution.NewSymbolLocks(nil)

	locks.TryAcquire("BTC", "scheduler", "open")

	// Foreign release is a no-op.
	locks.Release("BTC", "closer")
	_, _, held := locks.Holder("BTC")
	assert.True(t, held)

	locks.Release("BTC", "scheduler")
	_, _, held = locks.Holder("BTC")
	assert.False(t, held)

	// Releasing an unheld lock stays idempotent.
	locks.Release("BTC", "scheduler")
}

func TestSymbolLocks_SingleWinnerUnderContention(t *testing.T) {
	locks := execution.NewSymbolLocks(nil)

	const contenders = 32
	var wg sync.WaitGroup
	wins := make(chan int, contenders)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if locks.TryAcquire("SOL", string(rune('a'+id)), "open") {
				wins <- id
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	assert.Equal(t, 1, won, "exactly one contender may take the lock")
}

func TestSymbolLocks_GlobalHolderLabel(t *testing.T) {
	locks := execution.NewSymbolLocks(nil)
	assert.Empty(t, locks.GlobalHolder())

	locks.SetGlobalHolder("scheduler-tick")
	assert.Equal(t, "scheduler-tick", locks.GlobalHolder())

	// The label never blocks symbol locking.
	assert.True(t, locks.TryAcquire("BTC", "anyone", "open"))
}
