package forwarding

import (
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// NumALORegisters is the fixed register-block size spec.md §4.4 describes:
// "32 x 64-bit per-port registers plus a flag word".
const NumALORegisters = 32

const defaultALOReadCacheTTL = 2 * time.Second

// ALORegisters is one port's Atomic Logic Operation register block. Reads
// go through a short-TTL cache (github.com/jellydator/ttlcache/v3), the same
// role internal/liveness/ifcache.go plays for interface lookups, so a burst
// of read_alo_registers calls from the control surface doesn't all pay the
// snapshot-copy cost. Writes always update the live block and invalidate the
// cached snapshot immediately.
//
// read_alo_registers returns a by-value [32]uint64 copy rather than a
// pointer: the original C source returns a pointer to a stack-allocated
// block at several call sites with an unclear intended lifetime (spec.md §9,
// Open Question). An owned copy sidesteps the ambiguity entirely instead of
// reproducing it — see DESIGN.md, Open Question resolution 2.
type ALORegisters struct {
	mu    sync.Mutex
	regs  [NumALORegisters]uint64
	flag  uint32
	cache *ttlcache.Cache[string, [NumALORegisters]uint64]
	key   string
}

// NewALORegisters returns a zeroed register block for one module/port,
// cached under key. ttl of 0 uses defaultALOReadCacheTTL.
func NewALORegisters(key string, ttl time.Duration) *ALORegisters {
	if ttl <= 0 {
		ttl = defaultALOReadCacheTTL
	}
	cache := ttlcache.New(ttlcache.WithTTL[string, [NumALORegisters]uint64](ttl))
	go cache.Start()
	return &ALORegisters{cache: cache, key: key}
}

// Close stops the cache's background eviction goroutine.
func (a *ALORegisters) Close() { a.cache.Stop() }

// Write implements `write_alo_register(module_id, port_id, reg_no, reg_data)`.
func (a *ALORegisters) Write(reg int, value uint64) error {
	if reg < 0 || reg >= NumALORegisters {
		return fmt.Errorf("forwarding: register %d out of range [0,%d)", reg, NumALORegisters)
	}
	a.mu.Lock()
	a.regs[reg] = value
	a.flag |= 1 << uint(reg)
	a.mu.Unlock()
	a.cache.Delete(a.key)
	return nil
}

// Read implements `read_alo_registers(module_id, port_id) -> (flag, 32×u64)`.
func (a *ALORegisters) Read() (flag uint32, regs [NumALORegisters]uint64) {
	a.mu.Lock()
	flag = a.flag
	a.mu.Unlock()

	if item := a.cache.Get(a.key); item != nil {
		return flag, item.Value()
	}

	a.mu.Lock()
	regs = a.regs
	a.mu.Unlock()
	a.cache.Set(a.key, regs, ttlcache.DefaultTTL)
	return flag, regs
}
