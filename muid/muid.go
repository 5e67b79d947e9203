// Package muid generates Monotonically Unique IDs (MUIDs): 64-bit, time ordered
// identifiers in the spirit of Snowflake IDs. The state machine runtime stamps
// every machine instance and every dispatched event with one.
//
// The layout is
//
//	[timestamp (milliseconds since Epoch)] [machine ID] [counter]
//
// with bit widths taken from Config. The default epoch is November 14, 2023
// 22:13:20 GMT.
package muid

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ErrInvalidConfig is returned by NewGenerator when the bit layout can not
// hold a counter.
var ErrInvalidConfig = errors.New("muid: invalid config")

// Config describes the bit layout of generated IDs.
type Config struct {
	MachineID       uint64
	TimestampBitLen int
	MachineIDBitLen int
	Epoch           int64
}

// DefaultConfig derives the machine ID from the hostname, falling back to
// random bits when the hostname is unavailable.
var DefaultConfig = sync.OnceValue(func() Config {
	config := Config{
		TimestampBitLen: 41,
		MachineIDBitLen: 12,
		Epoch:           1700000000000,
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		var b [8]byte
		_, _ = rand.Read(b[:])
		config.MachineID = binary.BigEndian.Uint64(b[:])
	} else {
		hash := fnv.New64a()
		hash.Write([]byte(hostname))
		config.MachineID = hash.Sum64()
	}
	config.MachineID &= (1 << config.MachineIDBitLen) - 1
	return config
})

var defaultGenerator = sync.OnceValue(func() *Generator {
	generator, err := NewGenerator(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return generator
})

// MUID is a Monotonically Unique ID.
type MUID uint64

// String returns the base32 representation of the MUID.
func (m MUID) String() string {
	return strconv.FormatUint(uint64(m), 32)
}

// Parse converts the output of MUID.String back into a MUID.
func Parse(s string) (MUID, error) {
	v, err := strconv.ParseUint(s, 32, 64)
	if err != nil {
		return 0, fmt.Errorf("muid: parse %q: %w", s, err)
	}
	return MUID(v), nil
}

// Generator hands out MUIDs. It is safe for concurrent use.
type Generator struct {
	machineID      uint64
	epoch          int64
	counterBitLen  int
	machineIDShift int
	timestampShift int
	counterMask    uint64
	// state packs the last timestamp (upper bits) and counter (lower bits).
	state atomic.Uint64
}

// NewGenerator builds a generator for config. Zero fields take the values
// of DefaultConfig.
func NewGenerator(config Config) (*Generator, error) {
	defaults := DefaultConfig()
	if config.TimestampBitLen <= 0 {
		config.TimestampBitLen = defaults.TimestampBitLen
	}
	if config.MachineIDBitLen <= 0 {
		config.MachineIDBitLen = defaults.MachineIDBitLen
	}
	if config.Epoch <= 0 {
		config.Epoch = defaults.Epoch
	}
	if config.MachineID == 0 {
		config.MachineID = defaults.MachineID
	}
	counterBitLen := 64 - config.TimestampBitLen - config.MachineIDBitLen
	if counterBitLen < 1 {
		return nil, fmt.Errorf("%w: %d timestamp bits and %d machine bits leave no room for a counter",
			ErrInvalidConfig, config.TimestampBitLen, config.MachineIDBitLen)
	}
	generator := &Generator{
		machineID:      config.MachineID & ((1 << config.MachineIDBitLen) - 1),
		epoch:          config.Epoch,
		counterBitLen:  counterBitLen,
		machineIDShift: counterBitLen,
		timestampShift: counterBitLen + config.MachineIDBitLen,
		counterMask:    (1 << counterBitLen) - 1,
	}
	return generator, nil
}

// ID returns the next MUID. Clock regressions reuse the last timestamp and a
// counter overflow borrows the next millisecond, so IDs from one generator
// are strictly increasing.
func (g *Generator) ID() MUID {
	for {
		now := uint64(time.Now().UnixMilli() - g.epoch)
		previous := g.state.Load()
		last := previous >> g.counterBitLen
		counter := previous & g.counterMask

		switch {
		case now < last:
			now = last
			fallthrough
		case now == last:
			if counter >= g.counterMask {
				now++
				counter = 1
			} else {
				counter++
			}
		default:
			counter = 1
		}

		if g.state.CompareAndSwap(previous, (now<<g.counterBitLen)|counter) {
			return MUID((now << g.timestampShift) | (g.machineID << g.machineIDShift) | counter)
		}
	}
}

// Time recovers the wall-clock millisecond encoded in an ID produced by g.
func (g *Generator) Time(id MUID) time.Time {
	return time.UnixMilli(int64(uint64(id)>>g.timestampShift) + g.epoch)
}

// Make returns a MUID from the default generator.
func Make() MUID {
	return defaultGenerator().ID()
}

// MakeString returns a MUID from the default generator in its string form.
func MakeString() string {
	return Make().String()
}
