package bloom

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/whotracksme/wtm-reporting/internal/interfaces"
)

// Bitarray is a bit-array split into shards stored in a KV database under
// a common key prefix (spec.md §4.1). One Bitarray backs exactly one
// bloom-filter generation. Shard reads are lazy and shard writes are
// coalesced: callers mark bits dirty in memory and a single Flush writes
// only the shards that actually changed.
type Bitarray struct {
	kv        interfaces.KeyValueStorage
	keyPrefix string // e.g. "bf|name|v1|<gen>"
	totalBits int
	shardBits int
	logger    arbor.ILogger

	shards map[int][]byte // shard index -> loaded bytes (lazy)
	dirty  map[int]bool
}

// NewBitarray creates a Bitarray addressing totalBits bits, persisted as
// shards of shardBits bits each under keyPrefix.
func NewBitarray(kv interfaces.KeyValueStorage, keyPrefix string, totalBits, shardBits int, logger arbor.ILogger) *Bitarray {
	if shardBits <= 0 {
		shardBits = 8192
	}
	return &Bitarray{
		kv:        kv,
		keyPrefix: keyPrefix,
		totalBits: totalBits,
		shardBits: shardBits,
		logger:    logger,
		shards:    make(map[int][]byte),
		dirty:     make(map[int]bool),
	}
}

func (b *Bitarray) shardKey(shard int) string {
	return fmt.Sprintf("%s|%d", b.keyPrefix, shard)
}

func (b *Bitarray) shardByteLen() int {
	return (b.shardBits + 7) / 8
}

func (b *Bitarray) shardOf(bitIndex int) (shard int, offset int) {
	return bitIndex / b.shardBits, bitIndex % b.shardBits
}

func (b *Bitarray) load(ctx context.Context, shard int) ([]byte, error) {
	if buf, ok := b.shards[shard]; ok {
		return buf, nil
	}
	buf := make([]byte, b.shardByteLen())
	value, err := b.kv.Get(ctx, b.shardKey(shard))
	if err != nil {
		if err == interfaces.ErrKeyNotFound {
			b.shards[shard] = buf
			return buf, nil
		}
		return nil, fmt.Errorf("bloom: load shard %d: %w", shard, err)
	}
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		// Corrupted shard: treat as if it were never written, matching
		// spec.md §7's "log, drop the offending record, continue".
		if b.logger != nil {
			b.logger.Warn().Str("key", b.shardKey(shard)).Err(err).Msg("bloom: discarding corrupted shard")
		}
		b.shards[shard] = buf
		return buf, nil
	}
	copy(buf, decoded)
	b.shards[shard] = buf
	return buf, nil
}

// Set sets bit i.
func (b *Bitarray) Set(ctx context.Context, i int) error {
	return b.SetMany(ctx, []int{i})
}

// SetMany sets every bit in indices, coalescing shard loads.
func (b *Bitarray) SetMany(ctx context.Context, indices []int) error {
	for _, i := range indices {
		shard, offset := b.shardOf(i)
		buf, err := b.load(ctx, shard)
		if err != nil {
			return err
		}
		byteIdx, bitIdx := offset/8, offset%8
		if buf[byteIdx]&(1<<uint(bitIdx)) == 0 {
			buf[byteIdx] |= 1 << uint(bitIdx)
			b.dirty[shard] = true
		}
	}
	return nil
}

// Test reports whether bit i is set.
func (b *Bitarray) Test(ctx context.Context, i int) (bool, error) {
	res, err := b.TestMany(ctx, []int{i})
	if err != nil {
		return false, err
	}
	return res, nil
}

// TestMany reports whether every bit in indices is set (i.e. the AND of
// all of them) — this is the shape the one-hashing bloom filter needs: a
// key is present only if all of its K partition bits are set.
func (b *Bitarray) TestMany(ctx context.Context, indices []int) (bool, error) {
	for _, i := range indices {
		shard, offset := b.shardOf(i)
		buf, err := b.load(ctx, shard)
		if err != nil {
			return false, err
		}
		byteIdx, bitIdx := offset/8, offset%8
		if buf[byteIdx]&(1<<uint(bitIdx)) == 0 {
			return false, nil
		}
	}
	return true, nil
}

// Flush persists every shard marked dirty since the last Flush.
func (b *Bitarray) Flush(ctx context.Context) error {
	for shard := range b.dirty {
		buf := b.shards[shard]
		encoded := base64.StdEncoding.EncodeToString(buf)
		if err := b.kv.Set(ctx, b.shardKey(shard), encoded, "bloom shard"); err != nil {
			return fmt.Errorf("bloom: flush shard %d: %w", shard, err)
		}
		delete(b.dirty, shard)
	}
	return nil
}

// SelfChecks validates internal consistency and returns a list of problem
// descriptions (empty when healthy), matching the selfChecks pattern used
// elsewhere in the CORE (spec.md §4.1, §4.3).
func (b *Bitarray) SelfChecks() []string {
	var problems []string
	expected := b.shardByteLen()
	for shard, buf := range b.shards {
		if len(buf) != expected {
			problems = append(problems, fmt.Sprintf("shard %d has length %d, expected %d", shard, len(buf), expected))
		}
	}
	return problems
}
