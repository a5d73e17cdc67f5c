// Package bloom implements the persisted one-hashing bloom filter (OHBF)
// described in spec.md §4.1 "Persisted Bitarray + Bloom Filter (C1)": a
// rotating set of bit-array generations, each split into pairwise-coprime
// partitions, addressed by a single deterministic hash per value.
package bloom

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/whotracksme/wtm-reporting/internal/concurrency"
	"github.com/whotracksme/wtm-reporting/internal/interfaces"
)

const keySep = "|"

// Filter is a persisted, generation-rotating one-hashing bloom filter.
type Filter struct {
	cfg    Config
	kv     interfaces.KeyValueStorage
	clock  interfaces.TrustedClock
	logger arbor.ILogger
	writer *concurrency.SerialQueue

	generations []*generation // ascending by CreationEpochMs; last is newest
}

// MightContainOptions tunes MightContain behaviour.
type MightContainOptions struct {
	// UpdateTTLIfFound re-adds the value to the newest generation when it
	// is only found in an older one, refreshing its effective TTL
	// (spec.md §4.1 "touch on read").
	UpdateTTLIfFound bool
}

// NewFilter validates cfg and constructs a Filter. It does not touch
// storage; call Ready before Add/MightContain.
func NewFilter(cfg Config, kv interfaces.KeyValueStorage, clock interfaces.TrustedClock, logger arbor.ILogger) (*Filter, error) {
	if cfg.Name == "" || strings.Contains(cfg.Name, keySep) {
		return nil, fmt.Errorf("%w: name %q is empty or contains %q", ErrBFConfig, cfg.Name, keySep)
	}
	if len(cfg.Partitions) == 0 {
		return nil, fmt.Errorf("%w: no partitions configured", ErrBFConfig)
	}
	for _, p := range cfg.Partitions {
		if p <= 0 {
			return nil, fmt.Errorf("%w: partition sizes must be positive, got %d", ErrBFConfig, p)
		}
	}
	if cfg.MaxGenerations <= 0 {
		cfg.MaxGenerations = 1
	}
	warnIfNotCoprime(cfg.Partitions, logger)

	return &Filter{
		cfg:    cfg,
		kv:     kv,
		clock:  clock,
		logger: logger,
		writer: concurrency.NewSerialQueue("bloom:"+cfg.Name, logger),
	}, nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// warnIfNotCoprime logs (never errors) when the configured partitions are
// not pairwise coprime, per spec.md §4.1: a non-coprime partitioning still
// functions but its false-positive growth no longer matches the documented
// bound, so operators are warned rather than blocked.
func warnIfNotCoprime(partitions []int, logger arbor.ILogger) {
	for i := 0; i < len(partitions); i++ {
		for j := i + 1; j < len(partitions); j++ {
			if gcd(partitions[i], partitions[j]) != 1 {
				if logger != nil {
					logger.Warn().
						Int("partition_i", partitions[i]).
						Int("partition_j", partitions[j]).
						Msg("bloom: partition sizes are not pairwise coprime, false-positive bound no longer holds")
				}
				return
			}
		}
	}
}

func (f *Filter) keyPrefix(gen int64) string {
	return strings.Join([]string{"bf", f.cfg.Name, "v" + strconv.Itoa(f.cfg.Version), strconv.FormatInt(gen, 10)}, keySep)
}

// parsedKey is the classification of one persisted bitarray-shard key,
// per spec.md §4.1's "valid-current-version / obsolete-version / corrupted
// / unknown" taxonomy.
type parsedKey struct {
	class string // "valid" | "obsolete" | "corrupted" | "unknown"
	gen   int64
}

func (f *Filter) classifyKey(key string) parsedKey {
	parts := strings.Split(key, keySep)
	if len(parts) != 5 || parts[0] != "bf" || parts[1] != f.cfg.Name {
		return parsedKey{class: "corrupted"}
	}
	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v"))
	if err != nil {
		return parsedKey{class: "corrupted"}
	}
	if version != f.cfg.Version {
		gen, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			return parsedKey{class: "corrupted"}
		}
		return parsedKey{class: "obsolete", gen: gen}
	}
	gen, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return parsedKey{class: "corrupted"}
	}
	if _, err := strconv.Atoi(parts[4]); err != nil {
		return parsedKey{class: "corrupted"}
	}
	return parsedKey{class: "valid", gen: gen}
}

// Ready discovers persisted generations, discards obsolete/corrupted/stale
// ones, rotates in a new generation when due, and leaves the Filter usable
// for Add/MightContain. It must be called at least once before either.
func (f *Filter) Ready(ctx context.Context, now int64) error {
	return f.writer.Run(ctx, func() {
		if err := f.ready(ctx, now); err != nil && f.logger != nil {
			f.logger.Error().Str("filter", f.cfg.Name).Err(err).Msg("bloom: Ready failed")
		}
	})
}

func (f *Filter) ready(ctx context.Context, now int64) error {
	prefix := strings.Join([]string{"bf", f.cfg.Name}, keySep)
	pairs, err := f.kv.ListByPrefix(ctx, prefix)
	if err != nil {
		return fmt.Errorf("bloom: list keys: %w", err)
	}

	genIDs := make(map[int64]bool)
	for _, pair := range pairs {
		key := pair.Key
		parsed := f.classifyKey(key)
		switch parsed.class {
		case "obsolete", "corrupted":
			if err := f.kv.Delete(ctx, key); err != nil && f.logger != nil {
				f.logger.Warn().Str("key", key).Err(err).Msg("bloom: failed deleting stale key")
			}
		case "valid":
			genIDs[parsed.gen] = true
		default:
			if f.logger != nil {
				f.logger.Warn().Str("key", key).Msg("bloom: unknown key shape, keeping")
			}
		}
	}

	var gens []*generation
	for gen := range genIDs {
		// Clock-jump defense: a generation timestamped more than two
		// rotation intervals in the future cannot have been legitimately
		// created by this process.
		if f.cfg.RotationInterval > 0 && gen > now+2*f.cfg.RotationInterval {
			if f.logger != nil {
				f.logger.Warn().Int64("gen", gen).Int64("now", now).Msg("bloom: discarding generation from the future")
			}
			f.deleteGeneration(ctx, gen)
			continue
		}
		if f.cfg.MaxGenerations > 1 && f.cfg.RotationInterval > 0 {
			oldestAllowed := now - f.cfg.RotationInterval*int64(f.cfg.MaxGenerations)
			if gen < oldestAllowed {
				f.deleteGeneration(ctx, gen)
				continue
			}
		}
		gens = append(gens, &generation{
			CreationEpochMs: gen,
			PartitionSizes:  f.cfg.Partitions,
			bits:            NewBitarray(f.kv, f.keyPrefix(gen), f.cfg.totalBits(), f.cfg.ShardBits, f.logger),
		})
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i].CreationEpochMs < gens[j].CreationEpochMs })
	f.generations = gens

	needNew := false
	switch {
	case len(f.generations) == 0:
		needNew = true
	case f.cfg.RotationInterval <= 0:
		// "No rotation" mode (spec.md §9): exactly one generation, ever.
		needNew = false
	default:
		newest := f.generations[len(f.generations)-1]
		if now-newest.CreationEpochMs >= f.cfg.RotationInterval {
			needNew = true
		}
	}

	if needNew {
		f.generations = append(f.generations, &generation{
			CreationEpochMs: now,
			PartitionSizes:  f.cfg.Partitions,
			bits:            NewBitarray(f.kv, f.keyPrefix(now), f.cfg.totalBits(), f.cfg.ShardBits, f.logger),
		})
	}

	if f.cfg.MaxGenerations > 0 && len(f.generations) > f.cfg.MaxGenerations {
		drop := len(f.generations) - f.cfg.MaxGenerations
		for _, g := range f.generations[:drop] {
			f.deleteGeneration(ctx, g.CreationEpochMs)
		}
		f.generations = f.generations[drop:]
	}
	return nil
}

func (f *Filter) deleteGeneration(ctx context.Context, gen int64) {
	prefix := f.keyPrefix(gen)
	pairs, err := f.kv.ListByPrefix(ctx, prefix)
	if err != nil {
		return
	}
	for _, pair := range pairs {
		_ = f.kv.Delete(ctx, pair.Key)
	}
}

// offsets returns the K bit offsets a value maps to, derived from one
// 64-bit hash per spec.md §4.1's "one-hashing" scheme: each partition gets
// an independent slice of the hash space by offsetting the modulus with
// the cumulative size of the prior partitions.
func offsets(partitions []int, value string) []int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(value))
	sum := h.Sum64()

	result := make([]int, len(partitions))
	base := 0
	for i, size := range partitions {
		result[i] = base + int(sum%uint64(size))
		base += size
	}
	return result
}

// Add records value as present in the newest generation.
func (f *Filter) Add(ctx context.Context, value string) error {
	return f.writer.Run(ctx, func() {
		if len(f.generations) == 0 {
			return
		}
		newest := f.generations[len(f.generations)-1]
		idx := offsets(newest.PartitionSizes, value)
		if err := newest.bits.SetMany(ctx, idx); err != nil && f.logger != nil {
			f.logger.Error().Str("filter", f.cfg.Name).Err(err).Msg("bloom: Add failed")
			return
		}
		_ = newest.bits.Flush(ctx)
	})
}

// MightContain reports whether value may have been Added, scanning newest
// to oldest generation. False means definitely absent; true may be a
// false positive, per standard bloom-filter semantics.
func (f *Filter) MightContain(ctx context.Context, value string, opts MightContainOptions) (bool, error) {
	var found bool
	err := f.writer.Run(ctx, func() {
		for i := len(f.generations) - 1; i >= 0; i-- {
			g := f.generations[i]
			idx := offsets(g.PartitionSizes, value)
			ok, err := g.bits.TestMany(ctx, idx)
			if err != nil {
				if f.logger != nil {
					f.logger.Error().Str("filter", f.cfg.Name).Err(err).Msg("bloom: MightContain failed")
				}
				continue
			}
			if ok {
				found = true
				if opts.UpdateTTLIfFound && i != len(f.generations)-1 {
					newest := f.generations[len(f.generations)-1]
					newestIdx := offsets(newest.PartitionSizes, value)
					if err := newest.bits.SetMany(ctx, newestIdx); err == nil {
						_ = newest.bits.Flush(ctx)
					}
				}
				return
			}
		}
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// GenerationCount reports how many generations are currently live. Mostly
// useful for tests exercising rotation.
func (f *Filter) GenerationCount() int {
	return len(f.generations)
}

// Close releases the filter's background writer goroutine.
func (f *Filter) Close() {
	f.writer.Close()
}
