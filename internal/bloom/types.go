package bloom

// generation is a bit-array bound to a creation timestamp (spec.md §3
// "Bloom generation"). It is rotated out once it falls outside the
// configured retention window.
type generation struct {
	CreationEpochMs int64
	PartitionSizes  []int
	bits            *Bitarray
}

// Config configures a Filter (spec.md §4.1).
type Config struct {
	// Name identifies this filter's keyspace. Must not contain "|".
	Name string
	// Version is embedded in every persisted key; bumping it makes all
	// previously persisted generations "obsolete-version" on next Ready.
	Version int
	// Partitions are the K one-hashing partition sizes. Must all be > 0;
	// a warning (not an error) is logged if they are not pairwise coprime.
	Partitions []int
	// MaxGenerations bounds how many generations co-exist. MaxGenerations
	// == 1 combined with RotationInterval == 0 is the distinct "no
	// rotation" mode called out in spec.md §9.
	MaxGenerations int
	// RotationInterval is the generation lifetime.
	RotationInterval int64 // milliseconds
	// ShardBits is the number of bits packed into one persisted shard
	// value. Shard writes are coalesced per spec.md §4.1.
	ShardBits int
}

func (c Config) totalBits() int {
	total := 0
	for _, p := range c.Partitions {
		total += p
	}
	return total
}
