package train

import (
	"math/rand"
)

// Seeder is a handle to an independent random state that must be seeded at
// process start, such as a model backend's RNG.
type Seeder interface {
	Seed(seed int64)
}

// SeedAll seeds every random state of the run in one place: each collaborator
// handle plus a fresh rand.Rand returned for the driver's own use (dataset
// shuffling). Invoke once at process start, before building the data
// pipeline.
func SeedAll(seed int64, handles ...Seeder) *rand.Rand {
	for _, h := range handles {
		h.Seed(seed)
	}
	return rand.New(rand.NewSource(seed))
}
