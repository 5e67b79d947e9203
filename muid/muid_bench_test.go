package muid_test

import (
	"slices"
	"testing"

	"github.com/aidarkhanov/nanoid/v2"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stateweave/hsm/muid"
	"github.com/stretchr/testify/require"
)

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// generators are the identifier schemes an event or machine ID could be
// drawn from, each rendered to its string form.
var generators = []struct {
	name string
	make func() string
}{
	{"MUID", muid.MakeString},
	{"UUIDv4", func() string { return uuid.New().String() }},
	{"ULID", func() string { return ulid.Make().String() }},
	{"NanoID", func() string {
		id, _ := nanoid.GenerateString(alphabet, 21)
		return id
	}},
}

func BenchmarkGenerators(b *testing.B) {
	for _, generator := range generators {
		b.Run(generator.name, func(b *testing.B) {
			b.ReportAllocs()
			for b.Loop() {
				_ = generator.make()
			}
		})
		b.Run(generator.name+"/parallel", func(b *testing.B) {
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					_ = generator.make()
				}
			})
		})
	}
}

func BenchmarkMUIDRaw(b *testing.B) {
	b.ReportAllocs()
	for b.Loop() {
		_ = muid.Make()
	}
}

func TestGeneratorsAreUnique(t *testing.T) {
	const total = 50_000
	for _, generator := range generators {
		t.Run(generator.name, func(t *testing.T) {
			seen := make(map[string]struct{}, total)
			for range total {
				id := generator.make()
				_, dup := seen[id]
				require.False(t, dup, "%s collision on %s", generator.name, id)
				seen[id] = struct{}{}
			}
		})
	}
}

func TestTimeOrderedGeneratorsSort(t *testing.T) {
	const total = 10_000
	t.Run("MUID", func(t *testing.T) {
		ids := make([]muid.MUID, 0, total)
		for range total {
			ids = append(ids, muid.Make())
		}
		require.True(t, slices.IsSorted(ids))
	})
	t.Run("ULID", func(t *testing.T) {
		ids := make([]ulid.ULID, 0, total)
		for range total {
			ids = append(ids, ulid.Make())
		}
		require.True(t, slices.IsSortedFunc(ids, ulid.ULID.Compare))
	})
}
