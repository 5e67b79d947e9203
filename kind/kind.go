// Package kind provides a lightweight category identification system using bit-packed uint64 values.
// Each Kind stores its own ID in the lowest 8 bits and the IDs of every ancestor in the
// higher bytes, so ancestry checks are a handful of shifts and compares instead of a
// table walk or reflection.
package kind

import (
	"fmt"
	"sync/atomic"
)

const (
	length   = 64                  // Total bits in a Kind value
	idLength = 8                   // Bits per category ID
	depthMax = length / idLength   // Maximum number of IDs packed in one Kind
	idMask   = (1 << idLength) - 1 // Mask for extracting a single ID
)

// Kind is a 64-bit unsigned integer that encodes category identity and ancestry.
type Kind = uint64

// n is the global counter for generating unique category IDs. ID 0 is never
// handed out so that an unused byte can not be mistaken for a category.
var n atomic.Uint64

// ID returns the category's own identifier, stripped of its ancestry.
func ID(k Kind) Kind {
	return k & idMask
}

// Bases extracts the ancestor IDs packed into k, nearest first.
// Unused levels are omitted.
func Bases(k Kind) []Kind {
	bases := make([]Kind, 0, depthMax-1)
	for i := 1; i < depthMax; i++ {
		id := (k >> (idLength * i)) & idMask
		if id == 0 {
			break
		}
		bases = append(bases, id)
	}
	return bases
}

// Make allocates a new Kind, optionally deriving from base kinds.
// The bases' own IDs and all of their ancestors are packed into the result,
// deduplicated, nearest base first. Make panics when the process runs out of
// category IDs or when the combined ancestry does not fit into a Kind; both are
// programming errors that must surface at package initialization.
func Make(bases ...Kind) Kind {
	id := n.Add(1)
	if id > idMask {
		panic(fmt.Sprintf("kind: category ids exhausted (max %d)", idMask))
	}
	k := Kind(id)
	seen := map[Kind]struct{}{}
	for _, base := range bases {
		for j := 0; j < depthMax; j++ {
			baseID := (base >> (idLength * j)) & idMask
			if baseID == 0 {
				break
			}
			if _, ok := seen[baseID]; ok {
				continue
			}
			seen[baseID] = struct{}{}
			if len(seen) >= depthMax {
				panic(fmt.Sprintf("kind: ancestry of %d exceeds %d levels", id, depthMax-1))
			}
			k |= baseID << (idLength * len(seen))
		}
	}
	return k
}

// Is reports whether k is, or derives from, any of the provided bases.
//
//go:inline
func Is(k Kind, bases ...Kind) bool {
	for _, base := range bases {
		baseID := base & idMask
		if baseID == 0 {
			continue
		}
		for i := 0; i < depthMax; i++ {
			if (k>>(idLength*i))&idMask == baseID {
				return true
			}
		}
	}
	return false
}

// Related reports whether a and b lie on the same ancestry line, in either
// direction.
func Related(a, b Kind) bool {
	return Is(a, b) || Is(b, a)
}
