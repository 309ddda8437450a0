// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fixedmap

import (
	"hash/maphash"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
	"github.com/zeebo/xxh3"
)

// defaultHash returns a hash function with the same quality and key support
// as Go's builtin map[K]V. The function carries its own random maphash seed,
// so it ignores the seed argument.
func defaultHash[K comparable]() func(key *K, seed uintptr) uintptr {
	s := maphash.MakeSeed()
	return func(key *K, _ uintptr) uintptr {
		return uintptr(maphash.Comparable(s, *key))
	}
}

// XXHash hashes string keys with xxHash64. The seed only shifts where keys
// land in the table; keys that collide do so for every seed.
func XXHash[K ~string](key *K, seed uintptr) uintptr {
	return uintptr(xxhash.Sum64String(string(*key)) ^ uint64(seed))
}

// XXH3 hashes string keys with seeded XXH3-64.
func XXH3[K ~string](key *K, seed uintptr) uintptr {
	return uintptr(xxh3.HashStringSeed(string(*key), uint64(seed)))
}

// Murmur3 hashes string keys with seeded MurmurHash3 (x64, lower 64 bits).
// Only the low 32 bits of the seed are used.
func Murmur3[K ~string](key *K, seed uintptr) uintptr {
	s := string(*key)
	return uintptr(murmur3.Sum64WithSeed(unsafe.Slice(unsafe.StringData(s), len(s)), uint32(seed)))
}
