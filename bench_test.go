package fixedmap

import (
	"fmt"
	"io"
	"strconv"
	"testing"

	"github.com/aclements/go-perfevent/perfbench"
)

func BenchmarkMapGetHit(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkRuntimeMapGetHit[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkRuntimeMapGetHit[string], genKeys[string]))
	})
	b.Run("impl=fixedMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkFixedMapGetHit[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkFixedMapGetHit[string], genKeys[string]))
	})
}

func BenchmarkMapGetMiss(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkRuntimeMapGetMiss[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkRuntimeMapGetMiss[string], genKeys[string]))
	})
	b.Run("impl=fixedMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkFixedMapGetMiss[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkFixedMapGetMiss[string], genKeys[string]))
	})
}

func BenchmarkMapPutDelete(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkRuntimeMapPutDelete[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkRuntimeMapPutDelete[string], genKeys[string]))
	})
	b.Run("impl=fixedMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkFixedMapPutDelete[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkFixedMapPutDelete[string], genKeys[string]))
	})
}

func BenchmarkMapStringHash(b *testing.B) {
	hashers := []struct {
		name string
		hash func(key *string, seed uintptr) uintptr
	}{
		{"default", defaultHash[string]()},
		{"xxhash", XXHash[string]},
		{"xxh3", XXH3[string]},
		{"murmur3", Murmur3[string]},
	}
	for _, h := range hashers {
		b.Run("hash="+h.name, benchSizes(func(b *testing.B, n int, genKeys func(start, end int) []string) {
			m, _ := New[string, string](2*n, WithHash[string, string](h.hash))
			keys := genKeys(0, n)
			for _, k := range keys {
				_ = m.Put(k, k)
			}
			cs := perfbench.Open(b)
			b.ResetTimer()
			cs.Reset()
			var ok bool
			for i := 0; i < b.N; i++ {
				_, ok = m.Get(keys[i%n])
			}
			b.StopTimer()
			fmt.Fprint(io.Discard, ok)
		}, genKeys[string]))
	}
}

type benchTypes interface {
	int64 | string
}

// benchSizes runs f at load factors of 1/2 for each size. Fixed maps get
// exactly 2n slots.
func benchSizes[T benchTypes](
	f func(b *testing.B, n int, genKeys func(start, end int) []T), genKeys func(start, end int) []T,
) func(*testing.B) {
	var cases = []int{
		6, 12, 18, 24, 30,
		64,
		128,
		256,
		512,
		1024,
		2048,
		4096,
		8192,
		1 << 16,
	}

	return func(b *testing.B) {
		for _, n := range cases {
			b.Run("len="+strconv.Itoa(n), func(b *testing.B) { f(b, n, genKeys) })
		}
	}
}

func genKeys[T benchTypes](start, end int) []T {
	keys := make([]T, end-start)
	for i := range keys {
		switch p := any(&keys[i]).(type) {
		case *int64:
			*p = int64(start + i)
		case *string:
			*p = strconv.Itoa(start + i)
		default:
			panic("not reached")
		}
	}
	return keys
}

func benchmarkRuntimeMapGetHit[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	m := make(map[T]T, n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m[k] = k
	}

	// Go's builtin map has an optimization to avoid string comparisons if
	// there is pointer equality. Defeat this optimization to get a better
	// apples-to-apples comparison.
	keys = genKeys(0, n)

	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		_ = m[keys[i%n]]
	}
}

func benchmarkFixedMapGetHit[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m, _ := New[T, T](2 * n)
	keys := genKeys(0, n)
	for _, k := range keys {
		_ = m.Put(k, k)
	}
	keys = genKeys(0, n)

	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	var ok bool
	for i := 0; i < b.N; i++ {
		_, ok = m.Get(keys[i%n])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkRuntimeMapGetMiss[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	m := make(map[T]T, n)
	keys := genKeys(0, n)
	miss := genKeys(-n, 0)
	for _, k := range keys {
		m[k] = k
	}

	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		_ = m[miss[i%n]]
	}
}

func benchmarkFixedMapGetMiss[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m, _ := New[T, T](2 * n)
	keys := genKeys(0, n)
	miss := genKeys(-n, 0)
	for _, k := range keys {
		_ = m.Put(k, k)
	}

	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	var ok bool
	for i := 0; i < b.N; i++ {
		_, ok = m.Get(miss[i%n])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkRuntimeMapPutDelete[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	m := make(map[T]T, n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m[k] = k
	}

	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		j := i % n
		delete(m, keys[j])
		m[keys[j]] = keys[j]
	}
}

// The fixed map accumulates tombstones under this workload; compacting
// every n operations keeps probe lengths representative of steady state.
func benchmarkFixedMapPutDelete[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	m, _ := New[T, T](2 * n)
	keys := genKeys(0, n)
	for _, k := range keys {
		_ = m.Put(k, k)
	}

	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		j := i % n
		if j == 0 {
			m.Compact()
		}
		_, _ = m.Delete(keys[j])
		_ = m.Put(keys[j], keys[j])
	}
}
