package cep

import "hash/fnv"

// PartitionFor returns the worker, among n, that owns key.
// Stable and deterministic: the same key always maps to the same worker for
// a given n. Uses FNV-32a.
func PartitionFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
