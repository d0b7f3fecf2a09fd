package services

import (
	"sort"

	"github.com/longregen/quarry/internal/domain/models"
)

// selectFair merges per-query result lists into a single set of at most
// capacity items. Every query is guaranteed a minimum share of the output so
// that low-volume but semantically distinct queries are not starved by a
// dominant one:
//
//  1. Each list is sorted by ascending distance.
//  2. perQueryQuota = max(1, capacity/N). Each list admits up to that many
//     not-yet-admitted items.
//  3. Remaining capacity is filled from the global union by distance.
//
// Duplicate ids across lists keep the minimum-distance instance. The result
// is globally sorted by ascending distance, ties broken by id.
func selectFair[T any](lists [][]T, capacity int, id func(T) string, distance func(T) float64) []T {
	if capacity <= 0 || len(lists) == 0 {
		return []T{}
	}

	// Global union keeping the best instance per id.
	best := make(map[string]T)
	for _, list := range lists {
		for _, item := range list {
			key := id(item)
			if existing, ok := best[key]; !ok || distance(item) < distance(existing) {
				best[key] = item
			}
		}
	}

	sorted := make([][]T, len(lists))
	for i, list := range lists {
		cp := make([]T, len(list))
		copy(cp, list)
		sort.SliceStable(cp, func(a, b int) bool {
			if distance(cp[a]) != distance(cp[b]) {
				return distance(cp[a]) < distance(cp[b])
			}
			return id(cp[a]) < id(cp[b])
		})
		sorted[i] = cp
	}

	perQueryQuota := capacity / len(lists)
	if perQueryQuota < 1 {
		perQueryQuota = 1
	}

	admitted := make(map[string]bool)
	for _, list := range sorted {
		taken := 0
		for _, item := range list {
			if taken >= perQueryQuota || len(admitted) >= capacity {
				break
			}
			key := id(item)
			if admitted[key] {
				continue
			}
			admitted[key] = true
			taken++
		}
	}

	if len(admitted) < capacity {
		union := make([]T, 0, len(best))
		for _, item := range best {
			union = append(union, item)
		}
		sort.SliceStable(union, func(a, b int) bool {
			if distance(union[a]) != distance(union[b]) {
				return distance(union[a]) < distance(union[b])
			}
			return id(union[a]) < id(union[b])
		})
		for _, item := range union {
			if len(admitted) >= capacity {
				break
			}
			key := id(item)
			if admitted[key] {
				continue
			}
			admitted[key] = true
		}
	}

	result := make([]T, 0, len(admitted))
	for key := range admitted {
		result = append(result, best[key])
	}
	sort.SliceStable(result, func(a, b int) bool {
		if distance(result[a]) != distance(result[b]) {
			return distance(result[a]) < distance(result[b])
		}
		return id(result[a]) < id(result[b])
	})

	return result
}

// SelectChunks applies fair allocation across per-query chunk result lists.
func SelectChunks(perQuery [][]*models.Chunk, capacity int) []*models.Chunk {
	return selectFair(perQuery, capacity,
		func(c *models.Chunk) string { return c.ID },
		func(c *models.Chunk) float64 { return c.Distance },
	)
}
