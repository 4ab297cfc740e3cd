package polling

import "github.com/dataforeman/connectivity/internal/domain"

type sizer func(domain.TagSubscription) int

// buildShards partitions tags in order so each shard respects both the
// cardinality and the byte budget. An oversized single tag gets its own shard.
func buildShards(tags []domain.TagSubscription, tun domain.TuningParameters, size sizer) [][]domain.TagSubscription {
	if len(tags) == 0 {
		return nil
	}
	var (
		shards [][]domain.TagSubscription
		cur    []domain.TagSubscription
		bytes  int
	)
	for _, t := range tags {
		sz := size(t) + tun.PerTagOverhead
		if len(cur) > 0 && (len(cur) >= tun.MaxBatch || bytes+sz > tun.ByteBudget) {
			shards = append(shards, cur)
			cur, bytes = nil, 0
		}
		cur = append(cur, t)
		bytes += sz
	}
	return append(shards, cur)
}

func shardBytes(tags []domain.TagSubscription, tun domain.TuningParameters, size sizer) int {
	total := 0
	for _, t := range tags {
		total += size(t) + tun.PerTagOverhead
	}
	return total
}
