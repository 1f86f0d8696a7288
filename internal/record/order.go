package record

// Newer reports whether candidate should replace current under the
// last-writer-wins policy.
//
// An absent current (zero Meta) is always replaced. Otherwise the greater
// logical timestamp wins; equal timestamps fall back to the greater version,
// then to the lexicographically greater writer id. The writer-id step is an
// arbitrary but deterministic tie-break so every context picks the same
// winner.
func Newer(candidate, current Meta) bool {
	if current.IsZero() {
		return !candidate.IsZero()
	}
	if candidate.LogicalTimestamp != current.LogicalTimestamp {
		return candidate.LogicalTimestamp > current.LogicalTimestamp
	}
	if candidate.Version != current.Version {
		return candidate.Version > current.Version
	}
	return candidate.WriterID > current.WriterID
}

// Latest returns the greatest of metas under the Newer order.
// It returns the zero Meta when metas is empty.
func Latest(metas ...Meta) Meta {
	var best Meta
	for _, m := range metas {
		if Newer(m, best) {
			best = m
		}
	}
	return best
}
