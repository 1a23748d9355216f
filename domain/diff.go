package domain

// Diff computes the minimal write set between two snapshots of the same
// board. A task is included iff its bucket or position differs, so tasks that
// merely sat in a resequenced bucket generate zero writes. Updates come out
// in bucket display order, then position, so batches are deterministic.
func Diff(committed, optimistic Board) []Update {
	updates := []Update{}
	for _, bucket := range optimistic.buckets {
		for _, id := range optimistic.order[bucket.ID] {
			cur := optimistic.tasks[id]
			prev, ok := committed.tasks[id]
			if ok && prev.BucketID == cur.BucketID && prev.OrderIndex == cur.OrderIndex {
				continue
			}
			updates = append(updates, Update{TaskID: id, BucketID: cur.BucketID, OrderIndex: cur.OrderIndex})
		}
	}
	return updates
}
