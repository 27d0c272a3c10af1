package core

// The methods below satisfy internal/stats.Source by delegating to the
// live delta, the overlay, and the on-disk directory, so StatsReporter
// depends only on that interface and never imports internal/core.

func (tc *TieredCore) ArenaBytes() uint64 {
	return tc.deltaPtr.Load().Arena().Len()
}

func (tc *TieredCore) ArenaCapacity() uint64 {
	return tc.deltaPtr.Load().Arena().Capacity()
}

func (tc *TieredCore) PostingBytes() uint64 {
	return tc.deltaPtr.Load().Postings().SerializedSize()
}

func (tc *TieredCore) MetaLen() uint64 {
	return uint64(tc.deltaPtr.Load().DocCount())
}

func (tc *TieredCore) MetaCapacity() uint64 {
	metas, _ := tc.deltaPtr.Load().Metas()
	return uint64(cap(metas))
}

func (tc *TieredCore) TombstoneCardinality() uint64 {
	return tc.deltaPtr.Load().TombstoneCardinality()
}

func (tc *TieredCore) OverlayDeletedCount() uint64 {
	return uint64(tc.ov.DeletedCount())
}

func (tc *TieredCore) OverlayUpsertedCount() uint64 {
	return uint64(tc.ov.UpsertedCount())
}

func (tc *TieredCore) OverlayBytes() uint64 {
	return tc.ov.ByteSize()
}

func (tc *TieredCore) PendingEventCount() uint64 {
	tc.pendingMu.Lock()
	defer tc.pendingMu.Unlock()
	return uint64(len(tc.pending))
}

func (tc *TieredCore) DeltaSegmentCount() int {
	return tc.dir.DeltaCount()
}

func (tc *TieredCore) HasBase() bool {
	return tc.dir.HasBase()
}
