package tiler

import (
	"maps"
	"slices"
)

// BundleData is the persisted optimizer state of one bundle.
type BundleData struct {
	Index           int
	BVDs            *BVDContainer
	Plan            *ExecutionPlan
	NumSlicesPerBVD NumSlicesPerBVD
	PeakCacheUsage  int64
	// ReductionInputs maps each committed reduce-aggregate op to the
	// coordinates of its inputs; aggregation inputs are matched by
	// coordinate, not by position.
	ReductionInputs map[OpID][]BVDCoord
	// PersistedClones lists, per boundary tensor, the coordinates of the
	// sliced clones written back into it.
	PersistedClones map[TensorID][]BVDCoord
	Committed       bool
}

// DataStore maps bundle index to BundleData for one compilation job. A bundle
// present in the store is under optimizer management.
type DataStore struct {
	bundles map[int]*BundleData
}

// NewDataStore returns an empty store.
func NewDataStore() *DataStore {
	return &DataStore{bundles: make(map[int]*BundleData)}
}

// Register puts a bundle under management. Registering a bundle twice is an
// internal error.
func (s *DataStore) Register(d *BundleData) {
	if _, ok := s.bundles[d.Index]; ok {
		fatalf("bundle %d registered twice", d.Index)
	}
	if d.ReductionInputs == nil {
		d.ReductionInputs = make(map[OpID][]BVDCoord)
	}
	if d.PersistedClones == nil {
		d.PersistedClones = make(map[TensorID][]BVDCoord)
	}
	s.bundles[d.Index] = d
}

// Get returns the data of a managed bundle.
func (s *DataStore) Get(index int) (*BundleData, bool) {
	d, ok := s.bundles[index]
	return d, ok
}

// Has reports whether a bundle is under management.
func (s *DataStore) Has(index int) bool {
	_, ok := s.bundles[index]
	return ok
}

// Remove takes a bundle out of management, e.g. when it falls back to
// unoptimized execution. Committed bundles cannot be removed.
func (s *DataStore) Remove(index int) {
	if d, ok := s.bundles[index]; ok && d.Committed {
		fatalf("bundle %d removed after commit", index)
	}
	delete(s.bundles, index)
}

// Merge moves the metadata accumulated while slicing a bundle into its
// stored data and marks it committed. The bundle must be registered and not
// yet committed.
func (s *DataStore) Merge(index int, from *BundleData) {
	d, ok := s.bundles[index]
	if !ok {
		fatalf("merge into unregistered bundle %d", index)
	}
	if d.Committed {
		fatalf("merge into already committed bundle %d", index)
	}
	d.Plan = from.Plan
	d.NumSlicesPerBVD = slices.Clone(from.NumSlicesPerBVD)
	d.PeakCacheUsage = from.PeakCacheUsage
	maps.Copy(d.ReductionInputs, from.ReductionInputs)
	for t, coords := range from.PersistedClones {
		d.PersistedClones[t] = append(d.PersistedClones[t], coords...)
	}
	d.Committed = true
}

// Indices returns the managed bundle indices in ascending order.
func (s *DataStore) Indices() []int {
	idx := slices.Collect(maps.Keys(s.bundles))
	slices.Sort(idx)
	return idx
}

// Reset clears the store between independent compilation jobs.
func (s *DataStore) Reset() {
	clear(s.bundles)
}
