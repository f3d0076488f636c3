package sync

import (
	"sort"

	"github.com/sidkik/mirror/pkg/errors"
	"github.com/sidkik/mirror/pkg/proto/mirror"
)

// PathState is one side's view of the synced tree at a point in time, keyed
// by normalized path.
type PathState map[string]PathEntry

// NewPathState returns a PathState containing `entries`. Later entries for
// the same path replace earlier ones.
func NewPathState(entries ...PathEntry) PathState {
	state := PathState{}
	for _, e := range entries {
		state[e.Path] = e
	}
	return state
}

// Apply folds the updates into the state. Tombstones replace the entry
// rather than removing the key, so that the state remembers the deletion.
func (state PathState) Apply(updates ...Update) {
	for _, u := range updates {
		state[u.Entry.Path] = u.Entry
	}
}

// Copy returns a deep copy of the state. Maps are reference types, so
// without the copy changes to one state would affect the other.
func (state PathState) Copy() PathState {
	stateCopy := make(PathState, len(state))
	for k, v := range state {
		stateCopy[k] = v
	}
	return stateCopy
}

// Paths returns the paths in the state in sorted order.
func (state PathState) Paths() []string {
	paths := make([]string, 0, len(state))
	for path := range state {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Entries returns the entries in the state sorted by path.
func (state PathState) Entries() []PathEntry {
	var entries []PathEntry
	for _, path := range state.Paths() {
		entries = append(entries, state[path])
	}
	return entries
}

// Live returns the number of entries that aren't tombstones.
func (state PathState) Live() (n int) {
	for _, e := range state {
		if e.Kind != Tombstone {
			n++
		}
	}
	return n
}

// Diff returns the updates that turn `b` into `a`.
// * Paths in `a` that are missing from `b`, or differ, carry `a`'s entry.
// * Paths only in `b` are tombstoned, unless `b` already has a tombstone.
// Directories are only compared by kind. Their children are separate entries
// and get diffed individually.
// The result is sorted by path within each group so that it's deterministic.
func Diff(a, b PathState) (updates []Update) {
	for _, path := range a.Paths() {
		exp := a[path]
		curr, ok := b[path]
		if !ok || exp.Differs(curr) {
			updates = append(updates, Update{Entry: exp})
		}
	}

	for _, path := range b.Paths() {
		if _, ok := a[path]; ok {
			continue
		}

		if b[path].Kind == Tombstone {
			continue
		}
		updates = append(updates, Update{Entry: NewTombstone(path)})
	}
	return updates
}

// Marshal converts the state into the protobuf format.
func (state PathState) Marshal() ([]*mirror.Update, error) {
	var pbState []*mirror.Update
	for _, e := range state.Entries() {
		pb, err := Update{Entry: e}.Marshal()
		if err != nil {
			return nil, errors.WithContext(err, e.Path)
		}
		pbState = append(pbState, pb)
	}
	return pbState, nil
}

// UnmarshalPathState parses the protobuf version of a state.
func UnmarshalPathState(pbState []*mirror.Update) (PathState, error) {
	state := PathState{}
	for _, pb := range pbState {
		u, err := UnmarshalUpdate(pb)
		if err != nil {
			return nil, errors.WithContext(err, "parse entry")
		}
		state.Apply(u)
	}
	return state, nil
}
