package dlq

import "sort"

// Shared client-side pagination over in-memory snapshots, used by the file
// and redis backends. The database backend pushes the same predicates into
// SQL instead.

func sortDesc(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].ID.String() > entries[j].ID.String()
	})
}

func take(entries []*Entry, limit int) ([]*Entry, bool) {
	if len(entries) > limit {
		return entries[:limit], true
	}
	return entries, false
}

func reverse(entries []*Entry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}

// paginate slices one page out of the full filtered set. Forward pages walk
// toward older entries, backward pages toward newer ones; either way the
// returned page is ordered newest first.
func paginate(all []*Entry, params ListParams) (*Page, error) {
	sortDesc(all)

	if params.Cursor == "" {
		entries, hasMore := take(all, params.Limit)
		return makePage(entries, hasMore), nil
	}

	cur, err := decodeCursor(params.Cursor)
	if err != nil {
		return nil, err
	}

	if params.Direction == DirectionBackward {
		newer := all[:0:0]
		for _, e := range all {
			if e.after(cur) {
				newer = append(newer, e)
			}
		}
		// nearest-newer first, trim the far end, then back to newest-first
		reverse(newer)
		entries, hasMore := take(newer, params.Limit)
		reverse(entries)
		return makePage(entries, hasMore), nil
	}

	older := all[:0:0]
	for _, e := range all {
		if e.before(cur) {
			older = append(older, e)
		}
	}
	entries, hasMore := take(older, params.Limit)
	return makePage(entries, hasMore), nil
}
