package statestore

import "fmt"

// Session-variant mutators: a session document additionally catalogs
// bookmarked data and jobs with usedBy/producedBy cross-references.

// AddData registers a data entry. An entry with the same id is a no-op.
func (t *Transaction) AddData(entry DataEntry) error {
	doc, err := t.mutable()
	if err != nil {
		return err
	}
	for _, existing := range doc.Data {
		if existing.ID == entry.ID {
			return nil
		}
	}
	doc.Data = append(doc.Data, entry)
	t.dirty = true
	return nil
}

// RemoveData deletes the data entry with the given id.
func (t *Transaction) RemoveData(id string) error {
	doc, err := t.mutable()
	if err != nil {
		return err
	}
	for i := range doc.Data {
		if doc.Data[i].ID == id {
			doc.Data = append(doc.Data[:i], doc.Data[i+1:]...)
			t.dirty = true
			return nil
		}
	}
	return fmt.Errorf("%w: data %q", ErrNoSuchEntry, id)
}

// AddUsedBy records that a job consumes a data entry. An existing edge
// is a no-op.
func (t *Transaction) AddUsedBy(dataID, jobKey string) error {
	return t.addEdge(dataID, jobKey, false)
}

// AddProducedBy records that a job produced a data entry. An existing
// edge is a no-op.
func (t *Transaction) AddProducedBy(dataID, jobKey string) error {
	return t.addEdge(dataID, jobKey, true)
}

func (t *Transaction) addEdge(dataID, jobKey string, produced bool) error {
	doc, err := t.mutable()
	if err != nil {
		return err
	}
	for i := range doc.Data {
		if doc.Data[i].ID != dataID {
			continue
		}
		edges := &doc.Data[i].UsedBy
		if produced {
			edges = &doc.Data[i].ProducedBy
		}
		for _, k := range *edges {
			if k == jobKey {
				return nil
			}
		}
		*edges = append(*edges, jobKey)
		t.dirty = true
		return nil
	}
	return fmt.Errorf("%w: data %q", ErrNoSuchEntry, dataID)
}

// AddJob registers a job entry. An entry with the same key is a no-op.
func (t *Transaction) AddJob(entry JobEntry) error {
	doc, err := t.mutable()
	if err != nil {
		return err
	}
	for _, existing := range doc.Jobs {
		if existing.Key == entry.Key {
			return nil
		}
	}
	doc.Jobs = append(doc.Jobs, entry)
	t.dirty = true
	return nil
}

// RemoveJob deletes the job entry with the given key together with its
// usedBy/producedBy edges.
func (t *Transaction) RemoveJob(key string) error {
	doc, err := t.mutable()
	if err != nil {
		return err
	}
	for i := range doc.Jobs {
		if doc.Jobs[i].Key != key {
			continue
		}
		doc.Jobs = append(doc.Jobs[:i], doc.Jobs[i+1:]...)
		for j := range doc.Data {
			doc.Data[j].UsedBy = dropKey(doc.Data[j].UsedBy, key)
			doc.Data[j].ProducedBy = dropKey(doc.Data[j].ProducedBy, key)
		}
		t.dirty = true
		return nil
	}
	return fmt.Errorf("%w: job %q", ErrNoSuchEntry, key)
}

func dropKey(keys []string, key string) []string {
	out := keys[:0]
	for _, k := range keys {
		if k != key {
			out = append(out, k)
		}
	}
	return out
}
