package store

import "context"

// pendingWrites buffers a transaction's writes and replays them over reads so
// the transaction observes its own changes. Backends embed it in their Tx.
type pendingWrites struct {
	writes []write
}

func (p *pendingWrites) Create(collection, id string, data map[string]any) {
	p.writes = append(p.writes, write{kind: writeCreate, collection: collection, id: id, data: data})
}

func (p *pendingWrites) Set(collection, id string, data map[string]any) {
	p.writes = append(p.writes, write{kind: writeSet, collection: collection, id: id, data: data})
}

func (p *pendingWrites) Update(collection, id string, fields map[string]any) {
	p.writes = append(p.writes, write{kind: writeUpdate, collection: collection, id: id, data: fields})
}

func (p *pendingWrites) Delete(collection, id string) {
	p.writes = append(p.writes, write{kind: writeDelete, collection: collection, id: id})
}

// overlay applies the pending writes for key on top of doc.
func (p *pendingWrites) overlay(key docKey, doc Document, exists bool, now Timestamp) (Document, bool, error) {
	for _, w := range p.writes {
		if w.key() != key {
			continue
		}
		var current map[string]any
		if exists {
			current = doc.Data
		}
		next, err := applyWrite(current, exists, w, now)
		if err != nil {
			return Document{}, false, err
		}
		doc.ID = key.id
		doc.Data = next
		exists = next != nil
	}
	return doc, exists, nil
}

// merge overlays pending writes on a committed query result and re-evaluates q.
func (p *pendingWrites) merge(q Query, committed []Document, now Timestamp) ([]Document, error) {
	byID := make(map[string]Document, len(committed))
	for _, doc := range committed {
		byID[doc.ID] = doc
	}
	for _, w := range p.writes {
		if w.collection != q.Collection {
			continue
		}
		if _, ok := byID[w.id]; !ok {
			byID[w.id] = Document{ID: w.id}
		}
	}
	merged := make([]Document, 0, len(byID))
	for id, doc := range byID {
		doc, exists, err := p.overlay(docKey{collection: q.Collection, id: id}, doc, doc.Data != nil, now)
		if err != nil {
			return nil, err
		}
		if exists {
			merged = append(merged, doc)
		}
	}
	return Evaluate(merged, q), nil
}

// stage folds the pending writes into one final state per touched document,
// in first-touch order. load returns the committed data, nil when missing.
func (p *pendingWrites) stage(ctx context.Context, now Timestamp, load func(ctx context.Context, key docKey) (map[string]any, error)) ([]docKey, map[docKey]map[string]any, error) {
	staged := make(map[docKey]map[string]any)
	order := make([]docKey, 0, len(p.writes))
	for _, w := range p.writes {
		key := w.key()
		current, seen := staged[key]
		if !seen {
			loaded, err := load(ctx, key)
			if err != nil {
				return nil, nil, err
			}
			current = loaded
			order = append(order, key)
		}
		next, err := applyWrite(current, current != nil, w, now)
		if err != nil {
			return nil, nil, err
		}
		staged[key] = next
	}
	return order, staged, nil
}
