package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// GetDoc loads and decodes one document.
func GetDoc[T any](ctx context.Context, s Store, collection, id string) (*T, error) {
	raw, err := s.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return &v, nil
}

// PutDoc encodes and stores v unconditionally.
func PutDoc(ctx context.Context, s Store, collection, id string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	return s.Put(ctx, collection, id, raw)
}

// CreateDoc stores v only if id is absent. When the document already exists
// the stored value is returned with created=false.
func CreateDoc[T any](ctx context.Context, s Store, collection, id string, v *T) (*T, bool, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false, fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	stored, created, err := s.Create(ctx, collection, id, raw)
	if err != nil {
		return nil, false, err
	}
	if created {
		return v, true, nil
	}
	var existing T
	if err := json.Unmarshal(stored, &existing); err != nil {
		return nil, false, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return &existing, false, nil
}

// ModifyDoc applies fn to an existing document atomically. fn mutates the
// decoded value in place and reports whether it changed anything; when it
// returns false nothing is written. A missing document yields ErrNotFound.
func ModifyDoc[T any](ctx context.Context, s Store, collection, id string, fn func(*T) (bool, error)) (*T, bool, error) {
	var result T
	_, written, err := s.Update(ctx, collection, id, func(current []byte) ([]byte, bool, error) {
		if current == nil {
			return nil, false, ErrNotFound
		}
		var v T
		if err := json.Unmarshal(current, &v); err != nil {
			return nil, false, fmt.Errorf("decode %s/%s: %w", collection, id, err)
		}
		changed, err := fn(&v)
		if err != nil {
			return nil, false, err
		}
		result = v
		if !changed {
			return current, false, nil
		}
		next, err := json.Marshal(v)
		if err != nil {
			return nil, false, fmt.Errorf("encode %s/%s: %w", collection, id, err)
		}
		return next, true, nil
	})
	if err != nil {
		return nil, false, err
	}
	return &result, written, nil
}

// QueryDocs decodes every document whose field equals value.
func QueryDocs[T any](ctx context.Context, s Store, collection, field string, value any) ([]T, error) {
	raws, err := s.Query(ctx, collection, field, value)
	if err != nil {
		return nil, err
	}
	items := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", collection, err)
		}
		items = append(items, v)
	}
	return items, nil
}

// UpdateMerge overlays the top-level fields of partial onto the document,
// creating it when absent. Fields not named in partial are kept. The write
// is skipped when every field already holds the given value.
func UpdateMerge(ctx context.Context, s Store, collection, id string, partial map[string]any) error {
	_, _, err := s.Update(ctx, collection, id, func(current []byte) ([]byte, bool, error) {
		fields := map[string]json.RawMessage{}
		if current != nil {
			if err := json.Unmarshal(current, &fields); err != nil {
				return nil, false, fmt.Errorf("decode %s/%s: %w", collection, id, err)
			}
		}
		changed := current == nil
		for k, v := range partial {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, false, fmt.Errorf("encode %s/%s.%s: %w", collection, id, k, err)
			}
			if old, ok := fields[k]; !ok || !rawEqual(old, raw) {
				changed = true
			}
			fields[k] = raw
		}
		if !changed {
			return current, false, nil
		}
		next, err := json.Marshal(fields)
		if err != nil {
			return nil, false, err
		}
		return next, true, nil
	})
	return err
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
