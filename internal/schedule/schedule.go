// Package schedule answers who is expected to play on a date. The slate is
// the single source of expected work: the coordinator enumerates it, root
// stages derive expected record counts from it.
package schedule

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/statlinehq/props-engine/internal/model"
)

// Provider enumerates the slate for a date and resolves single entries.
type Provider interface {
	Slate(ctx context.Context, date model.Date) ([]model.SlateEntry, error)
	GetSlateEntry(ctx context.Context, entityID string, date model.Date) (*model.SlateEntry, error)
}

// SlateReader is the store slice a StoreProvider wraps.
type SlateReader interface {
	ListSlate(ctx context.Context, date model.Date) ([]model.SlateEntry, error)
	GetSlateEntry(ctx context.Context, entityID string, date model.Date) (*model.SlateEntry, error)
}

// StoreProvider serves the slate from the persistence layer, where the
// schedule loader writes it.
type StoreProvider struct {
	slates SlateReader
}

// NewStoreProvider creates a Provider over the store.
func NewStoreProvider(slates SlateReader) *StoreProvider {
	return &StoreProvider{slates: slates}
}

func (p *StoreProvider) Slate(ctx context.Context, date model.Date) ([]model.SlateEntry, error) {
	entries, err := p.slates.ListSlate(ctx, date)
	if err != nil {
		return nil, eris.Wrapf(err, "schedule: list slate %s", date)
	}
	return entries, nil
}

func (p *StoreProvider) GetSlateEntry(ctx context.Context, entityID string, date model.Date) (*model.SlateEntry, error) {
	entry, err := p.slates.GetSlateEntry(ctx, entityID, date)
	if err != nil {
		return nil, eris.Wrapf(err, "schedule: slate entry %s@%s", entityID, date)
	}
	return entry, nil
}

// StaticProvider serves a fixed slate, for tests and offline runs fed from
// a file instead of the store.
type StaticProvider struct {
	entries map[model.Date][]model.SlateEntry
}

// NewStaticProvider creates a Provider over in-memory entries.
func NewStaticProvider(entries []model.SlateEntry) *StaticProvider {
	byDate := make(map[model.Date][]model.SlateEntry)
	for _, e := range entries {
		byDate[e.Date] = append(byDate[e.Date], e)
	}
	return &StaticProvider{entries: byDate}
}

func (p *StaticProvider) Slate(_ context.Context, date model.Date) ([]model.SlateEntry, error) {
	return p.entries[date], nil
}

func (p *StaticProvider) GetSlateEntry(_ context.Context, entityID string, date model.Date) (*model.SlateEntry, error) {
	for _, e := range p.entries[date] {
		if e.Entity.ID == entityID {
			entry := e
			return &entry, nil
		}
	}
	return nil, nil
}
