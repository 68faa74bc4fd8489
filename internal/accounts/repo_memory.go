package accounts

import (
	"context"
	"strings"
	"sync"
)

// MemoryDirectory is an in-memory Directory useful for tests.
type MemoryDirectory struct {
	mu       sync.Mutex
	accounts map[string]Account
	lines    map[string]Line
	memories map[string][]string
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		accounts: make(map[string]Account),
		lines:    make(map[string]Line),
		memories: make(map[string][]string),
	}
}

func (d *MemoryDirectory) PutAccount(a Account) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[a.ID] = a
}

func (d *MemoryDirectory) PutLine(l Line) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lines[l.ID] = l
}

func (d *MemoryDirectory) AddMemory(lineID, content string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.memories[lineID] = append(d.memories[lineID], content)
}

func (d *MemoryDirectory) Account(_ context.Context, id string) (Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (d *MemoryDirectory) Line(_ context.Context, id string) (Line, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.lines[id]
	if !ok {
		return Line{}, ErrNotFound
	}
	return l, nil
}

func (d *MemoryDirectory) LineByPhone(_ context.Context, phone string) (Line, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range d.lines {
		if l.PhoneNumber == phone {
			return l, nil
		}
	}
	return Line{}, ErrNotFound
}

func (d *MemoryDirectory) MemorySummary(_ context.Context, lineID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return strings.Join(d.memories[lineID], "\n"), nil
}

func (d *MemoryDirectory) MarkFirstCallCompleted(_ context.Context, lineID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.lines[lineID]
	if !ok {
		return ErrNotFound
	}
	l.FirstCallCompleted = true
	d.lines[lineID] = l
	return nil
}
