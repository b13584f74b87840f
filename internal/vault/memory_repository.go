package vault

import (
	"context"
	"sync"
)

type memoryRepository struct {
	mu      sync.RWMutex
	methods map[string][]PaymentMethod
}

// NewMemoryRepository constructs an in-memory repository for tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{methods: make(map[string][]PaymentMethod)}
}

func (r *memoryRepository) Add(_ context.Context, method PaymentMethod) (PaymentMethod, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	method.IsDefault = len(r.methods[method.WalletID]) == 0
	r.methods[method.WalletID] = append(r.methods[method.WalletID], method)
	return method, nil
}

func (r *memoryRepository) Get(_ context.Context, walletID, id string) (PaymentMethod, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.methods[walletID] {
		if m.ID == id {
			return m, nil
		}
	}
	return PaymentMethod{}, ErrNotFound
}

func (r *memoryRepository) List(_ context.Context, walletID string) ([]PaymentMethod, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]PaymentMethod{}, r.methods[walletID]...), nil
}

func (r *memoryRepository) FindByFingerprint(_ context.Context, walletID, fingerprint string) (PaymentMethod, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.methods[walletID] {
		if fingerprint != "" && m.Fingerprint == fingerprint {
			return m, nil
		}
	}
	return PaymentMethod{}, ErrNotFound
}

func (r *memoryRepository) Remove(_ context.Context, walletID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	methods := r.methods[walletID]
	for i, m := range methods {
		if m.ID != id {
			continue
		}
		remaining := append(methods[:i:i], methods[i+1:]...)
		if m.IsDefault && len(remaining) > 0 {
			remaining[0].IsDefault = true
		}
		r.methods[walletID] = remaining
		return nil
	}
	return ErrNotFound
}

func (r *memoryRepository) SetDefault(_ context.Context, walletID, id string) (PaymentMethod, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	methods := r.methods[walletID]
	target := -1
	for i, m := range methods {
		if m.ID == id {
			target = i
		}
	}
	if target < 0 {
		return PaymentMethod{}, ErrNotFound
	}
	for i := range methods {
		methods[i].IsDefault = i == target
	}
	return methods[target], nil
}

func (r *memoryRepository) RemoveAll(_ context.Context, walletID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.methods[walletID])
	delete(r.methods, walletID)
	return n, nil
}
