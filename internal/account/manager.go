package account

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrAccountExists   = errors.New("account already exists")
	ErrAccountNotFound = errors.New("account not found")
	ErrManagerClosed   = errors.New("account manager closed")
)

// Store is the persistence behind a Manager. LoadAccount returns nil, nil
// when no account has the name.
type Store interface {
	LoadAccount(name string) (*Account, error)
	SaveAccount(a *Account) error
	DeleteAccount(name string) error
	Close() error
}

// Manager creates, authenticates and persists accounts.
type Manager struct {
	mu         sync.RWMutex
	store      Store
	bcryptCost int
}

func NewManager(store Store, bcryptCost int) *Manager {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Manager{store: store, bcryptCost: bcryptCost}
}

func (m *Manager) storeOrErr() (Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.store == nil {
		return nil, ErrManagerClosed
	}
	return m.store, nil
}

// Persist saves the account.
func (m *Manager) Persist(a *Account) error {
	store, err := m.storeOrErr()
	if err != nil {
		return err
	}
	return store.SaveAccount(a)
}

// GetAccount loads the named account and registers this manager on it.
func (m *Manager) GetAccount(name string) (*Account, error) {
	store, err := m.storeOrErr()
	if err != nil {
		return nil, err
	}
	a, err := store.LoadAccount(name)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, name)
	}
	a.RegisterManager(m)
	return a, nil
}

func (m *Manager) DeleteAccount(name string) error {
	store, err := m.storeOrErr()
	if err != nil {
		return err
	}
	return store.DeleteAccount(name)
}

// CreateAccount hashes the password, persists a new account and returns it.
func (m *Manager) CreateAccount(name, password string, balance int) (*Account, error) {
	store, err := m.storeOrErr()
	if err != nil {
		return nil, err
	}
	if err := validate(name, balance); err != nil {
		return nil, err
	}

	existing, err := store.LoadAccount(name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountExists, name)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	a, err := New(name, hash, balance)
	if err != nil {
		return nil, err
	}
	a.RegisterManager(m)
	if err := store.SaveAccount(a); err != nil {
		return nil, err
	}

	log.Info().Str("account", name).Int("balance", balance).Msg("account created")
	return a, nil
}

// ValidateLogin reports whether the account exists and password matches.
func (m *Manager) ValidateLogin(name, password string) (bool, error) {
	store, err := m.storeOrErr()
	if err != nil {
		return false, err
	}
	a, err := store.LoadAccount(name)
	if err != nil {
		return false, err
	}
	if a == nil {
		return false, nil
	}
	err = bcrypt.CompareHashAndPassword(a.PasswordHash, []byte(password))
	return err == nil, nil
}

// Close releases the store. Later calls fail with ErrManagerClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return nil
	}
	err := m.store.Close()
	m.store = nil
	return err
}
