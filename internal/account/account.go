package account

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"ratatoskr/internal/common"
)

const (
	MinNameLength = 8
	MinBalance    = 100_000 // cents
)

// Persister saves an account after its balance changes.
type Persister interface {
	Persist(a *Account) error
}

type Account struct {
	Name         string
	PasswordHash []byte
	Balance      int // cents
	FullName     string
	Email        string
	Phone        string

	mu      sync.Mutex
	manager Persister
}

func New(name string, passwordHash []byte, balance int) (*Account, error) {
	if err := validate(name, balance); err != nil {
		return nil, err
	}
	return &Account{
		Name:         name,
		PasswordHash: passwordHash,
		Balance:      balance,
	}, nil
}

func validate(name string, balance int) error {
	if len(name) < MinNameLength {
		return fmt.Errorf("%w: account name must be at least %d characters", common.ErrValidation, MinNameLength)
	}
	if balance < MinBalance {
		return fmt.Errorf("%w: initial balance must be at least %d cents, got %d", common.ErrValidation, MinBalance, balance)
	}
	return nil
}

// RegisterManager sets the persister used by ReflectOrder. Only the first
// registration takes effect.
func (a *Account) RegisterManager(p Persister) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.manager != nil {
		log.Warn().Str("account", a.Name).Msg("account manager already registered")
		return
	}
	a.manager = p
}

// ReflectOrder applies a fill at price to the balance and persists the
// account through its registered manager, if any.
func (a *Account) ReflectOrder(order *common.Order, price int) error {
	a.mu.Lock()
	a.Balance += order.ValueOf(price)
	manager := a.manager
	a.mu.Unlock()

	if manager == nil {
		return nil
	}
	if err := manager.Persist(a); err != nil {
		return fmt.Errorf("%w: persist %s: %w", common.ErrAccount, a.Name, err)
	}
	return nil
}

func (a *Account) CurrentBalance() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Balance
}

type record struct {
	Name         string `json:"name"`
	PasswordHash []byte `json:"password_hash"`
	Balance      int    `json:"balance"`
	FullName     string `json:"full_name,omitempty"`
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
}

// MarshalJSON encodes a consistent snapshot; settles may be running.
func (a *Account) MarshalJSON() ([]byte, error) {
	a.mu.Lock()
	r := record{
		Name:         a.Name,
		PasswordHash: a.PasswordHash,
		Balance:      a.Balance,
		FullName:     a.FullName,
		Email:        a.Email,
		Phone:        a.Phone,
	}
	a.mu.Unlock()
	return json.Marshal(r)
}

func (a *Account) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Name = r.Name
	a.PasswordHash = r.PasswordHash
	a.Balance = r.Balance
	a.FullName = r.FullName
	a.Email = r.Email
	a.Phone = r.Phone
	return nil
}
