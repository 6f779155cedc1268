package account

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"ratatoskr/internal/common"
)

// memStore keeps JSON snapshots so loads return fresh accounts, like a
// real store would.
type memStore struct {
	mu       sync.Mutex
	accounts map[string][]byte
	saveErr  error
	closed   bool
}

func newMemStore() *memStore { return &memStore{accounts: make(map[string][]byte)} }

func (s *memStore) LoadAccount(name string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.accounts[name]
	if !ok {
		return nil, nil
	}
	a := &Account{}
	if err := a.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *memStore) SaveAccount(a *Account) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	data, err := a.MarshalJSON()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.Name] = data
	return nil
}

func (s *memStore) DeleteAccount(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, name)
	return nil
}

func (s *memStore) Close() error {
	s.closed = true
	return nil
}

func newTestManager() (*Manager, *memStore) {
	store := newMemStore()
	return NewManager(store, bcrypt.MinCost), store
}

func TestCreateAccount(t *testing.T) {
	m, _ := newTestManager()

	a, err := m.CreateAccount("investor01", "secret", 150_000)
	require.NoError(t, err)
	assert.Equal(t, 150_000, a.Balance)
	assert.NotEqual(t, []byte("secret"), a.PasswordHash)

	_, err = m.CreateAccount("investor01", "other", 150_000)
	assert.ErrorIs(t, err, ErrAccountExists)
}

func TestCreateAccount_Validation(t *testing.T) {
	m, store := newTestManager()

	_, err := m.CreateAccount("short", "secret", 150_000)
	assert.ErrorIs(t, err, common.ErrValidation)

	_, err = m.CreateAccount("investor01", "secret", MinBalance-1)
	assert.ErrorIs(t, err, common.ErrValidation)

	assert.Empty(t, store.accounts)
}

func TestValidateLogin(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.CreateAccount("investor01", "secret", 150_000)
	require.NoError(t, err)

	ok, err := m.ValidateLogin("investor01", "secret")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.ValidateLogin("investor01", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.ValidateLogin("nobody-at-all", "secret")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReflectOrder_PersistsThroughManager(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.CreateAccount("investor01", "secret", 150_000)
	require.NoError(t, err)

	a, err := m.GetAccount("investor01")
	require.NoError(t, err)

	buy, err := common.NewMarketOrder(common.Buy, "investor01", "ABC", 10)
	require.NoError(t, err)
	require.NoError(t, a.ReflectOrder(buy, 1_000))

	sell, err := common.NewMarketOrder(common.Sell, "investor01", "ABC", 4)
	require.NoError(t, err)
	require.NoError(t, a.ReflectOrder(sell, 1_500))

	reloaded, err := m.GetAccount("investor01")
	require.NoError(t, err)
	assert.Equal(t, 150_000-10_000+6_000, reloaded.Balance)
}

func TestReflectOrder_PersistFailure(t *testing.T) {
	m, store := newTestManager()
	a, err := m.CreateAccount("investor01", "secret", 150_000)
	require.NoError(t, err)

	store.saveErr = errors.New("disk full")
	buy, err := common.NewMarketOrder(common.Buy, "investor01", "ABC", 1)
	require.NoError(t, err)

	err = a.ReflectOrder(buy, 100)
	assert.ErrorIs(t, err, common.ErrAccount)
	assert.Equal(t, 149_900, a.CurrentBalance())
}

func TestRegisterManager_OnlyOnce(t *testing.T) {
	first, _ := newTestManager()
	second, secondStore := newTestManager()

	a, err := New("investor01", nil, 150_000)
	require.NoError(t, err)
	a.RegisterManager(first)
	a.RegisterManager(second)

	buy, err := common.NewMarketOrder(common.Buy, "investor01", "ABC", 1)
	require.NoError(t, err)
	require.NoError(t, a.ReflectOrder(buy, 100))
	assert.Empty(t, secondStore.accounts)
}

func TestDeleteAndClose(t *testing.T) {
	m, store := newTestManager()
	_, err := m.CreateAccount("investor01", "secret", 150_000)
	require.NoError(t, err)

	require.NoError(t, m.DeleteAccount("investor01"))
	_, err = m.GetAccount("investor01")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.True(t, store.closed)

	_, err = m.GetAccount("investor01")
	assert.ErrorIs(t, err, ErrManagerClosed)
}
