package broker

import (
	"sync"

	"ratatoskr/internal/common"
)

// DeadLetterStore keeps orders that left their queue without completing.
type DeadLetterStore interface {
	RecordDeadLetter(letter common.DeadLetter) error
	DeadLetters() ([]common.DeadLetter, error)
	DeleteDeadLetter(id string) error
}

// MemoryDeadLetters is a DeadLetterStore that forgets on restart.
type MemoryDeadLetters struct {
	mu      sync.Mutex
	letters []common.DeadLetter
}

func (m *MemoryDeadLetters) RecordDeadLetter(letter common.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.letters = append(m.letters, letter)
	return nil
}

func (m *MemoryDeadLetters) DeadLetters() ([]common.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]common.DeadLetter(nil), m.letters...), nil
}

func (m *MemoryDeadLetters) DeleteDeadLetter(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, letter := range m.letters {
		if letter.ID == id {
			m.letters = append(m.letters[:i], m.letters[i+1:]...)
			return nil
		}
	}
	return nil
}
