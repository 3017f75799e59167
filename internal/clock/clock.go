// Package clock абстрагирует текущее время для детерминированных тестов.
package clock

import (
	"sync"
	"time"
)

// Clock возвращает текущее время.
type Clock interface {
	Now() time.Time
}

// Real возвращает системное время в UTC.
type Real struct{}

// Now возвращает текущее время в UTC.
func (Real) Now() time.Time { return time.Now().UTC() }

// Fake позволяет управлять временем в тестах.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake создаёт часы, остановленные на t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t.UTC()}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance сдвигает часы вперёд.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
