package clock

import (
	"sync"
	"time"
)

// Clock источник текущего времени. Подменяется в тестах.
type Clock interface {
	Now() time.Time
}

// Func adapts a function to the Clock interface.
type Func func() time.Time

// Now calls f.
func (f Func) Now() time.Time { return f() }

// System returns the wall clock in UTC.
func System() Clock {
	return Func(func() time.Time { return time.Now().UTC() })
}

// Monotonic выдает строго возрастающие отметки времени поверх источника времени.
// Как и часы Лампорта, при наблюдении чужой отметки продвигается не ниже нее,
// поэтому серверное время события всегда больше времени предыдущего события актива.
type Monotonic struct {
	last   time.Time  // последняя выданная или наблюденная отметка
	source Clock      // источник физического времени
	mu     sync.Mutex // мьютекс для потокобезопасности
}

// Resolution минимальный шаг между двумя выданными отметками.
const Resolution = time.Microsecond

// NewMonotonic creates a monotonic clock over source. A nil source means
// the system clock.
func NewMonotonic(source Clock) *Monotonic {
	if source == nil {
		source = System()
	}
	return &Monotonic{source: source}
}

// Now returns a timestamp strictly greater than every timestamp previously
// returned or observed.
func (m *Monotonic) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.source.Now().UTC().Truncate(Resolution)
	if !now.After(m.last) {
		now = m.last.Add(Resolution)
	}
	m.last = now

	return now
}

// Observe advances the clock so the next Now is after t.
func (m *Monotonic) Observe(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.After(m.last) {
		m.last = t.UTC()
	}
}

// Last returns the latest issued or observed timestamp.
func (m *Monotonic) Last() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.last
}
