// Package keylock сериализует изменения по ключу (person_id, date) без глобальной блокировки.
package keylock

import (
	"context"
	"sync"
	"time"

	"github.com/Spok95/school-attendance/internal/metrics"
)

// Locker выдаёт эксклюзивный доступ к ключу; unlock идемпотентен.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Pool — пул мьютексов по ключу с подсчётом ссылок: запись удаляется, когда ключ никто не держит и не ждёт.
type Pool struct {
	mu    sync.Mutex
	byKey map[string]*entry
}

type entry struct {
	sem  chan struct{}
	refs int
}

func NewPool() *Pool {
	return &Pool{byKey: make(map[string]*entry)}
}

func (p *Pool) Lock(ctx context.Context, key string) (func(), error) {
	start := time.Now()

	p.mu.Lock()
	e, ok := p.byKey[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		p.byKey[key] = e
	}
	e.refs++
	p.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		p.release(key, e)
		return nil, ctx.Err()
	}
	metrics.ObserveLockWait(time.Since(start))

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			p.release(key, e)
		})
	}, nil
}

func (p *Pool) release(key string, e *entry) {
	p.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(p.byKey, key)
	}
	p.mu.Unlock()
}

// Len — число живых ключей (для тестов и диагностики).
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byKey)
}
