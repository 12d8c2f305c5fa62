package serial

import (
	"context"
	"sync"
)

type InMemoryPort struct {
	mu  sync.Mutex
	in  []byte
	out []byte
}

var _ Port = (*InMemoryPort)(nil)

func NewInMemoryPort() *InMemoryPort {
	return &InMemoryPort{}
}

func (p *InMemoryPort) Write(_ context.Context, b []byte) error {
	p.mu.Lock()
	p.out = append(p.out, b...)
	p.mu.Unlock()
	return nil
}

func (p *InMemoryPort) Available(context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.in), nil
}

func (p *InMemoryPort) Read(_ context.Context, max int) ([]byte, error) {
	if max <= 0 {
		return nil, ErrInvalidRead
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := min(max, len(p.in))
	out := append([]byte(nil), p.in[:n]...)
	p.in = p.in[n:]
	return out, nil
}

func (p *InMemoryPort) Inject(_ context.Context, b []byte) error {
	p.mu.Lock()
	p.in = append(p.in, b...)
	p.mu.Unlock()
	return nil
}

func (p *InMemoryPort) Output(context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.out...), nil
}
