package build

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type countingProgressWriter struct {
	mu     sync.Mutex
	total  int64
	added  int
	closed bool
}

func (w *countingProgressWriter) NewCountProgress(total int64, _ string) Progress {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.total = total
	return &countingProgress{w: w}
}

type countingProgress struct {
	w *countingProgressWriter
}

func (p *countingProgress) Write(data []byte) (int, error) {
	return len(data), nil
}

func (p *countingProgress) Add(num int) {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	p.w.added += num
}

func (p *countingProgress) Close() error {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	p.w.closed = true
	return nil
}

func TestQuietProgress(t *testing.T) {
	p := QuietProgress().NewCountProgress(10, "quiet")
	p.Add(5)
	n, err := p.Write([]byte("hello"))
	assert.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.NoError(t, p.Close())
}

func TestProgressBarWrapperNilSafe(t *testing.T) {
	p := &progressBarWrapper{}
	p.Add(1)
	n, err := p.Write(bytes.Repeat([]byte("x"), 3))
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, p.Close())
}
