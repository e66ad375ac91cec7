package ringlog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLastOrder(t *testing.T) {
	r := New(4)
	for i := 0; i < 3; i++ {
		r.Append(fmt.Sprintf("line-%d", i))
	}
	assert.Equal(t, []string{"line-0", "line-1", "line-2"}, r.GetLast(10))
	assert.Equal(t, []string{"line-1", "line-2"}, r.GetLast(2))
}

func TestWrapEvictsOldest(t *testing.T) {
	r := New(3)
	for i := 0; i < 5; i++ {
		r.Append(fmt.Sprintf("line-%d", i))
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{"line-2", "line-3", "line-4"}, r.GetLast(3))
}

func TestWriterStripsNewline(t *testing.T) {
	r := New(2)
	n, err := r.Write([]byte("hello\n"))
	assert.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, []string{"hello"}, r.GetLast(1))
}

func TestEmpty(t *testing.T) {
	r := New(2)
	assert.Nil(t, r.GetLast(5))
	assert.Zero(t, r.Len())
}
