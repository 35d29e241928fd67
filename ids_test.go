package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDAllocatorNeverHandsOutZero(t *testing.T) {
	a := NewIDAllocator(0)
	for i := 0; i < 10; i++ {
		id, ok := a.Reserve()
		assert.True(t, ok)
		assert.NotEqual(t, uint16(0), id)
	}
}

func TestIDAllocatorAdvancesPastFreedID(t *testing.T) {
	a := NewIDAllocator(0)
	id, _ := a.Reserve()
	a.Free(id)
	again, ok := a.Reserve()
	assert.True(t, ok)
	assert.Equal(t, id+1, again)
}

func TestIDAllocatorRespectsLimit(t *testing.T) {
	a := NewIDAllocator(2)
	_, ok1 := a.Reserve()
	_, ok2 := a.Reserve()
	_, ok3 := a.Reserve()
	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.False(t, ok3)
	assert.Equal(t, 2, a.InUse())
}
