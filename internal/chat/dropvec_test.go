package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDropVecBelowCapacity(t *testing.T) {
	v := NewDropVec[int](4)
	v.Push(1)
	v.Push(2)

	assert.Equal(t, 2, v.Len())
	assert.Equal(t, []int{1, 2}, v.Items())
}

func TestDropVecDropsOldest(t *testing.T) {
	v := NewDropVec[int](3)
	for i := 1; i <= 5; i++ {
		v.Push(i)
	}

	assert.Equal(t, 3, v.Len())
	assert.Equal(t, []int{3, 4, 5}, v.Items())
}

func TestDropVecWrapsRepeatedly(t *testing.T) {
	v := NewDropVec[int](2)
	for i := 0; i < 100; i++ {
		v.Push(i)
	}

	assert.Equal(t, []int{98, 99}, v.Items())
}

func TestDropVecZeroCapacity(t *testing.T) {
	v := NewDropVec[string](0)
	v.Push("dropped")

	assert.Equal(t, 0, v.Len())
	assert.Empty(t, v.Items())
}

func TestDropVecItemsIsACopy(t *testing.T) {
	v := NewDropVec[int](2)
	v.Push(1)

	items := v.Items()
	items[0] = 99
	assert.Equal(t, []int{1}, v.Items())
}
