package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetAndHasPiece(t *testing.T) {
	bf := New(20)
	assert.False(t, bf.HasPiece(4))
	bf.SetPiece(4)
	assert.True(t, bf.HasPiece(4))
	assert.False(t, bf.HasPiece(3))
	assert.False(t, bf.HasPiece(5))
}

func TestHasPieceOutOfRangeIsFalse(t *testing.T) {
	bf := New(4)
	assert.False(t, bf.HasPiece(100))
}

func TestValidForPieceCountRejectsNonZeroPadding(t *testing.T) {
	bf := Bitfield{0b00000001} // bit 7 set, but only 5 pieces declared
	assert.False(t, bf.ValidForPieceCount(5))
	assert.True(t, bf.ValidForPieceCount(8))
}

func TestCloneIsIndependent(t *testing.T) {
	bf := New(8)
	bf.SetPiece(0)
	clone := bf.Clone()
	clone.SetPiece(1)
	assert.True(t, bf.HasPiece(0))
	assert.False(t, bf.HasPiece(1))
	assert.True(t, clone.HasPiece(1))
}
