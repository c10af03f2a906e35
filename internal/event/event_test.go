package event

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeString(t *testing.T) {
	tests := []struct {
		want string
		typ  Type
	}{
		{want: "RunStarted", typ: RunStarted},
		{want: "BatchCompared", typ: BatchCompared},
		{want: "BlockChanged", typ: BlockChanged},
		{want: "BlockTransferred", typ: BlockTransferred},
		{want: "BlockFailed", typ: BlockFailed},
		{want: "ImageCommitted", typ: ImageCommitted},
		{want: "RunCompleted", typ: RunCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.typ.String())
		})
	}
}

func TestTypeStringUnknown(t *testing.T) {
	assert.Equal(t, "Unknown", Type(999).String())
	assert.Equal(t, "Unknown", Type(0).String())
}

func TestEventZeroValue(t *testing.T) {
	var e Event
	assert.Equal(t, Type(0), e.Type)
	assert.True(t, e.Timestamp.IsZero())
	assert.Empty(t, e.Path)
	assert.Zero(t, e.Index)
	assert.Zero(t, e.Size)
	assert.Zero(t, e.Total)
	require.NoError(t, e.Error)
}

func TestEmit(t *testing.T) {
	t.Run("stamps and delivers", func(t *testing.T) {
		ch := make(chan Event, 1)
		before := time.Now()
		Emit(ch, Event{Type: BlockChanged, Index: 7, Size: 4096})

		got := <-ch
		assert.Equal(t, BlockChanged, got.Type)
		assert.Equal(t, int64(7), got.Index)
		assert.False(t, got.Timestamp.Before(before))
	})

	t.Run("drops when full", func(t *testing.T) {
		ch := make(chan Event, 1)
		Emit(ch, Event{Type: BlockChanged, Index: 1})
		Emit(ch, Event{Type: BlockFailed, Index: 2, Error: errors.New("boom")})

		require.Len(t, ch, 1)
		assert.Equal(t, int64(1), (<-ch).Index)
	})

	t.Run("nil channel", func(t *testing.T) {
		assert.NotPanics(t, func() { Emit(nil, Event{Type: RunStarted}) })
	})
}
