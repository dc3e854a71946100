package chat

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderIgnoresTimestamps(t *testing.T) {
	log := NewLog()
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	log.Append(Message{ID: "a", Text: "second by clock", Timestamp: t2, Kind: KindText})
	log.Append(Message{ID: "b", Text: "first by clock", Timestamp: t1, Kind: KindText})

	msgs := log.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, []time.Time{t2, t1}, []time.Time{msgs[0].Timestamp, msgs[1].Timestamp})
	assert.Less(t, msgs[0].Seq, msgs[1].Seq)
}

func TestMessagesIsACopy(t *testing.T) {
	log := NewLog()
	log.Append(Message{ID: "a", Text: "hello", File: &FileRef{Name: "x.pdf"}, Kind: KindFile})

	msgs := log.Messages()
	msgs[0].Text = "changed"
	msgs[0].File.Name = "changed.pdf"

	stored := log.Messages()[0]
	assert.Equal(t, "hello", stored.Text)
	assert.Equal(t, "x.pdf", stored.File.Name)
}

func TestConcurrentAppendsGetDistinctSequence(t *testing.T) {
	log := NewLog()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			log.Append(Message{ID: fmt.Sprint(i), Kind: KindText})
		}(i)
	}
	wg.Wait()

	msgs := log.Messages()
	require.Len(t, msgs, 50)
	for i, m := range msgs {
		assert.Equal(t, uint64(i+1), m.Seq)
	}
}

func TestKindValid(t *testing.T) {
	assert.True(t, KindText.Valid())
	assert.True(t, KindSystem.Valid())
	assert.False(t, Kind("sticker").Valid())
}
