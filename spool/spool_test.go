package spool

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grasevski/amqpcli/message"
)

func openMemory(t *testing.T) *Spool {
	t.Helper()
	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAssignsSequentialNumbers(t *testing.T) {
	s := openMemory(t)

	for want := uint64(1); want <= 3; want++ {
		seq, err := s.Append(Entry{RoutingKey: "work", Body: []byte("m")})
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}

	n, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPendingReturnsAppendOrder(t *testing.T) {
	s := openMemory(t)

	// More than nine entries so lexicographic key order only matches append
	// order if the sequence numbers are zero-padded.
	const total = 12
	for i := 1; i <= total; i++ {
		_, err := s.Append(Entry{RoutingKey: "work", Body: []byte(fmt.Sprintf("msg-%02d", i))})
		require.NoError(t, err)
	}

	entries, err := s.Pending()
	require.NoError(t, err)
	require.Len(t, entries, total)

	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq, "entry %d out of order", i)
		assert.Equal(t, []byte(fmt.Sprintf("msg-%02d", i+1)), e.Body)
	}
}

func TestSettleRemovesEntry(t *testing.T) {
	s := openMemory(t)

	first, err := s.Append(Entry{Body: []byte("one")})
	require.NoError(t, err)
	second, err := s.Append(Entry{Body: []byte("two")})
	require.NoError(t, err)

	require.NoError(t, s.Settle(first))

	entries, err := s.Pending()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, second, entries[0].Seq)

	assert.NoError(t, s.Settle(999), "settling an unknown sequence number is a no-op")
}

func TestSequenceNumbersSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.db")

	s, err := Open(path)
	require.NoError(t, err)
	seq1, err := s.Append(Entry{Body: []byte("one")})
	require.NoError(t, err)
	require.NoError(t, s.Settle(seq1))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	seq2, err := s.Append(Entry{Body: []byte("two")})
	require.NoError(t, err)
	assert.Equal(t, seq1+1, seq2, "settled sequence numbers must not be reused after a restart")

	entries, err := s.Pending()
	require.NoError(t, err)
	require.Len(t, entries, 1, "the settled entry must stay settled across a restart")
	assert.Equal(t, seq2, entries[0].Seq)
}

func TestEntryFieldsSurviveJournal(t *testing.T) {
	s := openMemory(t)

	in := Entry{
		Exchange:   "amq.topic",
		RoutingKey: "a.b.c",
		Properties: message.Properties{
			ContentType:  "text/plain",
			DeliveryMode: message.Persistent,
			Headers:      message.Table{"origin": "cli"},
		},
		Body: []byte("payload"),
	}
	seq, err := s.Append(in)
	require.NoError(t, err)

	entries, err := s.Pending()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	out := entries[0]
	assert.Equal(t, seq, out.Seq)
	assert.Equal(t, in.Exchange, out.Exchange)
	assert.Equal(t, in.RoutingKey, out.RoutingKey)
	assert.Equal(t, in.Body, out.Body)
	assert.Equal(t, in.Properties.ContentType, out.Properties.ContentType)
	assert.Equal(t, in.Properties.DeliveryMode, out.Properties.DeliveryMode)
	assert.Equal(t, "cli", out.Properties.Headers["origin"])

	assert.False(t, out.EnqueuedAt.IsZero(), "append stamps entries it receives unstamped")
	assert.WithinDuration(t, time.Now(), out.EnqueuedAt, time.Minute)
}
