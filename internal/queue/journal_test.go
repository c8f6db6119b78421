package queue

import (
	"context"
	"testing"
	"time"

	"clinic-queue/internal/models"
	"clinic-queue/internal/realtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisJournal_AppendAndRead(t *testing.T) {
	mr, client := setupRedis(t)
	j := NewRedisJournal(client, "", 0)
	ctx := context.Background()
	at := time.Date(2024, 3, 27, 8, 0, 0, 0, wib)

	events := []models.TransitionEvent{
		{EntryID: "a", QueueNumber: "Q20240327-001", ServiceDate: "2024-03-27", ToState: models.StateWaiting, Action: ActionAdmit, Version: 1, OccurredAt: at},
		{EntryID: "a", QueueNumber: "Q20240327-001", ServiceDate: "2024-03-27", FromState: models.StateWaiting, ToState: models.StateCalled, Action: "call", Version: 2, OccurredAt: at.Add(time.Minute)},
	}
	for _, ev := range events {
		require.NoError(t, j.Append(ctx, ev))
	}

	assert.True(t, mr.Exists("queue:events:20240327"))
	assert.True(t, mr.TTL("queue:events:20240327") > 0)

	got, err := j.Read(ctx, "2024-03-27")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Version)
	assert.Equal(t, models.StateCalled, got[1].ToState)
	assert.True(t, got[1].OccurredAt.Equal(at.Add(time.Minute)))

	empty, err := j.Read(ctx, "2024-03-28")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRedisJournal_EngineWritesEveryEvent(t *testing.T) {
	_, client := setupRedis(t)
	f := setupEngine(t, 1)
	j := NewRedisJournal(client, "test:", 100)
	f.engine.journal = j

	e := f.admit(t, "p")
	e, err := f.apply(e, models.ActionCall)
	require.NoError(t, err)
	_, err = f.apply(e, models.ActionStart)
	require.NoError(t, err)

	got, err := j.Read(context.Background(), e.ServiceDate)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, ev := range got {
		assert.Equal(t, e.EntryID, ev.EntryID)
		assert.Equal(t, int64(i+1), ev.Version)
	}
}

func TestRedisJournal_RestoreSeedsReplay(t *testing.T) {
	_, client := setupRedis(t)
	f := setupEngine(t, 1)
	j := NewRedisJournal(client, "", 0)
	f.engine.journal = j

	e := f.admit(t, "p")
	e, err := f.apply(e, models.ActionCall)
	require.NoError(t, err)
	_, err = f.apply(e, models.ActionStart)
	require.NoError(t, err)

	// a fresh bus after a restart knows nothing about the entry
	restarted := realtime.NewBus(realtime.Options{})
	defer restarted.Close()
	before, err := restarted.Subscribe(realtime.SubscribeOptions{Since: map[string]int64{e.EntryID: 1}})
	require.NoError(t, err)
	assert.False(t, before.ReplayComplete())

	n, err := j.Restore(context.Background(), e.ServiceDate, restarted)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	sub, err := restarted.Subscribe(realtime.SubscribeOptions{Since: map[string]int64{e.EntryID: 1}})
	require.NoError(t, err)
	assert.True(t, sub.ReplayComplete())
	var got []int64
	for len(got) < 2 {
		select {
		case ev := <-sub.C():
			got = append(got, ev.Version)
		case <-time.After(time.Second):
			t.Fatal("replay not delivered")
		}
	}
	assert.Equal(t, []int64{2, 3}, got)
}
