package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_PrefixesTopicsAndPassesRetain(t *testing.T) {
	srv := &fakeBrokerServer{}
	b, err := srv.dial(context.Background())
	require.NoError(t, err)

	err = Publish(context.Background(), b, "home/mpd", []TopicValue{
		{topicPlayerState, "play"},
		{topicPlayerVolume, "40"},
	}, true)
	require.NoError(t, err)

	assert.Equal(t, []Message{
		{Topic: "home/mpd/player/state", Payload: "play"},
		{Topic: "home/mpd/player/volume", Payload: "40"},
	}, srv.since(0))
	assert.Equal(t, []bool{true, true}, srv.retained)
}

func TestPublish_StopsAtFirstFailure(t *testing.T) {
	srv := &fakeBrokerServer{}
	b, _ := srv.dial(context.Background())

	// One earlier publish succeeds; the batch then fails on its first topic.
	require.NoError(t, b.Publish(context.Background(), "warmup", "x", false))
	srv.failNext = 1

	err := Publish(context.Background(), b, "mpd", []TopicValue{
		{topicSongTitle, "A"},
		{topicSongAlbum, "B"},
	}, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPublishFailed)

	var pe *PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "mpd/song/title", pe.Topic)
	assert.Equal(t, 1, srv.count(), "nothing after the failed topic is sent")
}

func TestPublish_SendsNothingOnceCanceled(t *testing.T) {
	srv := &fakeBrokerServer{}
	b, _ := srv.dial(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	srv.onPublish = func(int) { cancel() }

	err := Publish(ctx, b, "mpd", []TopicValue{
		{topicPlayerState, "play"},
		{topicPlayerElapsed, "3"},
		{topicPlayerVolume, "40"},
	}, false)
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrPublishFailed)
	assert.Equal(t, []Message{{Topic: "mpd/player/state", Payload: "play"}}, srv.since(0))
}

func TestJoinAndRelativeTopic(t *testing.T) {
	assert.Equal(t, "mpd/player/state", joinTopic("mpd", "player/state"))
	assert.Equal(t, "mpd/player/state", joinTopic("mpd/", "player/state"))
	assert.Equal(t, "player/state", joinTopic("", "player/state"))

	rel, ok := relativeTopic("mpd", "mpd/CMD/volume")
	assert.True(t, ok)
	assert.Equal(t, "CMD/volume", rel)

	_, ok = relativeTopic("mpd", "mpdx/CMD")
	assert.False(t, ok)

	rel, ok = relativeTopic("", "CMD")
	assert.True(t, ok)
	assert.Equal(t, "CMD", rel)
}
