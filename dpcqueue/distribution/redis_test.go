package distribution

import (
	"context"
	"errors"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestRedisQueue(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()

	tests := []struct {
		name   string
		expect func(mock redismock.ClientMock)
		verify func(t *testing.T, q *RedisQueue)
	}{
		{
			"Add pushes to the tail",
			func(mock redismock.ClientMock) { mock.ExpectRPush(DefaultRedisKey, id.String()).SetVal(1) },
			func(t *testing.T, q *RedisQueue) { assert.NoError(t, q.Add(ctx, id)) },
		},
		{
			"Add failure",
			func(mock redismock.ClientMock) {
				mock.ExpectRPush(DefaultRedisKey, id.String()).SetErr(errors.New("connection reset"))
			},
			func(t *testing.T, q *RedisQueue) {
				err := q.Add(ctx, id)
				assert.ErrorContains(t, err, "connection reset")
				assert.ErrorContains(t, err, id.String())
			},
		},
		{
			"Poll returns the head",
			func(mock redismock.ClientMock) { mock.ExpectLPop(DefaultRedisKey).SetVal(id.String()) },
			func(t *testing.T, q *RedisQueue) {
				polled, ok, err := q.Poll(ctx)
				assert.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, id, polled)
			},
		},
		{
			"Poll on empty list",
			func(mock redismock.ClientMock) { mock.ExpectLPop(DefaultRedisKey).RedisNil() },
			func(t *testing.T, q *RedisQueue) {
				_, ok, err := q.Poll(ctx)
				assert.NoError(t, err)
				assert.False(t, ok)
			},
		},
		{
			"Poll malformed entry",
			func(mock redismock.ClientMock) { mock.ExpectLPop(DefaultRedisKey).SetVal("not-a-uuid") },
			func(t *testing.T, q *RedisQueue) {
				_, ok, err := q.Poll(ctx)
				assert.False(t, ok)
				assert.ErrorContains(t, err, "malformed")
			},
		},
		{
			"Poll failure",
			func(mock redismock.ClientMock) { mock.ExpectLPop(DefaultRedisKey).SetErr(errors.New("timeout")) },
			func(t *testing.T, q *RedisQueue) {
				_, ok, err := q.Poll(ctx)
				assert.False(t, ok)
				assert.ErrorContains(t, err, "timeout")
			},
		},
		{
			"Size",
			func(mock redismock.ClientMock) { mock.ExpectLLen(DefaultRedisKey).SetVal(4) },
			func(t *testing.T, q *RedisQueue) {
				size, err := q.Size(ctx)
				assert.NoError(t, err)
				assert.EqualValues(t, 4, size)
			},
		},
		{
			"Contains present",
			func(mock redismock.ClientMock) {
				mock.ExpectLPos(DefaultRedisKey, id.String(), redis.LPosArgs{}).SetVal(2)
			},
			func(t *testing.T, q *RedisQueue) {
				found, err := q.Contains(ctx, id)
				assert.NoError(t, err)
				assert.True(t, found)
			},
		},
		{
			"Contains absent",
			func(mock redismock.ClientMock) {
				mock.ExpectLPos(DefaultRedisKey, id.String(), redis.LPosArgs{}).RedisNil()
			},
			func(t *testing.T, q *RedisQueue) {
				found, err := q.Contains(ctx, id)
				assert.NoError(t, err)
				assert.False(t, found)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rdb, mock := redismock.NewClientMock()
			tt.expect(mock)
			tt.verify(t, NewRedisQueue(rdb, ""))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRedisQueueFromURL(t *testing.T) {
	q, err := NewRedisQueueFromURL("redis://localhost:6379/2", "dpc:test")
	assert.NoError(t, err)
	assert.Equal(t, "Redis list dpc:test", q.Type())
	assert.NoError(t, q.Close())

	_, err = NewRedisQueueFromURL("http://localhost", "")
	assert.Error(t, err)
}
