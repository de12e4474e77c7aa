package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/kernel_layer/pkg/logger"
)

type fakeStreamClient struct {
	redis.Cmdable
	args []*redis.XAddArgs
	err  error
}

func (f *fakeStreamClient) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	cmd := redis.NewStringCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal("1-0")
	}
	return cmd
}

func TestRedisSink_Emit(t *testing.T) {
	client := &fakeStreamClient{}
	sink := NewRedisSink(client, RedisSinkConfig{MaxLen: 500}, logger.NewDiscard())

	event := NewEvent(EventProposalApproved).Component("proposals").Entity("7").Transition("pending", "approved").Build()
	sink.Emit(context.Background(), event)

	require.Len(t, client.args, 1)
	args := client.args[0]
	assert.Equal(t, DefaultStream, args.Stream)
	assert.Equal(t, int64(500), args.MaxLen)

	values := args.Values.(map[string]interface{})
	assert.Equal(t, "proposal.approved", values["type"])
	assert.Equal(t, "7", values["entity_id"])

	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(values["payload"].(string)), &decoded))
	assert.Equal(t, "approved", decoded.NewState)

	sent, failed := sink.Stats()
	assert.Equal(t, int64(1), sent)
	assert.Zero(t, failed)
}

func TestRedisSink_FailureIsSwallowed(t *testing.T) {
	client := &fakeStreamClient{err: errors.New("connection refused")}
	sink := NewRedisSink(client, RedisSinkConfig{Stream: "audit"}, logger.NewDiscard())

	sink.Emit(context.Background(), NewEvent(EventUpgradeExecuted).Build())

	require.Len(t, client.args, 1)
	assert.Equal(t, "audit", client.args[0].Stream)
	sent, failed := sink.Stats()
	assert.Zero(t, sent)
	assert.Equal(t, int64(1), failed)
}
