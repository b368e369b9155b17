package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpendFromReply(t *testing.T) {
	tests := []struct {
		name    string
		reply   []int64
		want    AcquireSpend
		wantErr bool
	}{
		{name: "granted", reply: []int64{3, 1, 0}, want: AcquireSpend{Attempts: 3, Allowed: true}},
		{name: "refused until oldest grant ages out", reply: []int64{61, 0, 41200}, want: AcquireSpend{Attempts: 61, RetryAfter: 41200 * time.Millisecond}},
		{name: "clock skew never yields a negative wait", reply: []int64{61, 0, -5}, want: AcquireSpend{Attempts: 61}},
		{name: "short reply", reply: []int64{1, 1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := spendFromReply(tt.reply)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	require.Equal(t, 1, retryAfterSeconds(0))
	require.Equal(t, 1, retryAfterSeconds(200*time.Millisecond))
	require.Equal(t, 1, retryAfterSeconds(time.Second))
	require.Equal(t, 42, retryAfterSeconds(41200*time.Millisecond))
}

func TestRedisAcquireBudgetKeysPerAgent(t *testing.T) {
	budget := NewRedisAcquireBudget(nil, " desk:budget: ")
	require.Equal(t, "desk:budget:agent:agent-7", budget.agentKey("agent-7"))
	require.Equal(t, "cashflow:acquire_budget:agent:a", NewRedisAcquireBudget(nil, "").agentKey("a"))

	// Without a client there is nothing to enforce.
	spend, err := budget.SpendAcquire(context.Background(), "agent-7", 5, time.Minute, time.Now())
	require.NoError(t, err)
	require.True(t, spend.Allowed)
}
