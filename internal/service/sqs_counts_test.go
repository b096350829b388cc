package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/cloudigrade/cloudigrade/config"
	"github.com/cloudigrade/cloudigrade/internal/core"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
)

func TestQueueCountService_Update(t *testing.T) {
	ctrl := gomock.NewController(t)
	cache := core.NewMockCacheRepository(ctrl)
	queues := newFakeQueues()
	queues.counts["url/cg-inspection_results"] = 4
	queues.dlqs["url/cg-inspection_results"] = "url/cg-inspection_results-dlq"
	queues.counts["url/cg-inspection_results-dlq"] = 1
	queues.counts["url/trail"] = 12

	gomock.InOrder(
		cache.EXPECT().SetInt(gomock.Any(), core.HoundigradeResultsMessageCountKey, int64(4), gomock.Any()).Return(nil),
		cache.EXPECT().SetInt(gomock.Any(), core.HoundigradeResultsDLQMessageCountKey, int64(1), gomock.Any()).Return(nil),
		cache.EXPECT().SetInt(gomock.Any(), core.CloudTrailNotificationsMessageCountKey, int64(12), gomock.Any()).Return(nil),
	)

	svc, err := NewQueueCountService(queues, core.NewMessageCountCache(cache, discardLogger()),
		config.AWSConfig{NamePrefix: "cg-", CloudTrailEventURL: "url/trail"}, discardLogger())
	require.NoError(t, err)

	require.NoError(t, runJob(t, svc.Handlers(), model.TaskUpdateSQSMessageCounts, nil))
}

func TestQueueCountService_UpdateJoinsErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	cache := core.NewMockCacheRepository(ctrl)
	boom := errors.New("cache down")
	cache.EXPECT().SetInt(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(boom).Times(2)

	svc, err := NewQueueCountService(newFakeQueues(), core.NewMessageCountCache(cache, discardLogger()),
		config.AWSConfig{NamePrefix: "cg-", CloudTrailEventURL: "url/trail"}, discardLogger())
	require.NoError(t, err)

	err = svc.Update(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestNewQueueCountService_RequiresDependencies(t *testing.T) {
	_, err := NewQueueCountService(nil, nil, config.AWSConfig{}, nil)
	require.Error(t, err)
}
