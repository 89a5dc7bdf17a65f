package progress

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestEventValidate(t *testing.T) {
	t.Parallel()

	id := UUIDToBytes(uuid.New())
	now := time.Now()
	tests := []struct {
		name    string
		evt     Event
		wantErr bool
	}{
		{name: "start", evt: Event{CrawlID: id, TS: now, Stage: StageCrawlStart, SpaceID: "s"}},
		{name: "page", evt: Event{CrawlID: id, TS: now, Stage: StageCrawlPage, SpaceID: "s", Items: 3, Pages: 1}},
		{name: "done", evt: Event{CrawlID: id, TS: now, Stage: StageCrawlDone, Outcome: OutcomeSuccess, Items: 10}},
		{name: "error", evt: Event{CrawlID: id, TS: now, Stage: StageCrawlError, Outcome: OutcomeRateLimited}},
		{name: "missing id", evt: Event{TS: now, Stage: StageCrawlStart, SpaceID: "s"}, wantErr: true},
		{name: "missing ts", evt: Event{CrawlID: id, Stage: StageCrawlStart, SpaceID: "s"}, wantErr: true},
		{name: "page without space", evt: Event{CrawlID: id, TS: now, Stage: StageCrawlPage}, wantErr: true},
		{name: "error without outcome", evt: Event{CrawlID: id, TS: now, Stage: StageCrawlError}, wantErr: true},
		{name: "done with failure", evt: Event{CrawlID: id, TS: now, Stage: StageCrawlDone, Outcome: OutcomeFailed}, wantErr: true},
		{name: "negative items", evt: Event{CrawlID: id, TS: now, Stage: StageCrawlPage, SpaceID: "s", Items: -1}, wantErr: true},
		{name: "unknown stage", evt: Event{CrawlID: id, TS: now, Stage: "NOPE"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.evt.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestUUIDRoundTrip(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	evt := Event{CrawlID: UUIDToBytes(id)}
	require.Equal(t, id, evt.CrawlUUID())
}
