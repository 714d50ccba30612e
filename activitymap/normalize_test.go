package activitymap_test

import (
	"context"
	"errors"
	"testing"
	"time"

	auth "github.com/goliatone/go-market-auth"
	"github.com/goliatone/go-market-auth/activitymap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNormalizeDefaults(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 1, 10, 9, 30, 0, 0, time.UTC)
	event := auth.ActivityEvent{
		EventType:  auth.ActivityEventRoleRequestChanged,
		Actor:      auth.ActorRef{ID: "admin-42", Type: "admin"},
		ProfileID:  "profile-100",
		FromStatus: auth.RequestPending,
		ToStatus:   auth.RequestApproved,
		Metadata:   map[string]any{"reason": "documents checked"},
		OccurredAt: ts,
	}

	out := activitymap.Normalize(event)

	assert.Equal(t, "admin-42", out.ActorID)
	assert.Equal(t, string(auth.ActivityEventRoleRequestChanged), out.Verb)
	assert.Equal(t, "profile", out.ObjectType)
	assert.Equal(t, "profile-100", out.ObjectID)
	assert.Equal(t, "market", out.Channel)
	assert.True(t, out.OccurredAt.Equal(ts))

	assert.Equal(t, "documents checked", out.Metadata["reason"])
	assert.Equal(t, "admin", out.Metadata[activitymap.MetadataKeyActorType])
	assert.Equal(t, string(auth.RequestPending), out.Metadata[activitymap.MetadataKeyFromStatus])
	assert.Equal(t, string(auth.RequestApproved), out.Metadata[activitymap.MetadataKeyToStatus])

	assert.Len(t, event.Metadata, 1)
}

func TestNormalizeOptionOverrides(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	event := auth.ActivityEvent{
		EventType: auth.ActivityEventProfileSynced,
		Actor:     auth.ActorRef{Type: "user"},
		ProfileID: "profile-200",
		Metadata: map[string]any{
			"shop_number":                    "S-12",
			activitymap.MetadataKeyActorType: "existing",
		},
	}

	out := activitymap.Normalize(
		event,
		activitymap.WithChannel("audit"),
		activitymap.WithObjectType("shop"),
		activitymap.WithClock(func() time.Time { return fixed }),
		activitymap.WithObjectIDResolver(func(e auth.ActivityEvent) string {
			v, _ := e.Metadata["shop_number"].(string)
			return v
		}),
	)

	assert.Equal(t, "audit", out.Channel)
	assert.Equal(t, "shop", out.ObjectType)
	assert.Equal(t, "S-12", out.ObjectID)
	assert.Equal(t, "existing", out.Metadata[activitymap.MetadataKeyActorType])
	assert.Equal(t, fixed, out.OccurredAt)
}

func TestNormalizeActorFallbackChain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		event  auth.ActivityEvent
		opts   []activitymap.Option
		expect string
	}{
		{
			name:   "actor id",
			event:  auth.ActivityEvent{Actor: auth.ActorRef{ID: "actor-1"}, ProfileID: "profile-1"},
			expect: "actor-1",
		},
		{
			name:   "profile id",
			event:  auth.ActivityEvent{ProfileID: "profile-1"},
			expect: "profile-1",
		},
		{
			name:   "default",
			event:  auth.ActivityEvent{},
			expect: "system",
		},
		{
			name:   "custom fallback",
			event:  auth.ActivityEvent{},
			opts:   []activitymap.Option{activitymap.WithActorFallback("scheduler")},
			expect: "scheduler",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := activitymap.Normalize(tt.event, tt.opts...)
			assert.Equal(t, tt.expect, out.ActorID)
		})
	}
}

func TestNormalizeEmptyMetadata(t *testing.T) {
	out := activitymap.Normalize(auth.ActivityEvent{EventType: auth.ActivityEventSignedOut})
	assert.Nil(t, out.Metadata)
}

func TestSinkPublishesNormalizedRecords(t *testing.T) {
	var got []activitymap.Normalized
	sink := activitymap.NewSink(func(_ context.Context, record activitymap.Normalized) error {
		got = append(got, record)
		return nil
	}, activitymap.WithChannel("test"))

	require.NoError(t, sink.Record(context.Background(), auth.ActivityEvent{
		EventType: auth.ActivityEventSignInSuccess,
		ProfileID: "profile-9",
	}))
	require.Len(t, got, 1)
	assert.Equal(t, "test", got[0].Channel)
	assert.Equal(t, "profile-9", got[0].ObjectID)

	failing := activitymap.NewSink(func(context.Context, activitymap.Normalized) error {
		return errors.New("queue full")
	})
	assert.Error(t, failing.Record(context.Background(), auth.ActivityEvent{}))

	var nilSink *activitymap.Sink
	assert.NoError(t, nilSink.Record(context.Background(), auth.ActivityEvent{}))
}

func TestZapPublisher(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := activitymap.NewSink(activitymap.ZapPublisher(zap.New(core)))

	require.NoError(t, sink.Record(context.Background(), auth.ActivityEvent{
		EventType:  auth.ActivityEventRoleRequestChanged,
		ProfileID:  "profile-3",
		ToStatus:   auth.RequestPending,
		OccurredAt: time.Now(),
	}))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, string(auth.ActivityEventRoleRequestChanged), entries[0].Message)
	assert.Equal(t, "profile-3", entries[0].ContextMap()["object_id"])
}
