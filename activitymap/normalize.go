package activitymap

import (
	"strings"
	"time"

	auth "github.com/goliatone/go-market-auth"
)

const (
	// MetadataKeyActorType stores auth.ActorRef.Type.
	MetadataKeyActorType = "actor_type"
	// MetadataKeyFromStatus stores the role request status before a transition.
	MetadataKeyFromStatus = "from_status"
	// MetadataKeyToStatus stores the role request status after a transition.
	MetadataKeyToStatus = "to_status"
)

const (
	defaultChannel    = "market"
	defaultObjectType = "profile"
	defaultActorID    = "system"
)

// Normalized is a transport agnostic activity record for downstream systems.
type Normalized struct {
	ActorID    string         `json:"actor_id"`
	Verb       string         `json:"verb"`
	ObjectType string         `json:"object_type,omitempty"`
	ObjectID   string         `json:"object_id,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Option customizes normalization.
type Option func(*options)

type options struct {
	channel       string
	objectType    string
	actorFallback string
	objectID      func(auth.ActivityEvent) string
	now           func() time.Time
}

// Normalize converts an auth.ActivityEvent into a Normalized record. The
// actor falls back to the profile and then to "system"; the object is the
// profile unless a resolver says otherwise.
func Normalize(event auth.ActivityEvent, opts ...Option) Normalized {
	o := options{
		channel:       defaultChannel,
		objectType:    defaultObjectType,
		actorFallback: defaultActorID,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	objectID := strings.TrimSpace(event.ProfileID)
	if o.objectID != nil {
		objectID = strings.TrimSpace(o.objectID(event))
	}

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = o.now()
	}

	return Normalized{
		ActorID:    firstNonEmpty(strings.TrimSpace(event.Actor.ID), strings.TrimSpace(event.ProfileID), o.actorFallback),
		Verb:       string(event.EventType),
		ObjectType: o.objectType,
		ObjectID:   objectID,
		Channel:    o.channel,
		Metadata:   metadataOf(event),
		OccurredAt: occurredAt.UTC(),
	}
}

func WithChannel(channel string) Option {
	return func(o *options) { o.channel = strings.TrimSpace(channel) }
}

func WithObjectType(objectType string) Option {
	return func(o *options) { o.objectType = strings.TrimSpace(objectType) }
}

// WithObjectIDResolver overrides the object id, e.g. to point at a shop.
func WithObjectIDResolver(resolver func(auth.ActivityEvent) string) Option {
	return func(o *options) { o.objectID = resolver }
}

func WithActorFallback(actorID string) Option {
	return func(o *options) { o.actorFallback = strings.TrimSpace(actorID) }
}

// WithClock sets the time used for events without OccurredAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func metadataOf(event auth.ActivityEvent) map[string]any {
	out := make(map[string]any, len(event.Metadata)+3)
	for key, value := range event.Metadata {
		out[key] = value
	}

	if actorType := strings.TrimSpace(event.Actor.Type); actorType != "" {
		if _, exists := out[MetadataKeyActorType]; !exists {
			out[MetadataKeyActorType] = actorType
		}
	}
	if event.FromStatus != "" {
		out[MetadataKeyFromStatus] = string(event.FromStatus)
	}
	if event.ToStatus != "" {
		out[MetadataKeyToStatus] = string(event.ToStatus)
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
