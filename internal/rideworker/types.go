package rideworker

import "net/http"

// RequestClass decides which caching strategy handles a request.
type RequestClass int

const (
	// ClassBypass requests go straight to the origin, skipping the whole
	// caching engine (non-GET methods, non-HTTP schemes).
	ClassBypass RequestClass = iota
	ClassStaticAsset
	ClassAPICall
	ClassOther
)

func (c RequestClass) String() string {
	switch c {
	case ClassBypass:
		return "bypass"
	case ClassStaticAsset:
		return "static"
	case ClassAPICall:
		return "api"
	default:
		return "other"
	}
}

type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
}

// TaskKind identifies which submission endpoint a queued mutation targets.
type TaskKind string

const (
	TaskBooking   TaskKind = "booking"
	TaskRideOffer TaskKind = "ride"
)

const (
	SyncTagBookings = "sync-bookings"
	SyncTagRides    = "sync-rides"
)

// SyncTag is the deferred-trigger tag the host registers for this kind.
func (k TaskKind) SyncTag() string {
	if k == TaskRideOffer {
		return SyncTagRides
	}
	return SyncTagBookings
}

// KindForTag maps a fired sync tag back to a task kind.
func KindForTag(tag string) (TaskKind, bool) {
	switch tag {
	case SyncTagBookings:
		return TaskBooking, true
	case SyncTagRides:
		return TaskRideOffer, true
	}
	return "", false
}

// SyncTask is a persisted record of a mutating request that failed while
// offline and must be replayed once connectivity returns.
type SyncTask struct {
	ID           string
	Kind         TaskKind
	Payload      []byte
	AuthToken    string
	CreatedAt    int64 // unix seconds
	AttemptCount int
}

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

type NotificationData struct {
	Type string `json:"type,omitempty"`
	URL  string `json:"url,omitempty"`
}

// NotificationPayload is built per push event and never persisted.
type NotificationPayload struct {
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Icon               string               `json:"icon,omitempty"`
	Image              string               `json:"image,omitempty"`
	Tag                string               `json:"tag,omitempty"`
	RequireInteraction bool                 `json:"requireInteraction,omitempty"`
	Silent             bool                 `json:"silent,omitempty"`
	Vibrate            []int                `json:"vibrate,omitempty"`
	Data               NotificationData     `json:"data,omitempty"`
	Actions            []NotificationAction `json:"actions,omitempty"`
}
