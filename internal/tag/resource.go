package tag

import (
	"context"
	"time"
)

// TaggableKind identifies what sort of resource a Taggable is.
type TaggableKind int

const (
	// KindDownload is an in-progress or completed transfer.
	KindDownload TaggableKind = iota + 1
	// KindPeer is a swarm participant.
	KindPeer
)

// Taggable is anything that can carry tag membership.
type Taggable interface {
	ID() string
	Kind() TaggableKind
	IsDestroyed() bool
	IsPersistent() bool
}

// Stats is a point-in-time view of a resource's live statistics.
type Stats struct {
	// ShareRatio is fixed point ratio×1000; -1 means unknown.
	ShareRatio int

	// PercentDone is completion in thousandths (0..1000).
	PercentDone int

	AddedTime       time.Time
	LastActive      time.Time // zero if never active
	DownloadingFor  time.Duration
	SeedingFor      time.Duration
	ResumeIn        time.Duration // zero if no scheduled resume
	SwarmMergeBytes int64

	Seeds int
	Peers int

	DataSendRate        int64
	DataReceiveRate     int64
	ProtocolSendRate    int64
	ProtocolReceiveRate int64

	BytesSent     int64
	BytesReceived int64

	// VerifiedUploaded and VerifiedDownloaded feed aggregate share ratios.
	VerifiedUploaded   int64
	VerifiedDownloaded int64
}

// Resource is a Taggable with the live view exposed by the transfer engine.
type Resource interface {
	Taggable

	Name() string
	SavePath() string
	State() RunState
	IsForceStart() bool
	IsDownloadComplete() bool
	IsPrivate() bool
	IsMetadataOnly() bool
	IsLowNoise() bool
	CanArchive() bool
	Networks() []string
	Stats() Stats
}

// IsPaused reports whether a resource is paused.
func IsPaused(r Resource) bool {
	return r.State() == StatePaused
}

// Limiter is a per-tag throughput gate the transfer engine consults for every
// member it is attached to.
type Limiter interface {
	// Key identifies the owning tag.
	Key() string

	// AllowN reports whether n bytes may be transferred now.
	AllowN(upload bool, n int) bool

	// Account records bytes actually transferred.
	Account(upload bool, n int64)
}

// Commander is the fire-and-forget command surface of the transfer engine.
// Every method may be called from any goroutine.
type Commander interface {
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, target RunState) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	SetForceStart(ctx context.Context, id string, force bool) error
	Archive(ctx context.Context, id string) error
	RemoveFromLibrary(ctx context.Context, id string) error
	RemoveFromComputer(ctx context.Context, id string) error
	MoveData(ctx context.Context, id string, path string) error
	RelocateMetadataFile(ctx context.Context, id string, path, name string) error

	SetUploadPriority(ctx context.Context, id string, on bool) error
	SetShareRatioLimits(ctx context.Context, id string, minRatio, maxRatio int) error
	AttachLimiter(ctx context.Context, id string, l Limiter) error
	DetachLimiter(ctx context.Context, id string, l Limiter) error
	ApplyOptionsTemplate(ctx context.Context, id string, template string) error
	Host(ctx context.Context, id string) error
	Publish(ctx context.Context, id string) error
}

// Provider is the transfer engine as seen by the engines in this module.
type Provider interface {
	Commander

	Resources() []Resource
	Resource(id string) (Resource, bool)
}

// ResourceEventKind is the closed set of lifecycle notifications a Provider
// may emit.
type ResourceEventKind int

const (
	// ResourceAdded: a resource appeared.
	ResourceAdded ResourceEventKind = iota + 1
	// ResourceRemoved: a resource was destroyed.
	ResourceRemoved
	// ResourceStateChanged: the run state changed.
	ResourceStateChanged
	// ResourceChanged: a property other than run state changed.
	ResourceChanged
)

func (k ResourceEventKind) String() string {
	switch k {
	case ResourceAdded:
		return "resource_added"
	case ResourceRemoved:
		return "resource_removed"
	case ResourceStateChanged:
		return "resource_state_changed"
	case ResourceChanged:
		return "resource_changed"
	default:
		return "resource_event"
	}
}

// ResourceEvent is one lifecycle notification.
type ResourceEvent struct {
	Kind     ResourceEventKind
	Resource Resource
}

// Watcher is implemented by providers that push lifecycle notifications.
// The returned function cancels the watch.
type Watcher interface {
	Watch(fn func(ResourceEvent)) func()
}
