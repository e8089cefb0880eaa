package memory

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/roach88/autotag/internal/tag"
)

// Fixture is the YAML form of a resource.
type Fixture struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	SavePath string   `yaml:"save_path,omitempty"`
	State    string   `yaml:"state,omitempty"`
	Networks []string `yaml:"networks,omitempty"`

	ForceStart   bool `yaml:"force_start,omitempty"`
	Complete     bool `yaml:"complete,omitempty"`
	Private      bool `yaml:"private,omitempty"`
	MetadataOnly bool `yaml:"metadata_only,omitempty"`
	LowNoise     bool `yaml:"low_noise,omitempty"`
	CanArchive   bool `yaml:"can_archive,omitempty"`
	// Transient resources are not persistent.
	Transient bool `yaml:"transient,omitempty"`

	// ShareRatio is ratio×1000; nil means unknown.
	ShareRatio     *int          `yaml:"share_ratio,omitempty"`
	Percent        int           `yaml:"percent,omitempty"`
	Added          time.Time     `yaml:"added,omitempty"`
	LastActive     time.Time     `yaml:"last_active,omitempty"`
	DownloadingFor time.Duration `yaml:"downloading_for,omitempty"`
	SeedingFor     time.Duration `yaml:"seeding_for,omitempty"`
	ResumeIn       time.Duration `yaml:"resume_in,omitempty"`
	Seeds          int           `yaml:"seeds,omitempty"`
	Peers          int           `yaml:"peers,omitempty"`
	Uploaded       int64         `yaml:"uploaded,omitempty"`
	Downloaded     int64         `yaml:"downloaded,omitempty"`
}

// Resource is an in-memory tag.Resource.
//
// Thread-safety: all methods are safe for concurrent use.
type Resource struct {
	id string

	mu           sync.RWMutex
	name         string
	savePath     string
	life         tag.Lifecycle
	networks     []string
	forceStart   bool
	complete     bool
	private      bool
	metadataOnly bool
	lowNoise     bool
	canArchive   bool
	persistent   bool
	destroyed    bool
	archived     bool
	stats        tag.Stats

	uploadPriority bool
	minRatio       int
	maxRatio       int
	limiters       map[string]tag.Limiter
}

// NewResource creates a persistent, stopped resource.
func NewResource(id, name string) *Resource {
	return &Resource{
		id:         id,
		name:       name,
		persistent: true,
		canArchive: true,
		stats:      tag.Stats{ShareRatio: -1},
		limiters:   make(map[string]tag.Limiter),
	}
}

// FromFixture builds a resource from its YAML form.
func FromFixture(f Fixture) *Resource {
	r := NewResource(f.ID, f.Name)
	r.savePath = f.SavePath
	if s, ok := tag.ParseRunState(f.State); ok {
		r.life.State = s
	}
	r.networks = slices.Clone(f.Networks)
	r.forceStart = f.ForceStart
	r.complete = f.Complete
	r.private = f.Private
	r.metadataOnly = f.MetadataOnly
	r.lowNoise = f.LowNoise
	r.canArchive = f.CanArchive
	r.persistent = !f.Transient
	if f.ShareRatio != nil {
		r.stats.ShareRatio = *f.ShareRatio
	}
	r.stats.PercentDone = f.Percent * 10
	r.stats.AddedTime = f.Added
	r.stats.LastActive = f.LastActive
	r.stats.DownloadingFor = f.DownloadingFor
	r.stats.SeedingFor = f.SeedingFor
	r.stats.ResumeIn = f.ResumeIn
	r.stats.Seeds = f.Seeds
	r.stats.Peers = f.Peers
	r.stats.VerifiedUploaded = f.Uploaded
	r.stats.VerifiedDownloaded = f.Downloaded
	r.stats.BytesSent = f.Uploaded
	r.stats.BytesReceived = f.Downloaded
	return r
}

func (r *Resource) ID() string             { return r.id }
func (r *Resource) Kind() tag.TaggableKind { return tag.KindDownload }

func (r *Resource) IsDestroyed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.destroyed
}

func (r *Resource) IsPersistent() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.persistent
}

func (r *Resource) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.name
}

func (r *Resource) SavePath() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.savePath
}

func (r *Resource) State() tag.RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.life.State
}

func (r *Resource) IsForceStart() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.forceStart
}

func (r *Resource) IsDownloadComplete() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.complete
}

func (r *Resource) IsPrivate() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.private
}

func (r *Resource) IsMetadataOnly() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metadataOnly
}

func (r *Resource) IsLowNoise() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lowNoise
}

func (r *Resource) CanArchive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canArchive && !r.archived
}

func (r *Resource) Networks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.networks)
}

func (r *Resource) Stats() tag.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// UploadPriority returns the last value written by the policy engine.
func (r *Resource) UploadPriority() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.uploadPriority
}

// ShareRatioLimits returns the last min/max written by the policy engine.
func (r *Resource) ShareRatioLimits() (int, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.minRatio, r.maxRatio
}

// Limiters returns the keys of the attached limiters, sorted.
func (r *Resource) Limiters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.limiters))
}

// Limiter returns an attached limiter by key.
func (r *Resource) Limiter(key string) (tag.Limiter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.limiters[key]
	return l, ok
}

// IsArchived reports whether Archive was applied.
func (r *Resource) IsArchived() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.archived
}

// UpdateStats mutates the statistics in place.
func (r *Resource) UpdateStats(fn func(*tag.Stats)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.stats)
}

// update applies fn under the lock and reports whether the run state changed.
func (r *Resource) update(fn func(r *Resource)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := r.life.State
	fn(r)
	return before != r.life.State
}

func (r *Resource) apply(cmd tag.Command) bool {
	return r.update(func(r *Resource) {
		r.life, _ = tag.Transition(r.life, cmd)
	})
}
