// Package models defines the shared data model for the provider
// orchestration core: SourceDescriptor, SourceStatus, UniversalEntry,
// SearchRequest/Page, ChapterRef, DownloadJob, and the download-client and
// proxy descriptor types that extend them.
package models

import "time"

// Tier is a coarse quality class used for fallback order and confidence
// weighting.
type Tier string

const (
	TierPrimary   Tier = "primary"
	TierSecondary Tier = "secondary"
	TierTertiary  Tier = "tertiary"
)

// Weight returns the confidence-score tier weight for t (§4.5).
func (t Tier) Weight() float64 {
	switch t {
	case TierPrimary:
		return 1.0
	case TierSecondary:
		return 0.8
	case TierTertiary:
		return 0.7
	default:
		return 0.5
	}
}

// AdapterKind distinguishes how a Source is implemented.
type AdapterKind string

const (
	AdapterGeneric    AdapterKind = "generic"
	AdapterCustom     AdapterKind = "custom"
	AdapterJavaScript AdapterKind = "javascript"
)

// Capability is a single operation a Source may support.
type Capability string

const (
	CapSearch   Capability = "search"
	CapDetails  Capability = "details"
	CapChapters Capability = "chapters"
	CapPages    Capability = "pages"
	CapNSFW     Capability = "nsfw"
)

// CapabilitySet is an unordered set of Capability values.
type CapabilitySet map[Capability]bool

func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = true
	}
	return set
}

func (s CapabilitySet) Has(c Capability) bool { return s[c] }

// SourceDescriptor is the immutable identity of an upstream source.
// Defined at registry load; never mutated at runtime.
type SourceDescriptor struct {
	ID             string
	Name           string
	BaseOrigin     string
	Tier           Tier
	Capabilities   CapabilitySet
	Kind           AdapterKind
	Priority       int
	SupportsNSFW   bool
	RequiresSolver bool
	Config         map[string]interface{}
}

// SourceState is the coarse operational state of a source.
type SourceState string

const (
	StateActive   SourceState = "active"
	StateDegraded SourceState = "degraded"
	StateDown     SourceState = "down"
	StateUnknown  SourceState = "unknown"
	StateTesting  SourceState = "testing"
	StateDisabled SourceState = "disabled"
)

// SourceError records the kind+message of the last probe/call failure.
type SourceError struct {
	Kind    string
	Message string
}

// SourceStatus is the mutable, Health-Monitor-owned operational record for
// a source. See §3 for its invariants.
type SourceStatus struct {
	SourceID           string
	Status             SourceState
	LastProbe          time.Time
	LastSuccess        time.Time
	ResponseTimeMS      float64
	ConsecutiveFailures int
	TotalProbes         int64
	SuccessfulProbes    int64
	LastError           *SourceError
	Enabled             bool
	CheckIntervalMin    int
	FailureThreshold    int
}

// UptimePercent returns successful/total*100, or 0 if no probes recorded.
func (s *SourceStatus) UptimePercent() float64 {
	if s.TotalProbes == 0 {
		return 0
	}
	return float64(s.SuccessfulProbes) / float64(s.TotalProbes) * 100
}

// IsAdmissible implements the Health Monitor's admissibility gate: enabled
// and status is active or degraded.
func (s *SourceStatus) IsAdmissible() bool {
	return s.Enabled && (s.Status == StateActive || s.Status == StateDegraded)
}

// SourceOrigin records one source's contribution to a fused UniversalEntry.
type SourceOrigin struct {
	SourceID       string
	SourceNativeID string
	Confidence     float64
	NSFW           bool
}

// EntryType is the kind of serialized work a UniversalEntry represents.
type EntryType string

const (
	EntryManga   EntryType = "manga"
	EntryManhwa  EntryType = "manhwa"
	EntryManhua  EntryType = "manhua"
	EntryNovel   EntryType = "novel"
	EntryUnknown EntryType = "unknown"
)

// PublicationStatus is the ongoing/completed/etc. lifecycle of a title.
type PublicationStatus string

const (
	PubOngoing   PublicationStatus = "ongoing"
	PubCompleted PublicationStatus = "completed"
	PubHiatus    PublicationStatus = "hiatus"
	PubCancelled PublicationStatus = "cancelled"
	PubUnknown   PublicationStatus = "unknown"
)

// Author is a contributor credited on a UniversalEntry.
type Author struct {
	Name string
	Role string
}

// UniversalEntry is the fused, cross-source title record (§3).
type UniversalEntry struct {
	ID                string
	Title             string
	AlternativeTitles []string
	Description       string
	CoverURL          string
	Type              EntryType
	Status            PublicationStatus
	Year              int
	NSFW              bool
	Genres            []string
	Authors           []Author
	Rating            *float64
	PopularityRank    *int
	SourceOrigins     []SourceOrigin
	DataCompleteness  float64
}

// MaxConfidence returns the highest confidence across all source origins,
// used as the primary ranking key (§4.5).
func (e *UniversalEntry) MaxConfidence() float64 {
	max := 0.0
	for _, o := range e.SourceOrigins {
		if o.Confidence > max {
			max = o.Confidence
		}
	}
	return max
}

// Filter narrows a SearchRequest's admissible entries and sources.
type Filter struct {
	AllowNSFW          bool
	AllowedTiers        []Tier
	Languages           []string
	ContentRatingCeil   int
}

// SearchRequest is an immutable search query (§3).
type SearchRequest struct {
	Query    string
	Page     int
	Limit    int
	Filter   Filter
	Priority int
	CallerID string
}

// Target returns the accumulated-result-count threshold used to decide
// whether the engine proceeds to the next tier (§4.5).
func (r *SearchRequest) Target() int {
	return int(float64(r.Page*r.Limit) * 1.5)
}

// SourceAttribution is per-source reporting in a SearchResultPage.
type SourceAttribution struct {
	Name             string
	Tier             Tier
	Count            int
	ConfidenceMin    float64
	ConfidenceMax    float64
}

// SearchResultPage is the fused, ranked, paginated result of a search (§3).
type SearchResultPage struct {
	Results         []UniversalEntry
	TotalEstimate   int
	Page            int
	Limit           int
	HasNext         bool
	Sources         []SourceAttribution
	CacheHit        bool
	SourceLatencies map[string]time.Duration
	Failures        map[string]string // source-id -> error kind
}

// ChapterRef identifies one chapter within one source (§3).
type ChapterRef struct {
	SourceID       string
	SourceNativeID string
	MangaNativeID  string
	Number         string
	Volume         string
	Title          string
	Language       string
	ReleaseDate    time.Time
	PageCount      *int
}

// JobKind is the kind of work a DownloadJob represents.
type JobKind string

const (
	JobDirect  JobKind = "direct"
	JobTorrent JobKind = "torrent"
	JobNZB     JobKind = "nzb"
)

// JobState is the lifecycle state of a DownloadJob.
type JobState string

const (
	JobPending   JobState = "pending"
	JobQueued    JobState = "queued"
	JobActive    JobState = "active"
	JobPaused    JobState = "paused"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// IsTerminal reports whether s is a terminal job state (§3 invariant).
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// DownloadTarget is a job's unit of work: either a ChapterRef (direct) or an
// opaque external descriptor (torrent magnet / NZB payload reference).
type DownloadTarget struct {
	Chapter            *ChapterRef
	ExternalDescriptor string
}

// DownloadJob is a persistent unit of scheduler work (§3).
type DownloadJob struct {
	ID          string
	Kind        JobKind
	Target      DownloadTarget
	ClientID    string // the configured Download Client this job was routed to
	ExternalID  string // the id the client assigned via Add, once queued
	Status      JobState
	BytesTotal  int64
	BytesDone   int64
	StartedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
	Attempts    int
	LastError   *SourceError
}

// ProgressPercent computes bytes_done/bytes_total*100, or 0 when the total
// is not yet known.
func (j *DownloadJob) ProgressPercent() float64 {
	if j.BytesTotal <= 0 {
		return 0
	}
	return float64(j.BytesDone) / float64(j.BytesTotal) * 100
}

// DownloadClientProtocol is the wire protocol family of a download client.
type DownloadClientProtocol string

const (
	ProtocolTorrent DownloadClientProtocol = "torrent"
	ProtocolUsenet  DownloadClientProtocol = "usenet"
)

// DownloadClientImplementation names a specific client program.
type DownloadClientImplementation string

const (
	ImplQBittorrent  DownloadClientImplementation = "qbittorrent"
	ImplTransmission DownloadClientImplementation = "transmission"
	ImplDeluge       DownloadClientImplementation = "deluge"
	ImplRTorrent     DownloadClientImplementation = "rtorrent"
	ImplSABnzbd      DownloadClientImplementation = "sabnzbd"
	ImplNZBGet       DownloadClientImplementation = "nzbget"
)

// DownloadClientConfig is the immutable configuration of one configured
// download client (§3, additive).
type DownloadClientConfig struct {
	ID                string
	Kind              DownloadClientProtocol
	Implementation    DownloadClientImplementation
	Enabled           bool
	Priority          int
	Host              string
	Port              int
	UseTLS            bool
	Username          string
	CredentialRef     string
	Category          string
	Directory         string
	RemoveCompleted   bool
	RemoveFailed      bool
}

// DownloadClientStatus is the mutable health record for a configured
// client, owned exclusively by the client health poller (§6, additive).
type DownloadClientStatus struct {
	ClientID            string
	Healthy             bool
	LastChecked         time.Time
	ConsecutiveFailures int
}

// ProxyKind is the transport family of a proxy.
type ProxyKind string

const (
	ProxyHTTP   ProxyKind = "http"
	ProxyHTTPS  ProxyKind = "https"
	ProxySOCKS4 ProxyKind = "socks4"
	ProxySOCKS5 ProxyKind = "socks5"
)

// ProxyHealth is the coarse health state of a proxy.
type ProxyHealth string

const (
	ProxyHealthy  ProxyHealth = "healthy"
	ProxyDegraded ProxyHealth = "degraded"
	ProxyDead     ProxyHealth = "dead"
)

// ProxyDescriptor is one entry in a source's ordered proxy list (§3,
// additive). Owned exclusively by the Proxy Pool.
type ProxyDescriptor struct {
	ID                  string
	SourceID            string
	Endpoint            string
	Kind                ProxyKind
	Username            string
	CredentialRef       string
	Health              ProxyHealth
	LatencyEMAms        float64
	LastChecked         time.Time
	ConsecutiveFailures int
	ConsecutiveDegraded int
	DeadUntil           time.Time
}
