// Package health tracks the operational state of the capture pipeline.
//
// Five fixed layers mirror the pipeline stages. Each layer reports
// independently; the overall status is derived from the worst layer and is
// never settable on its own. All methods are safe for concurrent use by
// every session pipeline.
package health

import (
	"sync"
	"time"
)

// Pipeline layer identifiers. The set is fixed at startup.
const (
	LayerNormalizer = 1
	LayerAssembler  = 2
	LayerDetector   = 3
	LayerDispatcher = 4
	LayerStore      = 5

	LayersTotal = 5
)

var layerNames = [LayersTotal + 1]string{
	"",
	"stream-normalizer",
	"turn-assembler",
	"prompt-detector",
	"auto-respond-dispatcher",
	"session-store",
}

// LayerStatus is the per-layer health state.
type LayerStatus string

const (
	StatusUnknown  LayerStatus = "UNKNOWN"
	StatusHealthy  LayerStatus = "HEALTHY"
	StatusStale    LayerStatus = "STALE"
	StatusCritical LayerStatus = "CRITICAL"
)

// OverallStatus is derived from the worst layer status.
type OverallStatus string

const (
	OverallNotInitialized OverallStatus = "NOT_INITIALIZED"
	OverallHealthy        OverallStatus = "HEALTHY"
	OverallWarning        OverallStatus = "WARNING"
	OverallDegraded       OverallStatus = "DEGRADED"
	OverallCritical       OverallStatus = "CRITICAL"
)

// Layer is one monitored pipeline stage as exposed by the health endpoint.
type Layer struct {
	ID     int         `json:"layerId"`
	Name   string      `json:"name"`
	Status LayerStatus `json:"status"`
}

// Metrics is the process-wide counter snapshot. All values are monotonic
// except ConversationsActive and LayersOperational, which reflect current
// state.
type Metrics struct {
	ConversationsStarted   int64    `json:"conversationsStarted"`
	ConversationsActive    int64    `json:"conversationsActive"`
	ConversationsComplete  int64    `json:"conversationsComplete"`
	ConversationsValidated int64    `json:"conversationsValidated"`
	ConversationsCorrupted int64    `json:"conversationsCorrupted"`
	SnapshotsCaptured      int64    `json:"snapshotsCaptured"`
	InputTurnsDetected     int64    `json:"inputTurnsDetected"`
	OutputTurnsDetected    int64    `json:"outputTurnsDetected"`
	TotalEventsProcessed   int64    `json:"totalEventsProcessed"`
	UptimeSeconds          int64    `json:"uptimeSeconds"`
	LayersOperational      int      `json:"layersOperational"`
	LayersTotal            int      `json:"layersTotal"`
	ValidationErrors       []string `json:"validationErrors"`
}

// Snapshot is a consistent point-in-time view of the aggregator.
type Snapshot struct {
	Status  OverallStatus `json:"status"`
	Layers  []Layer       `json:"layers"`
	Metrics Metrics       `json:"metrics"`
}

const (
	// criticalErrorCount is the consecutive-error threshold that marks a
	// layer CRITICAL.
	criticalErrorCount = 3

	// maxValidationErrors bounds the validation error list; oldest entries
	// are dropped first.
	maxValidationErrors = 50
)

type layerState struct {
	lastActivity time.Time
	consecErrors int
}

// Aggregator maintains the layer map and cross-session counters. It observes
// every other component and influences none of them.
type Aggregator struct {
	mu        sync.Mutex
	startedAt time.Time
	stoppedAt time.Time
	freshness time.Duration
	layers    [LayersTotal + 1]layerState

	conversationsStarted   int64
	conversationsActive    int64
	conversationsComplete  int64
	conversationsValidated int64
	conversationsCorrupted int64
	snapshotsCaptured      int64
	inputTurnsDetected     int64
	outputTurnsDetected    int64
	totalEventsProcessed   int64
	validationErrors       []string
}

// New creates an aggregator. freshness is the per-layer freeze timeout after
// which a silent layer is reported STALE.
func New(freshness time.Duration) *Aggregator {
	if freshness <= 0 {
		freshness = 5 * time.Minute
	}
	return &Aggregator{
		startedAt: time.Now(),
		freshness: freshness,
	}
}

// Shutdown freezes the uptime clock. Counters remain readable.
func (a *Aggregator) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stoppedAt.IsZero() {
		a.stoppedAt = time.Now()
	}
}

// RecordActivity marks a layer alive and clears its error streak.
func (a *Aggregator) RecordActivity(layerID int) {
	if layerID < 1 || layerID > LayersTotal {
		return
	}
	a.mu.Lock()
	a.layers[layerID].lastActivity = time.Now()
	a.layers[layerID].consecErrors = 0
	a.mu.Unlock()
}

// RecordError counts a processing error against a layer. Enough consecutive
// errors flip the layer to CRITICAL until activity succeeds again.
func (a *Aggregator) RecordError(layerID int) {
	if layerID < 1 || layerID > LayersTotal {
		return
	}
	a.mu.Lock()
	a.layers[layerID].consecErrors++
	a.mu.Unlock()
}

// IncEventsProcessed counts one normalized chunk. Implements ansi.Recorder.
func (a *Aggregator) IncEventsProcessed() {
	a.mu.Lock()
	a.totalEventsProcessed++
	a.layers[LayerNormalizer].lastActivity = time.Now()
	a.layers[LayerNormalizer].consecErrors = 0
	a.mu.Unlock()
}

// ConversationStarted counts a new active conversation.
func (a *Aggregator) ConversationStarted() {
	a.mu.Lock()
	a.conversationsStarted++
	a.conversationsActive++
	a.layers[LayerAssembler].lastActivity = time.Now()
	a.mu.Unlock()
}

// ConversationCompleted counts a clean conversation end.
func (a *Aggregator) ConversationCompleted() {
	a.mu.Lock()
	a.conversationsComplete++
	if a.conversationsActive > 0 {
		a.conversationsActive--
	}
	a.layers[LayerAssembler].lastActivity = time.Now()
	a.mu.Unlock()
}

// ConversationAbnormal counts an abnormal conversation end. The conversation
// is no longer active but did not complete.
func (a *Aggregator) ConversationAbnormal() {
	a.mu.Lock()
	if a.conversationsActive > 0 {
		a.conversationsActive--
	}
	a.layers[LayerAssembler].lastActivity = time.Now()
	a.mu.Unlock()
}

// TurnDetected counts one assembled turn by role.
func (a *Aggregator) TurnDetected(input bool) {
	a.mu.Lock()
	if input {
		a.inputTurnsDetected++
	} else {
		a.outputTurnsDetected++
	}
	a.layers[LayerAssembler].lastActivity = time.Now()
	a.layers[LayerAssembler].consecErrors = 0
	a.mu.Unlock()
}

// DetectionRan marks detector activity.
func (a *Aggregator) DetectionRan() {
	a.RecordActivity(LayerDetector)
}

// DispatchSent marks a successful auto-response dispatch.
func (a *Aggregator) DispatchSent() {
	a.RecordActivity(LayerDispatcher)
}

// DispatchFailed counts a failed dispatch attempt.
func (a *Aggregator) DispatchFailed() {
	a.RecordError(LayerDispatcher)
}

// StoreFailed counts a persistence error against the store layer.
func (a *Aggregator) StoreFailed() {
	a.RecordError(LayerStore)
}

// SnapshotCaptured counts one persisted conversation snapshot.
func (a *Aggregator) SnapshotCaptured() {
	a.mu.Lock()
	a.snapshotsCaptured++
	a.layers[LayerStore].lastActivity = time.Now()
	a.layers[LayerStore].consecErrors = 0
	a.mu.Unlock()
}

// ConversationValidated records a validation result. A corruption message is
// appended to the bounded error list; oldest entries drop once the cap is
// reached.
func (a *Aggregator) ConversationValidated(corrupt bool, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.conversationsValidated++
	a.layers[LayerStore].lastActivity = time.Now()
	if !corrupt {
		return
	}
	a.conversationsCorrupted++
	a.validationErrors = append(a.validationErrors, message)
	if len(a.validationErrors) > maxValidationErrors {
		a.validationErrors = a.validationErrors[len(a.validationErrors)-maxValidationErrors:]
	}
}

// ConversationsActive returns the current active conversation count.
func (a *Aggregator) ConversationsActive() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conversationsActive
}

// Snapshot returns a consistent copy of the full health state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	layers := make([]Layer, 0, LayersTotal)
	operational := 0
	sawActivity := false
	worst := StatusHealthy

	for id := 1; id <= LayersTotal; id++ {
		st := a.layerStatusLocked(id, now)
		if st != StatusUnknown {
			sawActivity = true
		}
		if st == StatusHealthy {
			operational++
		}
		worst = worse(worst, st)
		layers = append(layers, Layer{ID: id, Name: layerNames[id], Status: st})
	}

	status := deriveOverall(sawActivity, worst)

	errs := make([]string, len(a.validationErrors))
	copy(errs, a.validationErrors)

	uptimeEnd := now
	if !a.stoppedAt.IsZero() {
		uptimeEnd = a.stoppedAt
	}

	return Snapshot{
		Status: status,
		Layers: layers,
		Metrics: Metrics{
			ConversationsStarted:   a.conversationsStarted,
			ConversationsActive:    a.conversationsActive,
			ConversationsComplete:  a.conversationsComplete,
			ConversationsValidated: a.conversationsValidated,
			ConversationsCorrupted: a.conversationsCorrupted,
			SnapshotsCaptured:      a.snapshotsCaptured,
			InputTurnsDetected:     a.inputTurnsDetected,
			OutputTurnsDetected:    a.outputTurnsDetected,
			TotalEventsProcessed:   a.totalEventsProcessed,
			UptimeSeconds:          int64(uptimeEnd.Sub(a.startedAt).Seconds()),
			LayersOperational:      operational,
			LayersTotal:            LayersTotal,
			ValidationErrors:       errs,
		},
	}
}

func (a *Aggregator) layerStatusLocked(id int, now time.Time) LayerStatus {
	ls := a.layers[id]
	if ls.consecErrors >= criticalErrorCount {
		return StatusCritical
	}
	if ls.lastActivity.IsZero() {
		return StatusUnknown
	}
	if now.Sub(ls.lastActivity) > a.freshness {
		return StatusStale
	}
	return StatusHealthy
}

// severity ordering: CRITICAL > STALE > UNKNOWN > HEALTHY
func worse(a, b LayerStatus) LayerStatus {
	rank := func(s LayerStatus) int {
		switch s {
		case StatusCritical:
			return 3
		case StatusStale:
			return 2
		case StatusUnknown:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

func deriveOverall(sawActivity bool, worst LayerStatus) OverallStatus {
	if !sawActivity {
		return OverallNotInitialized
	}
	switch worst {
	case StatusCritical:
		return OverallCritical
	case StatusStale:
		return OverallDegraded
	case StatusUnknown:
		return OverallWarning
	default:
		return OverallHealthy
	}
}
