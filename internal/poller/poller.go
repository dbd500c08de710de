// Package poller watches remote SFTP directories and Azure Blob containers
// and turns files it has not seen before into trigger events. Each enabled
// poller node gets its own ticker; dedup state lives in a bounded
// fingerprint ring persisted per (flowId, nodeId), so a restart resumes
// where the last tick left off.
package poller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/trellisflow/trellis/internal/events"
	"github.com/trellisflow/trellis/internal/logging"
	"github.com/trellisflow/trellis/internal/metrics"
	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/orchestrator"
	"github.com/trellisflow/trellis/internal/queue"
	"github.com/trellisflow/trellis/internal/storage"
	"github.com/trellisflow/trellis/internal/vault"
)

// remoteFile is one candidate file reported by a driver's listing.
type remoteFile struct {
	Name       string
	Path       string
	Size       int64
	ModifiedAt time.Time
}

// driver abstracts one remote: list candidate files, fetch one, close.
type driver interface {
	List(ctx context.Context) ([]remoteFile, error)
	Fetch(ctx context.Context, f remoteFile) ([]byte, error)
	Close() error
}

// dialFunc opens a driver for a poller node. Swapped out in tests.
type dialFunc func(ctx context.Context, node model.Node, secrets *vault.Secrets, maxBytes int64) (driver, error)

// Config tunes the poller service. Zero values select the defaults.
type Config struct {
	DefaultInterval time.Duration // tick interval when the node has no override
	RingSize        int           // fingerprints kept per node
	MaxFileBytes    int64         // cap on a single downloaded file
}

func (c Config) withDefaults() Config {
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = 5 * time.Minute
	}
	if c.RingSize <= 0 {
		c.RingSize = 100
	}
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = 10 << 20
	}
	return c
}

// Service owns the watcher goroutines, one per enabled poller node.
type Service struct {
	store   storage.Gateway
	secrets *vault.Secrets
	queue   queue.Queue
	bus     events.Emitter
	m       *metrics.Metrics
	cfg     Config
	log     zerolog.Logger
	dial    dialFunc

	root context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	watchers map[string]context.CancelFunc
}

func New(store storage.Gateway, secrets *vault.Secrets, q queue.Queue, bus events.Emitter, m *metrics.Metrics, cfg Config) *Service {
	root, stop := context.WithCancel(context.Background())
	return &Service{
		store:    store,
		secrets:  secrets,
		queue:    q,
		bus:      bus,
		m:        m,
		cfg:      cfg.withDefaults(),
		log:      logging.WithComponent("poller"),
		dial:     openDriver,
		root:     root,
		stop:     stop,
		watchers: map[string]context.CancelFunc{},
	}
}

// Start re-arms watchers for every enabled flow. Called once at boot.
func (s *Service) Start(ctx context.Context) error {
	flows, err := s.store.ListFlows(ctx)
	if err != nil {
		return err
	}
	for _, f := range flows {
		s.Sync(f)
	}
	return nil
}

// Stop cancels every watcher. The service cannot be restarted.
func (s *Service) Stop() {
	s.stop()
	s.mu.Lock()
	s.watchers = map[string]context.CancelFunc{}
	s.mu.Unlock()
}

// Sync reconciles watchers with the flow's current poller nodes. Existing
// watchers for the flow are torn down first, so edits re-arm with fresh
// config and disabled nodes go quiet.
func (s *Service) Sync(flow *model.Flow) {
	s.Remove(flow.ID)
	if !flow.Enabled {
		return
	}
	for _, n := range flow.Nodes {
		if !isPollerNode(n.Type) || n.Disabled {
			continue
		}
		s.startWatcher(flow.ID, n)
	}
}

// Remove tears down all watchers of one flow.
func (s *Service) Remove(flowID string) {
	prefix := flowID + "/"
	s.mu.Lock()
	for key, cancel := range s.watchers {
		if strings.HasPrefix(key, prefix) {
			cancel()
			delete(s.watchers, key)
		}
	}
	s.mu.Unlock()
}

// Watching reports how many poller nodes currently have a live ticker.
func (s *Service) Watching() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

func isPollerNode(t model.NodeType) bool {
	return t == model.NodeSFTPPoller || t == model.NodeBlobPoller
}

func (s *Service) startWatcher(flowID string, node model.Node) {
	interval := time.Duration(node.ConfigInt("pollIntervalMinutes", 0)) * time.Minute
	if interval <= 0 {
		interval = s.cfg.DefaultInterval
	}
	ctx, cancel := context.WithCancel(s.root)

	s.mu.Lock()
	s.watchers[flowID+"/"+node.ID] = cancel
	s.mu.Unlock()

	s.log.Info().
		Str("flow_id", flowID).
		Str("node_id", node.ID).
		Str("type", string(node.Type)).
		Dur("interval", interval).
		Msg("poller armed")

	go s.loop(ctx, flowID, node, interval)
}

func (s *Service) loop(ctx context.Context, flowID string, node model.Node, interval time.Duration) {
	// First check right away so a freshly enabled poller is not silent for
	// a whole interval.
	if _, err := s.Tick(ctx, flowID, node); err != nil {
		s.log.Warn().Err(err).Str("flow_id", flowID).Str("node_id", node.ID).Msg("poll tick failed")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx, flowID, node); err != nil {
				s.log.Warn().Err(err).Str("flow_id", flowID).Str("node_id", node.ID).Msg("poll tick failed")
			}
		}
	}
}

// Tick runs one poll cycle for a node and returns how many new files it
// turned into trigger events. Exported so tests and manual kicks can drive
// a cycle without waiting out the ticker.
func (s *Service) Tick(ctx context.Context, flowID string, node model.Node) (int, error) {
	state, err := s.loadState(ctx, flowID, node)
	if err != nil {
		return 0, err
	}
	ptype := string(state.PollerType)

	d, err := s.dial(ctx, node, s.secrets, s.cfg.MaxFileBytes)
	if err != nil {
		s.recordFailure(ctx, state, ptype, err)
		return 0, err
	}
	defer d.Close()

	files, err := d.List(ctx)
	if err != nil {
		s.recordFailure(ctx, state, ptype, err)
		return 0, err
	}

	mode := model.TrackingMode(node.ConfigString("trackingMode"))
	if mode != model.TrackByChecksum {
		mode = model.TrackByFilename
	}

	emitted := 0
	for _, f := range files {
		if mode == model.TrackByFilename && state.Seen(mode, f.Name, "") {
			continue
		}
		data, err := d.Fetch(ctx, f)
		if err != nil {
			s.recordFailure(ctx, state, ptype, err)
			return emitted, err
		}
		sum := sha256.Sum256(data)
		checksum := hex.EncodeToString(sum[:])
		if mode == model.TrackByChecksum && state.Seen(mode, f.Name, checksum) {
			continue
		}

		ev := model.TriggerEvent{
			FlowID: flowID,
			NodeID: node.ID,
			Source: model.SourcePoller,
			Payload: model.Payload{
				"file": map[string]interface{}{
					"name":       f.Name,
					"path":       f.Path,
					"content":    string(data),
					"size":       f.Size,
					"modifiedAt": f.ModifiedAt.UTC().Format(time.RFC3339),
				},
				"_metadata": map[string]interface{}{
					"pollerId":     node.ID,
					"trackingMode": string(mode),
					"checksum":     checksum,
				},
			},
		}
		id, err := orchestrator.EnqueueTrigger(ctx, s.queue, ev)
		if err != nil {
			s.recordFailure(ctx, state, ptype, err)
			return emitted, err
		}

		// Fingerprint after enqueue: a crash in between re-processes the
		// file on restart, never loses it.
		state.RecordFile(f.Name, checksum, time.Now().UTC(), s.cfg.RingSize)
		if err := s.saveState(ctx, state); err != nil {
			return emitted, err
		}
		emitted++

		if s.bus != nil {
			s.bus.Emit(events.TypePollerFile, "poller", flowID, map[string]interface{}{
				"nodeId":      node.ID,
				"file":        f.Name,
				"checksum":    checksum,
				"executionId": id,
			})
		}
		s.log.Info().
			Str("flow_id", flowID).
			Str("node_id", node.ID).
			Str("file", f.Name).
			Str("execution_id", id).
			Msg("new remote file enqueued")
	}

	state.LastError = ""
	state.LastErrorAt = nil
	if err := s.saveState(ctx, state); err != nil {
		return emitted, err
	}

	result := "empty"
	if emitted > 0 {
		result = "files"
	}
	s.m.RecordPollerTick(ptype, result, emitted)
	return emitted, nil
}

func (s *Service) loadState(ctx context.Context, flowID string, node model.Node) (*model.PollerState, error) {
	state, err := s.store.GetPollerState(ctx, flowID, node.ID)
	if err == nil {
		return state, nil
	}
	if err != storage.ErrNotFound {
		return nil, err
	}
	ptype := model.PollerSFTP
	if node.Type == model.NodeBlobPoller {
		ptype = model.PollerBlob
	}
	return &model.PollerState{
		FlowID:         flowID,
		NodeID:         node.ID,
		PollerType:     ptype,
		Enabled:        true,
		ConfigSnapshot: node.Config,
	}, nil
}

func (s *Service) saveState(ctx context.Context, state *model.PollerState) error {
	state.UpdatedAt = time.Now().UTC()
	return s.store.SavePollerState(ctx, state)
}

func (s *Service) recordFailure(ctx context.Context, state *model.PollerState, ptype string, cause error) {
	now := time.Now().UTC()
	state.LastError = cause.Error()
	state.LastErrorAt = &now
	if err := s.saveState(ctx, state); err != nil {
		s.log.Error().Err(err).
			Str("flow_id", state.FlowID).
			Str("node_id", state.NodeID).
			Msg("could not persist poller failure")
	}
	s.m.RecordPollerTick(ptype, "error", 0)
}

// openDriver picks the driver for a poller node's type.
func openDriver(ctx context.Context, node model.Node, secrets *vault.Secrets, maxBytes int64) (driver, error) {
	switch node.Type {
	case model.NodeSFTPPoller:
		return dialSFTP(ctx, node, secrets, maxBytes)
	case model.NodeBlobPoller:
		return dialBlob(ctx, node, secrets, maxBytes)
	default:
		return nil, fmt.Errorf("node %s is not a poller (type %s)", node.ID, node.Type)
	}
}
