package trigger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/arome3/ciel/pkg/contracts"
)

// Log is one raw matched log delivered by a LogFeed.
type Log struct {
	ChainSelector uint64
	BlockHash     string
	TxHash        string
	LogIndex      uint32
	Address       string
	EventSig      string
	Fields        map[string]contracts.Value
	Timestamp     time.Time
}

// LogFeed delivers matched logs from a chain. External collaborator; a
// feed that goes silent produces no firings (silent backpressure, never
// an error surfaced to the workflow).
type LogFeed interface {
	Subscribe(ctx context.Context, chainSelector uint64, address, eventSig string) (<-chan Log, error)
}

// seenCap bounds the dedup window. Reorg re-deliveries arrive close to
// the original, so a few thousand entries is plenty.
const seenCap = 4096

// EventLogSource fires once per matched log. The FiringID is derived
// deterministically from the log identifier, so a reorg that re-delivers
// the same log dedupes to the same ID and is dropped.
type EventLogSource struct {
	workflowID    string
	chainSelector uint64
	address       string
	eventSig      string
	feed          LogFeed
	filter        *LogFilter // nil means match-all

	mu        sync.Mutex
	out       chan contracts.Firing
	seen      map[string]struct{}
	seenOrder []string
	started   bool
	closed    bool
	cancel    context.CancelFunc

	logger *slog.Logger
}

// NewEventLogSource builds a source over the given feed. filterExpr is an
// optional CEL expression over the decoded log fields.
func NewEventLogSource(workflowID string, chainSelector uint64, address, eventSig, filterExpr string, feed LogFeed) (*EventLogSource, error) {
	var filter *LogFilter
	if filterExpr != "" {
		f, err := CompileLogFilter(filterExpr)
		if err != nil {
			return nil, err
		}
		filter = f
	}
	return &EventLogSource{
		workflowID:    workflowID,
		chainSelector: chainSelector,
		address:       address,
		eventSig:      eventSig,
		feed:          feed,
		filter:        filter,
		seen:          make(map[string]struct{}),
		logger: slog.Default().With(
			"component", "trigger.evmlog", "workflow", workflowID,
		),
	}, nil
}

// Start implements Source.
func (s *EventLogSource) Start(ctx context.Context) (<-chan contracts.Firing, error) {
	s.mu.Lock()
	if s.closed || s.started {
		s.mu.Unlock()
		return nil, fmt.Errorf("trigger: event-log source for %s not startable", s.workflowID)
	}
	s.started = true
	s.out = make(chan contracts.Firing, firingBuffer)
	out := s.out
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	logs, err := s.feed.Subscribe(ctx, s.chainSelector, s.address, s.eventSig)
	if err != nil {
		return nil, fmt.Errorf("trigger: subscribe logs for %s: %w", s.workflowID, err)
	}

	go func() {
		defer s.closeOut()
		for {
			select {
			case <-ctx.Done():
				return
			case log, ok := <-logs:
				if !ok {
					return
				}
				s.handle(ctx, log)
			}
		}
	}()

	return out, nil
}

func (s *EventLogSource) handle(ctx context.Context, log Log) {
	firingID := FiringIDForLog(log.ChainSelector, log.BlockHash, log.TxHash, log.LogIndex)

	s.mu.Lock()
	if _, dup := s.seen[firingID]; dup {
		s.mu.Unlock()
		s.logger.DebugContext(ctx, "duplicate log dropped", "firing_id", firingID)
		return
	}
	s.remember(firingID)
	s.mu.Unlock()

	if s.filter != nil {
		match, err := s.filter.Match(log.Fields)
		if err != nil {
			s.logger.WarnContext(ctx, "log filter failed, log skipped",
				"firing_id", firingID, "error", err)
			return
		}
		if !match {
			return
		}
	}

	ts := log.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	firing := contracts.Firing{
		WorkflowID: s.workflowID,
		FiringID:   firingID,
		Timestamp:  ts,
		Payload:    log.Fields,
	}
	select {
	case s.out <- firing:
	case <-ctx.Done():
	}
}

// remember records the id in the bounded dedup window. Caller holds mu.
func (s *EventLogSource) remember(id string) {
	s.seen[id] = struct{}{}
	s.seenOrder = append(s.seenOrder, id)
	if len(s.seenOrder) > seenCap {
		oldest := s.seenOrder[0]
		s.seenOrder = s.seenOrder[1:]
		delete(s.seen, oldest)
	}
}

// closeOut runs on emission-goroutine exit; it is the sole closer of the
// output channel.
func (s *EventLogSource) closeOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.out)
	s.closed = true
}

// Close implements Source. Cancels the emission goroutine, which closes
// the output channel on its way out.
func (s *EventLogSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// FiringIDForLog derives the deterministic firing identifier for a log:
// keccak-256 over (chainSelector, blockHash, txHash, logIndex). The same
// logical log always maps to the same FiringID, which is what makes reorg
// re-delivery dedup possible.
func FiringIDForLog(chainSelector uint64, blockHash, txHash string, logIndex uint32) string {
	h := sha3.NewLegacyKeccak256()
	var sel [8]byte
	binary.BigEndian.PutUint64(sel[:], chainSelector)
	h.Write(sel[:])
	h.Write([]byte(blockHash))
	h.Write([]byte(txHash))
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], logIndex)
	h.Write(idx[:])
	return hex.EncodeToString(h.Sum(nil))
}
