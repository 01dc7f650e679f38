package carelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
)

// SyncProtocolVersion is the wire protocol version. Peers with a different
// version refuse to sync rather than guess at compatibility.
const SyncProtocolVersion = 1

// SyncState tracks where a peer session is in the protocol.
type SyncState int32

const (
	SyncIdle SyncState = iota
	SyncNegotiating
	SyncExchanging
	SyncReconciling
	SyncFailed
)

// String returns a human-readable state name.
func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncNegotiating:
		return "negotiating"
	case SyncExchanging:
		return "exchanging"
	case SyncReconciling:
		return "reconciling"
	case SyncFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SyncConfig holds sync protocol configuration.
type SyncConfig struct {
	// ChunkSize is the number of records per exchange chunk.
	ChunkSize int
	// SessionTimeout bounds a whole session; field clinics on flaky links
	// should keep this generous and rely on resume instead.
	SessionTimeout time.Duration
	// Retry governs session-level retries on retryable failures.
	Retry RetryConfig
}

// DefaultSyncConfig returns sensible defaults.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		ChunkSize:      64,
		SessionTimeout: 5 * time.Minute,
		Retry:          DefaultRetryConfig(),
	}
}

// PeerState is the persisted per-peer sync bookkeeping. Session and
// AckedChunk survive interruption so the next session resumes from the
// last acknowledged chunk instead of restarting the transfer.
type PeerState struct {
	PeerID     string   `json:"peer_id"`
	LastSyncAt int64    `json:"last_sync_at"`
	Session    string   `json:"session,omitempty"`
	Queue      []string `json:"queue,omitempty"`
	AckedChunk int      `json:"acked_chunk,omitempty"`
}

// Wire payloads. Chunk data is a snappy-compressed JSON array of sealed
// records; payloads cross the wire sealed and are never re-encrypted.

type negotiatePayload struct {
	Session    string                   `json:"session"`
	ReplicaID  string                   `json:"replica_id"`
	Version    int                      `json:"version"`
	Digest     map[string]VersionVector `json:"digest"`
	Want       []string                 `json:"want,omitempty"`
	AckedChunk int                      `json:"acked_chunk,omitempty"`
}

type chunkPayload struct {
	Session string `json:"session"`
	Seq     int    `json:"seq"`
	Total   int    `json:"total"`
	Data    []byte `json:"data"`
}

type ackPayload struct {
	Session string `json:"session"`
	Seq     int    `json:"seq"`
}

type donePayload struct {
	Session string   `json:"session"`
	Want    []string `json:"want,omitempty"`
}

// peerRuntime is the in-memory side of a peer: session exclusivity, state,
// and the circuit breaker guarding repeat failures.
type peerRuntime struct {
	sessionMu sync.Mutex
	state     SyncState
	stateMu   sync.Mutex
	breaker   *CircuitBreaker
}

func (p *peerRuntime) setState(s SyncState) {
	p.stateMu.Lock()
	p.state = s
	p.stateMu.Unlock()
}

func (p *peerRuntime) State() SyncState {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.state
}

// SyncStats contains statistics about sync activity.
type SyncStats struct {
	Sessions        uint64 `json:"sessions"`
	Failures        uint64 `json:"failures"`
	RecordsSent     uint64 `json:"records_sent"`
	RecordsReceived uint64 `json:"records_received"`
	ChunksResumed   uint64 `json:"chunks_resumed"`
}

// SyncManager drives pairwise anti-entropy sessions against peers. One
// session per peer at a time; different peers sync independently.
type SyncManager struct {
	store    *RecordStore
	identity *ReplicaIdentity
	table    *PolicyTable
	backend  StorageBackend
	config   SyncConfig
	retryer  *Retryer

	mu    sync.Mutex
	peers map[string]*peerRuntime

	statsMu sync.Mutex
	stats   SyncStats
}

// NewSyncManager creates a sync manager over a record store.
func NewSyncManager(store *RecordStore, identity *ReplicaIdentity, table *PolicyTable, cfg SyncConfig) *SyncManager {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 64
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 5 * time.Minute
	}
	if cfg.Retry.RetryIf == nil {
		cfg.Retry.RetryIf = IsRetryable
	}
	return &SyncManager{
		store:    store,
		identity: identity,
		table:    table,
		backend:  store.backend,
		config:   cfg,
		retryer:  NewRetryer(cfg.Retry),
		peers:    make(map[string]*peerRuntime),
	}
}

func (m *SyncManager) peer(peerID string) *peerRuntime {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[peerID]
	if !ok {
		p = &peerRuntime{breaker: NewCircuitBreaker(5, 30*time.Second)}
		m.peers[peerID] = p
	}
	return p
}

// PeerSyncState returns the protocol state for a peer.
func (m *SyncManager) PeerSyncState(peerID string) SyncState {
	return m.peer(peerID).State()
}

func peerKey(peerID string) string {
	return keyPrefixPeer + peerID
}

func (m *SyncManager) loadPeerState(ctx context.Context, peerID string) (*PeerState, error) {
	data, err := m.backend.Read(ctx, peerKey(peerID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &PeerState{PeerID: peerID}, nil
		}
		return nil, err
	}
	var ps PeerState
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("decode peer state %s: %w", peerID, err)
	}
	return &ps, nil
}

func (m *SyncManager) savePeerState(ctx context.Context, ps *PeerState) error {
	data, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("encode peer state %s: %w", ps.PeerID, err)
	}
	return m.backend.Write(ctx, peerKey(ps.PeerID), data)
}

// digest maps every record ID to its version vector. Negotiation exchanges
// digests so each side can name exactly the records it is missing.
func digestOf(records []*StoredRecord) map[string]VersionVector {
	d := make(map[string]VersionVector, len(records))
	for _, st := range records {
		d[st.ID] = st.Vector
	}
	return d
}

// needFrom returns the IDs in the remote digest whose version the local
// snapshot does not already dominate: missing, stale, and concurrent
// records alike.
func needFrom(remote map[string]VersionVector, local map[string]VersionVector) []string {
	var want []string
	for id, rv := range remote {
		lv, ok := local[id]
		if !ok {
			want = append(want, id)
			continue
		}
		switch lv.Compare(rv) {
		case OrderingBefore, OrderingConcurrent:
			want = append(want, id)
		}
	}
	return want
}

func encodeChunk(records []*StoredRecord) ([]byte, error) {
	raw, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode chunk: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

func decodeChunk(data []byte) ([]*StoredRecord, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, newSyncError(SyncErrorTypeProtocol, "decompress chunk", "", err)
	}
	var records []*StoredRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, newSyncError(SyncErrorTypeProtocol, "decode chunk", "", err)
	}
	return records, nil
}

func chunkCount(n, size int) int {
	if n == 0 {
		return 0
	}
	return (n + size - 1) / size
}

// Sync runs one session attempt against a peer as the initiator. Sessions
// to the same peer are exclusive; a session already in flight fails fast
// with ErrSessionActive. An interrupted session leaves resume state behind,
// so the next attempt picks up from the last acknowledged chunk.
func (m *SyncManager) Sync(ctx context.Context, peerID string, transport Transport) error {
	p := m.peer(peerID)
	if !p.sessionMu.TryLock() {
		return newSyncError(SyncErrorTypeUnknown, "session already active", peerID, ErrSessionActive)
	}
	defer p.sessionMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.config.SessionTimeout)
	defer cancel()

	err := p.breaker.Execute(func() error {
		return m.runInitiator(ctx, peerID, p, transport)
	})
	if err != nil {
		p.setState(SyncFailed)
		m.bumpStats(func(s *SyncStats) { s.Failures++ })
		return err
	}
	p.setState(SyncIdle)
	m.bumpStats(func(s *SyncStats) { s.Sessions++ })
	return nil
}

// SyncWithRedial retries interrupted sessions with backoff, dialing a fresh
// transport for every attempt. Each retry resumes the previous transfer
// rather than restarting it.
func (m *SyncManager) SyncWithRedial(ctx context.Context, peerID string, dial func(context.Context) (Transport, error)) error {
	result := m.retryer.Do(ctx, func() error {
		transport, err := dial(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = transport.Close() }()
		return m.Sync(ctx, peerID, transport)
	})
	return result.LastErr
}

func (m *SyncManager) runInitiator(ctx context.Context, peerID string, p *peerRuntime, transport Transport) error {
	p.setState(SyncNegotiating)

	ps, err := m.loadPeerState(ctx, peerID)
	if err != nil {
		return err
	}
	session := ps.Session
	if session == "" {
		session = uuid.New().String()
	}

	snapshot, err := m.store.Snapshot(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]*StoredRecord, len(snapshot))
	for _, st := range snapshot {
		byID[st.ID] = st
	}
	localDigest := digestOf(snapshot)

	offer := negotiatePayload{
		Session:   session,
		ReplicaID: m.identity.ID,
		Version:   SyncProtocolVersion,
		Digest:    localDigest,
	}
	msg, err := newMessage(MessageNegotiate, offer)
	if err != nil {
		return err
	}
	if err := transport.Send(ctx, msg); err != nil {
		return err
	}

	reply, err := m.expect(ctx, transport, MessageNegotiate, peerID)
	if err != nil {
		return err
	}
	var answer negotiatePayload
	if err := json.Unmarshal(reply.Payload, &answer); err != nil {
		return newSyncError(SyncErrorTypeProtocol, "malformed negotiate reply", peerID, err)
	}
	if answer.Version != SyncProtocolVersion {
		return newSyncError(SyncErrorTypeVersionMismatch,
			fmt.Sprintf("peer speaks protocol %d, want %d", answer.Version, SyncProtocolVersion), peerID, nil)
	}

	// Persist the outgoing queue before transfer so an interrupted session
	// resumes with the same chunk boundaries.
	resumeFrom := 0
	queue := answer.Want
	if ps.Session == session && answer.AckedChunk > 0 && len(ps.Queue) > 0 {
		// Keep the original queue so chunk numbering still lines up with
		// what the peer already acknowledged.
		resumeFrom = answer.AckedChunk
		queue = ps.Queue
		m.bumpStats(func(s *SyncStats) { s.ChunksResumed += uint64(resumeFrom) })
		log.Printf("sync %s: resuming session %s from chunk %d", peerID, session, resumeFrom)
	}
	ps.Session = session
	ps.Queue = queue
	ps.AckedChunk = resumeFrom
	if err := m.savePeerState(ctx, ps); err != nil {
		return err
	}

	p.setState(SyncExchanging)
	if err := m.sendChunks(ctx, transport, peerID, session, queue, byID, resumeFrom, ps); err != nil {
		return err
	}

	// Tell the peer what we are missing from its digest.
	want := needFrom(answer.Digest, localDigest)
	doneMsg, err := newMessage(MessageDone, donePayload{Session: session, Want: want})
	if err != nil {
		return err
	}
	if err := transport.Send(ctx, doneMsg); err != nil {
		return err
	}

	p.setState(SyncReconciling)
	if err := m.receiveChunks(ctx, transport, peerID, session); err != nil {
		return err
	}

	ps.Session = ""
	ps.Queue = nil
	ps.AckedChunk = 0
	ps.LastSyncAt = nowMillis()
	return m.savePeerState(ctx, ps)
}

// Serve handles one session as the responder. The peer's identity is
// learned from its negotiate frame.
func (m *SyncManager) Serve(ctx context.Context, transport Transport) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.SessionTimeout)
	defer cancel()

	offerMsg, err := m.expect(ctx, transport, MessageNegotiate, "")
	if err != nil {
		return err
	}
	var offer negotiatePayload
	if err := json.Unmarshal(offerMsg.Payload, &offer); err != nil {
		return newSyncError(SyncErrorTypeProtocol, "malformed negotiate", "", err)
	}
	if offer.Version != SyncProtocolVersion {
		return newSyncError(SyncErrorTypeVersionMismatch,
			fmt.Sprintf("peer speaks protocol %d, want %d", offer.Version, SyncProtocolVersion), offer.ReplicaID, nil)
	}
	peerID := offer.ReplicaID

	p := m.peer(peerID)
	if !p.sessionMu.TryLock() {
		return newSyncError(SyncErrorTypeUnknown, "session already active", peerID, ErrSessionActive)
	}
	defer p.sessionMu.Unlock()

	err = m.runResponder(ctx, peerID, p, transport, &offer)
	if err != nil {
		p.setState(SyncFailed)
		m.bumpStats(func(s *SyncStats) { s.Failures++ })
		return err
	}
	p.setState(SyncIdle)
	m.bumpStats(func(s *SyncStats) { s.Sessions++ })
	return nil
}

func (m *SyncManager) runResponder(ctx context.Context, peerID string, p *peerRuntime, transport Transport, offer *negotiatePayload) error {
	p.setState(SyncNegotiating)

	ps, err := m.loadPeerState(ctx, peerID)
	if err != nil {
		return err
	}

	snapshot, err := m.store.Snapshot(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]*StoredRecord, len(snapshot))
	for _, st := range snapshot {
		byID[st.ID] = st
	}
	localDigest := digestOf(snapshot)

	acked := 0
	if ps.Session == offer.Session {
		acked = ps.AckedChunk
	} else {
		ps.Session = offer.Session
		ps.AckedChunk = 0
	}
	if err := m.savePeerState(ctx, ps); err != nil {
		return err
	}

	answer := negotiatePayload{
		Session:    offer.Session,
		ReplicaID:  m.identity.ID,
		Version:    SyncProtocolVersion,
		Digest:     localDigest,
		Want:       needFrom(offer.Digest, localDigest),
		AckedChunk: acked,
	}
	msg, err := newMessage(MessageNegotiate, answer)
	if err != nil {
		return err
	}
	if err := transport.Send(ctx, msg); err != nil {
		return err
	}

	p.setState(SyncReconciling)
	done, err := m.receiveChunksUntilDone(ctx, transport, peerID, offer.Session, ps)
	if err != nil {
		return err
	}

	p.setState(SyncExchanging)
	if err := m.sendChunks(ctx, transport, peerID, offer.Session, done.Want, byID, 0, nil); err != nil {
		return err
	}
	doneMsg, err := newMessage(MessageDone, donePayload{Session: offer.Session})
	if err != nil {
		return err
	}
	if err := transport.Send(ctx, doneMsg); err != nil {
		return err
	}

	ps.Session = ""
	ps.AckedChunk = 0
	ps.LastSyncAt = nowMillis()
	return m.savePeerState(ctx, ps)
}

// sendChunks streams the queue as numbered chunks, waiting for an ack after
// each. Records that vanished from the snapshot since negotiation are
// skipped silently. When ps is non-nil, each acknowledged chunk is
// persisted for resume.
func (m *SyncManager) sendChunks(ctx context.Context, transport Transport, peerID, session string, queue []string, byID map[string]*StoredRecord, from int, ps *PeerState) error {
	total := chunkCount(len(queue), m.config.ChunkSize)
	sent := 0
	for seq := from + 1; seq <= total; seq++ {
		lo := (seq - 1) * m.config.ChunkSize
		hi := lo + m.config.ChunkSize
		if hi > len(queue) {
			hi = len(queue)
		}

		var records []*StoredRecord
		for _, id := range queue[lo:hi] {
			if st, ok := byID[id]; ok {
				records = append(records, st)
			}
		}
		data, err := encodeChunk(records)
		if err != nil {
			return err
		}

		msg, err := newMessage(MessageChunk, chunkPayload{Session: session, Seq: seq, Total: total, Data: data})
		if err != nil {
			return err
		}
		if err := transport.Send(ctx, msg); err != nil {
			return err
		}

		ackMsg, err := m.expect(ctx, transport, MessageAck, peerID)
		if err != nil {
			return err
		}
		var ack ackPayload
		if err := json.Unmarshal(ackMsg.Payload, &ack); err != nil {
			return newSyncError(SyncErrorTypeProtocol, "malformed ack", peerID, err)
		}
		if ack.Session != session || ack.Seq != seq {
			return newSyncError(SyncErrorTypeProtocol,
				fmt.Sprintf("ack for chunk %d of session %s, want chunk %d", ack.Seq, ack.Session, seq), peerID, nil)
		}

		sent += len(records)
		if ps != nil {
			ps.AckedChunk = seq
			if err := m.savePeerState(ctx, ps); err != nil {
				return err
			}
		}
	}
	if sent > 0 {
		m.bumpStats(func(s *SyncStats) { s.RecordsSent += uint64(sent) })
	}
	return nil
}

// receiveChunks applies incoming chunks until the peer signals done.
func (m *SyncManager) receiveChunks(ctx context.Context, transport Transport, peerID, session string) error {
	_, err := m.receiveChunksUntilDone(ctx, transport, peerID, session, nil)
	return err
}

func (m *SyncManager) receiveChunksUntilDone(ctx context.Context, transport Transport, peerID, session string, ps *PeerState) (*donePayload, error) {
	received := 0
	for {
		msg, err := transport.Receive(ctx)
		if err != nil {
			return nil, err
		}
		switch msg.Type {
		case MessageChunk:
			var chunk chunkPayload
			if err := json.Unmarshal(msg.Payload, &chunk); err != nil {
				return nil, newSyncError(SyncErrorTypeProtocol, "malformed chunk", peerID, err)
			}
			if chunk.Session != session {
				return nil, newSyncError(SyncErrorTypeProtocol,
					fmt.Sprintf("chunk for session %s, want %s", chunk.Session, session), peerID, nil)
			}
			records, err := decodeChunk(chunk.Data)
			if err != nil {
				return nil, err
			}
			for _, st := range records {
				if _, err := m.store.ApplyRemote(ctx, peerID, st, m.table); err != nil {
					return nil, err
				}
			}
			received += len(records)

			// Ack only after the chunk is durably applied; this is the
			// resume point the sender persists.
			ack, err := newMessage(MessageAck, ackPayload{Session: session, Seq: chunk.Seq})
			if err != nil {
				return nil, err
			}
			if err := transport.Send(ctx, ack); err != nil {
				return nil, err
			}
			if ps != nil {
				ps.AckedChunk = chunk.Seq
				if err := m.savePeerState(ctx, ps); err != nil {
					return nil, err
				}
			}

		case MessageDone:
			var done donePayload
			if err := json.Unmarshal(msg.Payload, &done); err != nil {
				return nil, newSyncError(SyncErrorTypeProtocol, "malformed done", peerID, err)
			}
			if received > 0 {
				m.bumpStats(func(s *SyncStats) { s.RecordsReceived += uint64(received) })
			}
			return &done, nil

		case MessageError:
			return nil, newSyncError(SyncErrorTypeProtocol, "peer reported: "+msg.Error, peerID, nil)

		default:
			return nil, newSyncError(SyncErrorTypeProtocol, "unexpected message "+msg.Type, peerID, nil)
		}
	}
}

// expect receives the next frame and requires it to have the given type.
func (m *SyncManager) expect(ctx context.Context, transport Transport, msgType, peerID string) (*Message, error) {
	msg, err := transport.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if msg.Type == MessageError {
		return nil, newSyncError(SyncErrorTypeProtocol, "peer reported: "+msg.Error, peerID, nil)
	}
	if msg.Type != msgType {
		return nil, newSyncError(SyncErrorTypeProtocol,
			fmt.Sprintf("unexpected message %s, want %s", msg.Type, msgType), peerID, nil)
	}
	return msg, nil
}

// LastSyncAt returns when the last successful session with a peer finished,
// in Unix milliseconds, or zero if never.
func (m *SyncManager) LastSyncAt(ctx context.Context, peerID string) (int64, error) {
	ps, err := m.loadPeerState(ctx, peerID)
	if err != nil {
		return 0, err
	}
	return ps.LastSyncAt, nil
}

func (m *SyncManager) bumpStats(fn func(*SyncStats)) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	fn(&m.stats)
}

// Stats returns current sync statistics.
func (m *SyncManager) Stats() SyncStats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}
