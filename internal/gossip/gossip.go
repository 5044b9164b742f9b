// Package gossip adapts the process-wide registry to a memberlist-based
// peer overlay: it authenticates every peer before trusting its
// mutations, deduplicates inbound traffic, and fans out local mutations
// to the rest of the membership.
package gossip

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/clusterdns/clusterd/internal/auth"
	"github.com/clusterdns/clusterd/internal/metrics"
	"github.com/clusterdns/clusterd/internal/registry"
	"github.com/clusterdns/clusterd/internal/wire"
)

const (
	dedupSize         = 4096
	inboundBufferCap  = 256
	peerCheckInterval = 1 * time.Second

	// deserializeFailWindow and deserializeFailLimit bound how many
	// malformed messages a peer gets before being rejected outright.
	deserializeFailWindow = 60 * time.Second
	deserializeFailLimit  = 16
)

// Config configures the memberlist transport the adapter runs on top of.
type Config struct {
	BindAddr string           // host:port for the gossip listener
	Secret   []byte           // cluster secret shared by every peer
	TopicID  [32]byte         // gossip topic; must match across the cluster
	Metrics  *metrics.Metrics // optional; nil disables instrumentation
}

// Adapter is the gossip transport adapter: it owns a memberlist
// membership, a per-peer authentication state machine, and the
// broadcast queue used to fan out local mutations.
type Adapter struct {
	reg     *registry.Registry
	self    registry.PeerID
	secret  []byte
	topicID [32]byte
	log     *slog.Logger
	metrics *metrics.Metrics

	list  *memberlist.Memberlist
	bcast *memberlist.TransmitLimitedQueue

	mu    sync.Mutex
	peers map[string]*peerConn // keyed by hex-encoded peer id
	dedup *dedupCache
}

// peerConn is this node's bookkeeping for one other cluster member.
type peerConn struct {
	node *memberlist.Node
	id   registry.PeerID

	session *auth.Session // our view of authenticating THEM

	// respondedNonce is the nonce from their most recent challenge to
	// us, kept so their Ack can be verified.
	respondedNonce *[32]byte

	buffered [][]byte // raw envelopes held until Ready

	sentFullSync bool

	failCount      int
	failWindowFrom time.Time
}

// New creates an Adapter bound to reg and listening on cfg.BindAddr. The
// memberlist is created but not yet joined to any peers; call Join.
func New(cfg Config, reg *registry.Registry, self registry.PeerID, log *slog.Logger) (*Adapter, error) {
	a := &Adapter{
		reg:     reg,
		self:    self,
		secret:  cfg.Secret,
		topicID: cfg.TopicID,
		log:     log,
		metrics: cfg.Metrics,
		peers:   make(map[string]*peerConn),
		dedup:   newDedupCache(dedupSize),
	}

	host, portStr, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid gossip bind address %q: %w", cfg.BindAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid gossip bind port %q: %w", portStr, err)
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = peerName(self)
	mlConfig.BindAddr = host
	mlConfig.BindPort = port
	mlConfig.AdvertisePort = port
	mlConfig.Delegate = a
	mlConfig.Events = a
	mlConfig.LogOutput = &slogWriter{log: log}

	list, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("creating gossip membership: %w", err)
	}
	a.list = list
	a.bcast = &memberlist.TransmitLimitedQueue{
		NumNodes:       list.NumMembers,
		RetransmitMult: mlConfig.RetransmitMult,
	}
	return a, nil
}

// AuthSummary reports how many known peers have reached Ready or Rejected
// out of the total discovered so far. The entrypoint uses this right after
// Join to distinguish an ordinary per-peer rejection (a stranger with the
// wrong secret) from every explicitly configured bootstrap peer rejecting
// us, which means our own cluster_secret or topic_id is wrong for this
// cluster.
func (a *Adapter) AuthSummary() (ready, rejected, total int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, pc := range a.peers {
		total++
		if pc.session == nil {
			continue
		}
		switch pc.session.State {
		case auth.Ready:
			ready++
		case auth.Rejected:
			rejected++
		}
	}
	return ready, rejected, total
}

// Join contacts the given bootstrap endpoints and returns how many were
// successfully contacted. A returned error with n > 0 means partial
// success; callers should not treat it as fatal — the node still joins
// the topic and can be discovered by others.
func (a *Adapter) Join(endpoints []string) (int, error) {
	if len(endpoints) == 0 {
		return 0, nil
	}
	return a.list.Join(endpoints)
}

// Shutdown leaves the cluster gracefully and tears down the membership.
func (a *Adapter) Shutdown() error {
	if err := a.list.Leave(5 * time.Second); err != nil {
		a.log.Warn("error leaving gossip membership", "error", err)
	}
	return a.list.Shutdown()
}

// Run subscribes to the registry's mutation stream and broadcasts every
// locally-originated, accepted mutation to the rest of the membership.
// It also periodically reaps handshakes that have timed out. Run blocks
// until ctx is canceled.
func (a *Adapter) Run(ctx context.Context) error {
	sub := a.reg.Subscribe(inboundBufferCap)
	ticker := time.NewTicker(peerCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-sub.Done():
			sub = a.resubscribe()

		case m, ok := <-sub.Mutations():
			if !ok {
				return nil
			}
			if m.Origin != a.self {
				continue // never re-flood a remote-origin mutation
			}
			a.broadcastMutation(m)

		case now := <-ticker.C:
			a.reapExpiredSessions(now)
			if a.metrics != nil {
				a.metrics.RegistrySize.Set(float64(len(a.reg.Snapshot())))
			}
		}
	}
}

// resubscribe re-subscribes to the registry after an overflow
// disconnect, then takes a fresh snapshot and re-broadcasts every
// locally-originated binding as an Upsert, so an upsert accepted between
// disconnect and re-subscribe still reaches peers. A Remove missed in
// that gap is not recovered by the snapshot.
func (a *Adapter) resubscribe() *registry.Subscription {
	a.log.Warn("gossip mutation subscription overflowed, resubscribing")
	sub := a.reg.Subscribe(inboundBufferCap)
	for _, b := range a.reg.Snapshot() {
		if b.Origin != a.self {
			continue
		}
		a.broadcastMutation(registry.Mutation{Kind: registry.Upsert, Name: b.Name, Addr: b.Addr, Origin: b.Origin, TS: b.TS})
	}
	return sub
}

func (a *Adapter) broadcastMutation(m registry.Mutation) {
	payload, err := wire.EncodeMutation(wire.MutationMessage{
		Kind:   m.Kind,
		Name:   m.Name,
		Addr:   m.Addr,
		Origin: m.Origin,
		TS:     m.TS,
	})
	if err != nil {
		a.log.Warn("failed to encode outbound mutation", "name", m.Name, "error", err)
		return
	}
	a.bcast.QueueBroadcast(broadcastItem(envelope(a.self, payload)))
	if a.metrics != nil {
		a.metrics.GossipMessages.WithLabelValues("mutation", "out").Inc()
	}
}

// reapExpiredSessions rejects any peer whose handshake has run past its
// deadline without completing.
func (a *Adapter) reapExpiredSessions(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, pc := range a.peers {
		if pc.session != nil && pc.session.Expired(now) {
			a.log.Warn("peer authentication timed out", "peer", hex.EncodeToString(pc.id[:]))
			pc.session.State = auth.Rejected
			pc.buffered = nil
			if a.metrics != nil {
				a.metrics.AuthOutcomes.WithLabelValues("timeout").Inc()
			}
		}
	}
}

// --- memberlist.Delegate ---

func (a *Adapter) NodeMeta(limit int) []byte { return nil }

func (a *Adapter) NotifyMsg(msg []byte) {
	sender, payload, err := parseEnvelope(msg)
	if err != nil {
		a.log.Debug("dropping malformed gossip envelope", "error", err)
		return
	}

	a.mu.Lock()
	pc, known := a.peers[peerName(sender)]
	a.mu.Unlock()
	if !known {
		a.log.Debug("dropping message from unknown peer", "peer", hex.EncodeToString(sender[:]))
		return
	}

	tag, err := wire.PeekTag(payload)
	if err != nil {
		a.noteDeserializeFailure(pc)
		return
	}

	switch tag {
	case wire.TagAuthChallenge:
		a.handleChallenge(pc, payload)
	case wire.TagAuthResponse:
		a.handleResponse(pc, payload)
	case wire.TagAuthAck:
		a.handleAck(pc, payload)
	case wire.TagUpsert, wire.TagRemove:
		a.handleMutationMsg(pc, payload, msg)
		if a.metrics != nil {
			a.metrics.GossipMessages.WithLabelValues("mutation", "in").Inc()
		}
	case wire.TagFullSync:
		a.handleFullSync(pc, payload, msg)
		if a.metrics != nil {
			a.metrics.GossipMessages.WithLabelValues("fullsync", "in").Inc()
		}
	default:
		a.noteDeserializeFailure(pc)
	}
}

func (a *Adapter) GetBroadcasts(overhead, limit int) [][]byte {
	return a.bcast.GetBroadcasts(overhead, limit)
}

func (a *Adapter) LocalState(join bool) []byte          { return nil }
func (a *Adapter) MergeRemoteState(buf []byte, join bool) {}

// --- memberlist.EventDelegate ---

func (a *Adapter) NotifyJoin(node *memberlist.Node) {
	id, err := parsePeerName(node.Name)
	if err != nil {
		a.log.Warn("peer joined with unparseable name, ignoring", "name", node.Name)
		return
	}

	nonce, err := auth.NewNonce()
	if err != nil {
		a.log.Error("failed to generate auth nonce", "error", err)
		return
	}

	pc := &peerConn{
		node: node,
		id:   id,
		session: &auth.Session{
			State:     auth.Authenticating,
			Nonce:     nonce,
			Initiator: true,
			Deadline:  time.Now().Add(auth.Timeout),
		},
	}

	a.mu.Lock()
	a.peers[peerName(id)] = pc
	a.mu.Unlock()

	a.log.Info("peer discovered, sending auth challenge", "peer", hex.EncodeToString(id[:]))
	a.sendTo(node, envelope(a.self, wire.EncodeAuthChallenge(nonce)))
}

func (a *Adapter) NotifyLeave(node *memberlist.Node) {
	id, err := parsePeerName(node.Name)
	if err != nil {
		return
	}
	a.mu.Lock()
	wasReady := false
	if pc, ok := a.peers[peerName(id)]; ok {
		if pc.session != nil {
			wasReady = pc.session.State == auth.Ready
			pc.session.State = auth.Gone
		}
	}
	a.mu.Unlock()
	if wasReady && a.metrics != nil {
		a.metrics.PeersReady.Dec()
	}
	a.log.Info("peer left", "peer", hex.EncodeToString(id[:]))
}

func (a *Adapter) NotifyUpdate(node *memberlist.Node) {}

// --- handshake handling ---

func (a *Adapter) handleChallenge(pc *peerConn, payload []byte) {
	nonce, err := wire.DecodeAuthChallenge(payload)
	if err != nil {
		a.noteDeserializeFailure(pc)
		return
	}

	a.mu.Lock()
	pc.respondedNonce = &nonce
	a.mu.Unlock()

	mac := auth.Respond(a.secret, nonce, a.self, a.topicID)
	a.sendTo(pc.node, envelope(a.self, wire.EncodeAuthResponse(mac)))
}

func (a *Adapter) handleResponse(pc *peerConn, payload []byte) {
	mac, err := wire.DecodeAuthResponse(payload)
	if err != nil {
		a.noteDeserializeFailure(pc)
		return
	}

	a.mu.Lock()
	s := pc.session
	if s == nil || s.State != auth.Authenticating || !s.Initiator {
		a.mu.Unlock()
		return
	}
	nonce := s.Nonce
	a.mu.Unlock()

	if !auth.Verify(a.secret, nonce, pc.id, a.topicID, mac) {
		a.mu.Lock()
		s.State = auth.Rejected
		pc.buffered = nil
		a.mu.Unlock()
		a.log.Warn("peer auth response invalid, rejecting", "peer", hex.EncodeToString(pc.id[:]))
		if a.metrics != nil {
			a.metrics.AuthOutcomes.WithLabelValues("rejected").Inc()
		}
		return
	}

	ack := auth.Ack(a.secret, nonce, a.self, a.topicID)
	a.sendTo(pc.node, envelope(a.self, wire.EncodeAuthAck(ack)))

	a.mu.Lock()
	s.State = auth.Ready
	buffered := pc.buffered
	pc.buffered = nil
	lowerID := bytes.Compare(a.self[:], pc.id[:]) < 0
	if lowerID {
		pc.sentFullSync = true
	}
	a.mu.Unlock()

	a.log.Info("peer authenticated", "peer", hex.EncodeToString(pc.id[:]))
	if a.metrics != nil {
		a.metrics.AuthOutcomes.WithLabelValues("ready").Inc()
		a.metrics.PeersReady.Inc()
	}
	for _, raw := range buffered {
		a.NotifyMsg(raw)
	}
	if lowerID {
		a.sendFullSync(pc)
	}
}

func (a *Adapter) handleAck(pc *peerConn, payload []byte) {
	mac, err := wire.DecodeAuthAck(payload)
	if err != nil {
		a.noteDeserializeFailure(pc)
		return
	}

	a.mu.Lock()
	nonce := pc.respondedNonce
	a.mu.Unlock()
	if nonce == nil {
		return
	}

	if !auth.VerifyAck(a.secret, *nonce, pc.id, a.topicID, mac) {
		a.log.Warn("peer ack invalid", "peer", hex.EncodeToString(pc.id[:]))
		return
	}
	a.log.Debug("peer accepted our authentication", "peer", hex.EncodeToString(pc.id[:]))
}

// --- mutation / full-sync handling ---

func (a *Adapter) handleMutationMsg(pc *peerConn, payload, raw []byte) {
	if !a.admit(pc, raw) {
		return
	}

	m, err := wire.DecodeMutation(payload)
	if err != nil {
		a.noteDeserializeFailure(pc)
		return
	}

	result := a.reg.Apply(registry.Mutation{
		Kind:   m.Kind,
		Name:   m.Name,
		Addr:   m.Addr,
		Origin: m.Origin,
		TS:     m.TS,
	})
	a.log.Debug("applied inbound mutation", "name", m.Name, "kind", m.Kind, "result", result)
}

func (a *Adapter) handleFullSync(pc *peerConn, payload, raw []byte) {
	if !a.admit(pc, raw) {
		return
	}

	fs, err := wire.DecodeFullSync(payload)
	if err != nil {
		a.noteDeserializeFailure(pc)
		return
	}

	for _, e := range fs.Entries {
		a.reg.Apply(registry.Mutation{
			Kind:   registry.Upsert,
			Name:   e.Name,
			Addr:   e.Addr,
			Origin: fs.Origin,
			TS:     e.TS,
		})
	}
	a.log.Info("applied full sync", "peer", hex.EncodeToString(fs.Origin[:]), "entries", len(fs.Entries))

	a.mu.Lock()
	already := pc.sentFullSync
	pc.sentFullSync = true
	a.mu.Unlock()
	if !already {
		a.sendFullSync(pc)
	}
}

func (a *Adapter) sendFullSync(pc *peerConn) {
	bindings := a.reg.Snapshot()
	entries := make([]wire.FullSyncEntry, 0, len(bindings))
	for _, b := range bindings {
		if b.Origin != a.self {
			continue
		}
		entries = append(entries, wire.FullSyncEntry{Name: b.Name, Addr: b.Addr, TS: b.TS})
	}

	payload, err := wire.EncodeFullSync(wire.FullSyncMessage{Origin: a.self, TS: 0, Entries: entries})
	if err != nil {
		a.log.Warn("failed to encode full sync", "error", err)
		return
	}
	a.sendTo(pc.node, envelope(a.self, payload))
}

// admit applies the dedup check and authentication gate shared by
// mutation and full-sync messages. It returns whether processing
// should continue.
func (a *Adapter) admit(pc *peerConn, raw []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	state := auth.Discovered
	if pc.session != nil {
		state = pc.session.State
	}
	switch state {
	case auth.Ready:
		// falls through to dedup check below
	case auth.Rejected, auth.Gone:
		return false
	default: // Discovered, Authenticating
		if len(pc.buffered) < inboundBufferCap {
			cp := append([]byte(nil), raw...)
			pc.buffered = append(pc.buffered, cp)
		}
		return false
	}

	if a.dedup.seenBefore(raw) {
		return false
	}
	return true
}

func (a *Adapter) noteDeserializeFailure(pc *peerConn) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	if now.Sub(pc.failWindowFrom) > deserializeFailWindow {
		pc.failWindowFrom = now
		pc.failCount = 0
	}
	pc.failCount++
	if pc.failCount > deserializeFailLimit && pc.session != nil {
		pc.session.State = auth.Rejected
		pc.buffered = nil
		a.log.Warn("peer exceeded malformed message limit, rejecting", "peer", hex.EncodeToString(pc.id[:]))
	}
}

func (a *Adapter) sendTo(node *memberlist.Node, data []byte) {
	if err := a.list.SendReliable(node, data); err != nil {
		a.log.Warn("failed to send to peer", "peer", node.Name, "error", err)
	}
}

// --- envelope & naming helpers ---

// envelope prefixes payload with sender's peer id, working around
// memberlist's NotifyMsg callback not carrying sender identity.
func envelope(sender registry.PeerID, payload []byte) []byte {
	buf := make([]byte, 0, len(sender)+len(payload))
	buf = append(buf, sender[:]...)
	return append(buf, payload...)
}

func parseEnvelope(data []byte) (registry.PeerID, []byte, error) {
	var sender registry.PeerID
	if len(data) < len(sender) {
		return sender, nil, fmt.Errorf("envelope shorter than a peer id")
	}
	copy(sender[:], data[:len(sender)])
	return sender, data[len(sender):], nil
}

func peerName(id registry.PeerID) string { return hex.EncodeToString(id[:]) }

func parsePeerName(name string) (registry.PeerID, error) {
	var id registry.PeerID
	decoded, err := hex.DecodeString(name)
	if err != nil || len(decoded) != len(id) {
		return id, fmt.Errorf("not a valid peer id: %q", name)
	}
	copy(id[:], decoded)
	return id, nil
}

// broadcastItem is a memberlist.Broadcast that never invalidates
// previously queued broadcasts — every mutation is independent.
type broadcastItem []byte

func (b broadcastItem) Message() []byte                       { return []byte(b) }
func (b broadcastItem) Invalidates(memberlist.Broadcast) bool { return false }
func (b broadcastItem) Finished()                             {}

// slogWriter adapts a structured logger to the io.Writer memberlist
// wants for its own internal, unstructured log lines.
type slogWriter struct {
	log *slog.Logger
}

func (w *slogWriter) Write(p []byte) (int, error) {
	msg := string(bytes.TrimRight(p, "\n"))
	w.log.Debug(msg)
	return len(p), nil
}
