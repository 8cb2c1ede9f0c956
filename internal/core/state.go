// Package core holds the shared in-memory state: one process-wide
// structure guarded by a single RWMutex, exposing sessions, socket
// attachments, file ownership, transfers, and admission settings.
// Every exported method is a short, synchronous critical section — nothing
// here blocks on I/O, channel send/receive, or socket emission while the
// lock is held.
package core

import (
	"context"
	"encoding/hex"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"zher/internal/protocol"
)

// GracePeriod is how long a disconnected session's profile is retained so a
// reconnect within the window can reuse it.
const GracePeriod = 600 * time.Second

// TransferMaxAge bounds how long an allocated-but-never-consumed transfer
// is kept before Sweep reclaims it. This is not a mandated value; five
// minutes comfortably exceeds any realistic gap between a download
// request and its matching upload POST.
const TransferMaxAge = 5 * time.Minute

// SendTimeout bounds how long a write to one socket's outbound queue may
// block before the send is abandoned.
const SendTimeout = 50 * time.Millisecond

// sendBuffer is the outbound queue depth per socket.
const sendBuffer = 64

const maxNameLength = 24

// Palette is the fixed set of colors assigned to new users, in a stable
// order so assignment is deterministic for tests.
var Palette = [...]string{
	"#ef4444", "#f97316", "#f59e0b", "#84cc16", "#10b981",
	"#06b6d4", "#3b82f6", "#6366f1", "#8b5cf6", "#d946ef",
}

// FileOwner records which socket announced a file and the metadata it
// declared. Removed the instant its owning socket detaches.
type FileOwner struct {
	OwningSocket string
	Filename     string
	FileSize     uint64
}

// AdmissionSettings gates new socket connections behind a shared room code.
type AdmissionSettings struct {
	RoomCodeEnabled bool
	RoomCode        string
}

// TransferChunk is one item flowing through a transfer's byte-stream
// channel: either a chunk of body bytes or a terminal read error.
type TransferChunk struct {
	Data []byte
	Err  error
}

type sessionState struct {
	user           protocol.User
	disconnectTime *time.Time
	activeSockets  map[string]struct{}
}

type socketState struct {
	sessionKey string
	send       chan protocol.Frame
}

type transferEntry struct {
	ch        chan TransferChunk
	cancel    context.CancelFunc
	ctx       context.Context
	allocated time.Time
}

// State is the single process-wide shared-state structure.
type State struct {
	rw sync.RWMutex

	sessions  map[string]*sessionState   // sessionKey -> session
	sockets   map[string]*socketState    // socketID -> socket
	owners    map[string]FileOwner       // fileID -> owner
	transfers map[string]*transferEntry  // transferID -> entry

	admission AdmissionSettings

	rng *rand.Rand
}

// Option configures a State at construction time.
type Option func(*State)

// WithRand injects a deterministic random source, for tests that need
// reproducible display names and colors.
func WithRand(r *rand.Rand) Option {
	return func(s *State) { s.rng = r }
}

// NewState returns an empty State ready to accept connections.
func NewState(opts ...Option) *State {
	s := &State{
		sessions:  make(map[string]*sessionState),
		sockets:   make(map[string]*socketState),
		owners:    make(map[string]FileOwner),
		transfers: make(map[string]*transferEntry),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Admission returns the current room-code settings.
func (s *State) Admission() AdmissionSettings {
	s.rw.RLock()
	defer s.rw.RUnlock()
	return s.admission
}

// SetAdmission replaces the room-code settings.
func (s *State) SetAdmission(enabled bool, code string) {
	s.rw.Lock()
	s.admission = AdmissionSettings{RoomCodeEnabled: enabled, RoomCode: code}
	s.rw.Unlock()
}

// CheckRoomCode reports whether a connecting socket carrying provided
// satisfies current admission settings. Disabled admission, or admission
// enabled with an empty configured code, always passes.
func (s *State) CheckRoomCode(provided string) bool {
	s.rw.RLock()
	defer s.rw.RUnlock()
	if !s.admission.RoomCodeEnabled || s.admission.RoomCode == "" {
		return true
	}
	return provided == s.admission.RoomCode
}

// ConnectKind classifies how a connect attempt was resolved, so the caller
// knows what (if anything) to broadcast to peers.
type ConnectKind int

const (
	// ConnectFresh is a brand-new session: peers should see user-joined.
	ConnectFresh ConnectKind = iota
	// ConnectReconnect reused a session whose active_sockets had gone
	// empty. This intentionally does NOT broadcast user-joined (peers
	// already saw user-left for this identity); instead
	// the caller should refresh everyone's roster with update-user-list so
	// the reappeared identity isn't stuck missing until the next message.
	ConnectReconnect
	// ConnectAdditionalSocket attached an extra socket to an already-live
	// session (e.g. a second tab). Invisible to peers.
	ConnectAdditionalSocket
)

// Connect resolves or creates the session for sessionKey, attaches socketID
// to it, and returns the resulting profile, a snapshot of all live users,
// how the connect was resolved, and the outbound queue the caller should
// pump from.
func (s *State) Connect(socketID, sessionKey, userAgent string) (user protocol.User, allUsers []protocol.User, kind ConnectKind, send chan protocol.Frame) {
	send = make(chan protocol.Frame, sendBuffer)

	s.rw.Lock()
	defer s.rw.Unlock()

	now := time.Now()
	sess, exists := s.sessions[sessionKey]
	if exists {
		if sess.disconnectTime != nil && now.Sub(*sess.disconnectTime) > GracePeriod {
			exists = false // expired: fall through and mint a fresh profile
		}
	}

	switch {
	case !exists:
		user = s.newUserLocked(userAgent)
		sess = &sessionState{
			user:          user,
			activeSockets: map[string]struct{}{socketID: {}},
		}
		s.sessions[sessionKey] = sess
		kind = ConnectFresh
	case sess.disconnectTime != nil:
		sess.disconnectTime = nil
		sess.activeSockets[socketID] = struct{}{}
		kind = ConnectReconnect
	default:
		sess.activeSockets[socketID] = struct{}{}
		kind = ConnectAdditionalSocket
	}
	user = sess.user

	s.sockets[socketID] = &socketState{sessionKey: sessionKey, send: send}
	allUsers = s.liveUsersLocked()
	return user, allUsers, kind, send
}

// Disconnect detaches socketID. It returns the stable user id and whether
// user-left should be broadcast (true iff this emptied the session's
// active-socket set), plus the ids of any files this socket owned — those
// are removed unconditionally.
func (s *State) Disconnect(socketID string) (userID string, broadcastLeft bool, removedFileIDs []string) {
	s.rw.Lock()
	defer s.rw.Unlock()

	sock, ok := s.sockets[socketID]
	if !ok {
		return "", false, nil
	}
	delete(s.sockets, socketID)
	close(sock.send)

	if sess, ok := s.sessions[sock.sessionKey]; ok {
		delete(sess.activeSockets, socketID)
		if len(sess.activeSockets) == 0 {
			now := time.Now()
			sess.disconnectTime = &now
			broadcastLeft = true
			userID = sess.user.ID
		}
	}

	for fileID, owner := range s.owners {
		if owner.OwningSocket == socketID {
			delete(s.owners, fileID)
			removedFileIDs = append(removedFileIDs, fileID)
		}
	}
	return userID, broadcastLeft, removedFileIDs
}

// RenameUser validates and applies a display-name change for the session
// owning socketID. ok is false when the name is empty/too long or the
// socket is unknown; finalName is only meaningful when ok is true.
func (s *State) RenameUser(socketID, newName string) (finalName string, ok bool, allUsers []protocol.User) {
	trimmed := strings.TrimSpace(newName)
	if trimmed == "" || utf8.RuneCountInString(trimmed) > maxNameLength {
		return "", false, nil
	}

	s.rw.Lock()
	defer s.rw.Unlock()

	sock, found := s.sockets[socketID]
	if !found {
		return "", false, nil
	}
	sess, found := s.sessions[sock.sessionKey]
	if !found {
		return "", false, nil
	}

	final := trimmed
	if s.nameTakenLocked(final, sess) {
		final += "1"
	}
	sess.user.Name = final
	return final, true, s.liveUsersLocked()
}

func (s *State) nameTakenLocked(name string, except *sessionState) bool {
	for _, sess := range s.sessions {
		if sess == except || sess.disconnectTime != nil {
			continue
		}
		if sess.user.Name == name {
			return true
		}
	}
	return false
}

// ResolveSender returns the profile of the session owning socketID.
func (s *State) ResolveSender(socketID string) (protocol.User, bool) {
	s.rw.RLock()
	defer s.rw.RUnlock()
	sock, ok := s.sockets[socketID]
	if !ok {
		return protocol.User{}, false
	}
	sess, ok := s.sessions[sock.sessionKey]
	if !ok {
		return protocol.User{}, false
	}
	return sess.user, true
}

// Users returns a stable, ID-sorted snapshot of every session without a
// disconnect time.
func (s *State) Users() []protocol.User {
	s.rw.RLock()
	defer s.rw.RUnlock()
	return s.liveUsersLocked()
}

func (s *State) liveUsersLocked() []protocol.User {
	out := make([]protocol.User, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.disconnectTime == nil {
			out = append(out, sess.user)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RegisterFileOwner records that socketID owns fileID (minting one if
// absent) with the given metadata, defaulting filename/size when absent,
// and returns the effective fileID.
func (s *State) RegisterFileOwner(socketID, fileID, filename string, size uint64) string {
	if fileID == "" {
		fileID = uuid.NewString()
	}
	if filename == "" {
		filename = "unknown_file"
	}

	s.rw.Lock()
	s.owners[fileID] = FileOwner{OwningSocket: socketID, Filename: filename, FileSize: size}
	s.rw.Unlock()
	return fileID
}

// LookupFileOwner returns the owner record for fileID, if any.
func (s *State) LookupFileOwner(fileID string) (FileOwner, bool) {
	s.rw.RLock()
	defer s.rw.RUnlock()
	owner, ok := s.owners[fileID]
	return owner, ok
}

// AllocateTransfer mints a transfer id and a bounded byte-stream channel of
// capacity bufSize, stores it for a matching upload POST to claim, and
// returns the id, the channel's receive end, and a cancel func the download
// handler calls when its receiver goes away — the uploader loop watches
// the associated context and treats that as the "send fails" signal for
// receiver cancellation, without racing over who closes the channel.
func (s *State) AllocateTransfer(bufSize int) (id string, recv <-chan TransferChunk, ctx context.Context, cancel context.CancelFunc) {
	ch := make(chan TransferChunk, bufSize)
	ctx, cancelFn := context.WithCancel(context.Background())
	id = uuid.NewString()

	s.rw.Lock()
	s.transfers[id] = &transferEntry{ch: ch, ctx: ctx, cancel: cancelFn, allocated: time.Now()}
	s.rw.Unlock()
	return id, ch, ctx, cancelFn
}

// TakeTransferSender atomically removes and returns the channel for
// transferID, so at most one upload POST can ever claim it, plus the
// context the uploader must select against to detect receiver cancellation.
func (s *State) TakeTransferSender(transferID string) (send chan<- TransferChunk, ctx context.Context, ok bool) {
	s.rw.Lock()
	defer s.rw.Unlock()
	entry, found := s.transfers[transferID]
	if !found {
		return nil, nil, false
	}
	delete(s.transfers, transferID)
	return entry.ch, entry.ctx, true
}

// AbandonTransfer removes transferID without anyone consuming it, used
// when start-upload dispatch fails.
func (s *State) AbandonTransfer(transferID string) {
	s.rw.Lock()
	if entry, ok := s.transfers[transferID]; ok {
		entry.cancel()
		delete(s.transfers, transferID)
	}
	s.rw.Unlock()
}

// Sweep purges sessions whose grace period has elapsed and transfers that
// were allocated but never consumed within TransferMaxAge. Optional
// periodic hygiene on top of the lazy expiry already applied in Connect.
func (s *State) Sweep(now time.Time) (expiredSessions, purgedTransfers int) {
	s.rw.Lock()
	defer s.rw.Unlock()

	for key, sess := range s.sessions {
		if sess.disconnectTime != nil && now.Sub(*sess.disconnectTime) > GracePeriod {
			delete(s.sessions, key)
			expiredSessions++
		}
	}
	for id, entry := range s.transfers {
		if now.Sub(entry.allocated) > TransferMaxAge {
			entry.cancel()
			delete(s.transfers, id)
			purgedTransfers++
		}
	}
	return expiredSessions, purgedTransfers
}

// Broadcast delivers frame to every attached socket except exceptSocketID
// ("" to exclude none).
func (s *State) Broadcast(frame protocol.Frame, exceptSocketID string) {
	s.rw.RLock()
	targets := make([]chan protocol.Frame, 0, len(s.sockets))
	for id, sock := range s.sockets {
		if id == exceptSocketID {
			continue
		}
		targets = append(targets, sock.send)
	}
	s.rw.RUnlock()

	for _, ch := range targets {
		trySend(ch, frame)
	}
}

// SendTo delivers frame to one socket. It reports false if the socket is
// unknown or its queue could not accept the frame within SendTimeout.
func (s *State) SendTo(socketID string, frame protocol.Frame) bool {
	s.rw.RLock()
	sock, ok := s.sockets[socketID]
	s.rw.RUnlock()
	if !ok {
		return false
	}
	return trySend(sock.send, frame)
}

// newUserLocked mints a fresh profile. Callers must hold s.rw for writing.
func (s *State) newUserLocked(userAgent string) protocol.User {
	return protocol.User{
		ID:     uuid.NewString(),
		Name:   s.randomNameLocked(),
		Color:  Palette[s.rng.Intn(len(Palette))],
		Device: deviceClass(userAgent),
	}
}

// randomNameLocked returns a 6 hex-character name. Callers must hold s.rw.
func (s *State) randomNameLocked() string {
	b := make([]byte, 3)
	_, _ = s.rng.Read(b)
	return hex.EncodeToString(b)
}

// deviceClass derives mobile/desktop from a raw User-Agent header.
func deviceClass(userAgent string) string {
	ua := strings.ToLower(userAgent)
	for _, marker := range [...]string{"mobile", "android", "iphone", "ipad", "ipod"} {
		if strings.Contains(ua, marker) {
			return "mobile"
		}
	}
	return "desktop"
}

// trySend writes frame to ch without blocking past SendTimeout, recovering
// from a send-on-closed-channel panic raised by a disconnect racing this
// broadcast — that race is expected, not an error.
func trySend(ch chan protocol.Frame, frame protocol.Frame) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case ch <- frame:
		return true
	case <-time.After(SendTimeout):
		return false
	}
}
