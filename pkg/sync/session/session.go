// Package session drives a single sync session between two peers: the
// initial exchange of states, and the streaming of updates afterwards.
package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	goSync "sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sidkik/mirror/pkg/errors"
	"github.com/sidkik/mirror/pkg/proto/mirror"
	"github.com/sidkik/mirror/pkg/sync"
	"github.com/sidkik/mirror/pkg/sync/delivery"
)

// State is the lifecycle stage of a Session. A session only moves forward
// through the states.
type State int

const (
	// Uninitialized sessions haven't exchanged states with the peer yet.
	Uninitialized State = iota
	// Handshaking sessions have their baselines, and are waiting for the
	// update stream.
	Handshaking
	// Streaming sessions are exchanging updates.
	Streaming
	// Closed sessions are finished, and can't be reused.
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Handshaking:
		return "handshaking"
	case Streaming:
		return "streaming"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Stream is a bidirectional stream of updates with the peer. Both the client
// and server ends of the StreamUpdates RPC implement it.
type Stream interface {
	Send(*mirror.Update) error
	Recv() (*mirror.Update, error)
}

// Watcher reports paths, relative to the synced root, that might have
// changed on disk.
type Watcher interface {
	Events() <-chan string
}

// Config contains the collaborators and tunables for a Session.
type Config struct {
	// ID identifies the session in logs.
	ID string

	Filesystem sync.Filesystem

	// Watcher is optional. Without it, local changes are only noticed by
	// the periodic rescan.
	Watcher Watcher

	// RescanInterval is how often the root is rescanned to catch changes
	// the watcher missed. Zero disables rescanning.
	RescanInterval time.Duration

	// PollInterval is passed to the delivery.Sender.
	PollInterval time.Duration

	Clock clockwork.Clock
}

// Session owns both baselines of a sync session.
// * local is what's on this side's disk.
// * remote is what the peer is believed to have.
// All access to the baselines is serialized by `lock`.
type Session struct {
	id             string
	fs             sync.Filesystem
	watcher        Watcher
	rescanInterval time.Duration
	pollInterval   time.Duration
	clock          clockwork.Clock
	log            *log.Entry

	queue *updateQueue

	lock   goSync.Mutex
	state  State
	local  sync.PathState
	remote sync.PathState
	cancel context.CancelFunc
}

// New returns a Session in the Uninitialized state.
func New(cfg Config) *Session {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Session{
		id:             cfg.ID,
		fs:             cfg.Filesystem,
		watcher:        cfg.Watcher,
		rescanInterval: cfg.RescanInterval,
		pollInterval:   cfg.PollInterval,
		clock:          clock,
		log:            log.WithField("session", cfg.ID),
		queue:          newUpdateQueue(),
	}
}

// ID returns the session's identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// Scan returns a snapshot of the local tree.
func (s *Session) Scan(ctx context.Context) (sync.PathState, error) {
	state, err := s.fs.Scan(ctx)
	if err != nil {
		return nil, errors.WithContext(err, "scan")
	}
	return state, nil
}

// Handshake is the server's half of the initial sync. It scans the local
// tree, records `remote` as the peer's state, and queues the updates the
// peer is missing. The local snapshot is returned so that it can be sent to
// the peer.
func (s *Session) Handshake(ctx context.Context, remote sync.PathState) (sync.PathState, error) {
	if err := s.transition(Uninitialized, Handshaking); err != nil {
		return nil, err
	}

	local, err := s.Scan(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}

	if err := s.begin(local, remote); err != nil {
		return nil, err
	}
	return local.Copy(), nil
}

// Begin is the client's half of the initial sync. The client scanned
// `local` itself, and received `remote` in the handshake response.
func (s *Session) Begin(local, remote sync.PathState) error {
	if err := s.transition(Uninitialized, Handshaking); err != nil {
		return err
	}
	return s.begin(local, remote)
}

func (s *Session) begin(local, remote sync.PathState) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	// The session was closed while scanning.
	if s.state != Handshaking {
		return errors.ErrInvalidState
	}

	s.local = local.Copy()
	s.remote = remote.Copy()
	if s.remote == nil {
		s.remote = sync.PathState{}
	}

	updates := sync.Reconcile(s.local, s.remote)
	s.queue.push(updates...)
	s.log.WithFields(sync.LogFields(updates)).
		WithField("local", s.local.Live()).
		WithField("remote", s.remote.Live()).
		Info("Reconciled with peer")
	return nil
}

func (s *Session) transition(from, to State) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state != from {
		return errors.ErrInvalidState
	}
	s.state = to
	return nil
}

// Stream exchanges updates with the peer over `stream` until the stream
// ends, an error occurs, `ctx` is cancelled, or the session is closed. The
// session is Closed once Stream returns.
func (s *Session) Stream(ctx context.Context, stream Stream) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.lock.Lock()
	if s.state != Handshaking {
		s.lock.Unlock()
		return errors.ErrInvalidState
	}
	s.state = Streaming
	s.cancel = cancel
	s.lock.Unlock()

	activeSessions.WithLabelValues().Inc()
	defer activeSessions.WithLabelValues().Dec()
	defer s.Close()

	sender := delivery.NewSender(stream,
		delivery.WithClock(s.clock),
		delivery.WithPollInterval(s.pollInterval))

	// Each loop cancels the others when it exits, so that the session is
	// torn down as soon as either direction fails.
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer cancel()
		return s.runOutbound(ctx, sender)
	})
	group.Go(func() error {
		defer cancel()
		return s.runInbound(ctx, stream)
	})
	if s.watcher != nil || s.rescanInterval > 0 {
		group.Go(func() error {
			defer cancel()
			return s.runWatcher(ctx)
		})
	}

	s.log.Info("Streaming updates")
	err := group.Wait()
	if err != nil {
		s.log.WithError(err).Warn("Session ended with error")
	} else {
		s.log.Info("Session ended")
	}
	return err
}

// Close stops the session. It's safe to call multiple times.
func (s *Session) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.state == Closed {
		return
	}
	s.closeLocked()
}

// Expire closes the session if the peer never started streaming after the
// handshake. It returns whether the session was closed.
func (s *Session) Expire() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.state != Handshaking {
		return false
	}
	s.log.Info("Handshake expired before the peer started streaming")
	s.closeLocked()
	return true
}

func (s *Session) closeLocked() {
	s.state = Closed
	if s.cancel != nil {
		s.cancel()
	}

	if dropped := s.queue.drain(); len(dropped) > 0 {
		s.log.WithFields(sync.LogFields(dropped)).Debug("Dropped unsent updates")
	}
}

func (s *Session) runOutbound(ctx context.Context, sender *delivery.Sender) error {
	for {
		update, err := s.queue.pop(ctx)
		if err != nil {
			return nil
		}

		if err := s.send(ctx, sender, update); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Session) send(ctx context.Context, sender *delivery.Sender, queued sync.Update) error {
	update, ok := s.prepare(queued)
	if !ok {
		return nil
	}

	if update.Entry.Kind == sync.File {
		data, err := s.fs.ReadFile(update.Path())
		if err != nil {
			// The removal will be picked up as a separate update.
			if errors.Is(err, os.ErrNotExist) {
				s.log.WithField("path", update.Path()).Debug(
					"File removed before it could be sent")
				return nil
			}
			return errors.WithContext(err, "read "+update.Path())
		}
		update.Data = data
	}

	pb, err := update.Marshal()
	if err != nil {
		return errors.WithContext(err, "marshal "+update.Path())
	}

	if err := sender.Send(ctx, pb); err != nil {
		return errors.WithContext(err, "send")
	}
	updatesSent.WithLabelValues(update.Entry.Kind.String()).Inc()

	s.lock.Lock()
	s.remote.Apply(sync.Update{Entry: update.Entry})
	s.lock.Unlock()
	s.log.WithField("update", update.String()).Debug("Sent update")
	return nil
}

// prepare returns the update to send for the path of `queued`. The local
// entry may have changed since the update was queued, in which case the
// current entry is sent instead. If the peer already has the current entry,
// nothing is sent.
func (s *Session) prepare(queued sync.Update) (sync.Update, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	path := queued.Path()
	current, ok := s.local[path]
	if !ok {
		current = sync.NewTombstone(path)
	}

	remote, ok := s.remote[path]
	if ok && !current.Differs(remote) {
		return sync.Update{}, false
	}
	if !ok && current.Kind == sync.Tombstone {
		return sync.Update{}, false
	}
	return sync.Update{Entry: current}, true
}

type received struct {
	update *mirror.Update
	err    error
}

func (s *Session) runInbound(ctx context.Context, stream Stream) error {
	// Recv doesn't take a context, so it's run in a separate goroutine that
	// exits once the stream is torn down.
	receivedChan := make(chan received)
	go func() {
		for {
			pb, err := stream.Recv()
			select {
			case receivedChan <- received{pb, err}:
			case <-ctx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-receivedChan:
			if msg.err == io.EOF {
				return nil
			}
			if msg.err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errors.WithContext(msg.err, "receive")
			}

			update, err := sync.UnmarshalUpdate(msg.update)
			if err != nil {
				return errors.WithContext(err, "parse update")
			}
			updatesReceived.WithLabelValues(update.Entry.Kind.String()).Inc()
			if err := s.applyRemote(update); err != nil {
				return err
			}
		}
	}
}

// applyRemote records an update received from the peer, and writes it to
// disk if it changes the local tree. An error means the trees can no longer
// be kept in sync by this session, and it must end.
func (s *Session) applyRemote(update sync.Update) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	path := update.Path()
	s.remote.Apply(update)
	if update.Entry.Kind == sync.Tombstone {
		tombstoneChildren(s.remote, path)
	}

	local, ok := s.local[path]
	if ok && !update.Entry.Differs(local) {
		return nil
	}
	if !ok && update.Entry.Kind == sync.Tombstone {
		return nil
	}

	logger := s.log.WithField("update", update.String())
	if err := s.fs.Apply(update); err != nil {
		if err == sync.ErrExcluded {
			logger.Debug("Ignoring update to excluded path")
			return nil
		}
		return errors.WithContext(err, "apply "+path)
	}

	s.local.Apply(sync.Update{Entry: update.Entry})
	if update.Entry.Kind == sync.Tombstone {
		tombstoneChildren(s.local, path)
	}
	logger.Debug("Applied update")
	return nil
}

// tombstoneChildren marks everything under `dir` as removed. Removing a
// directory removes its contents, but the watcher may or may not report the
// children individually.
func tombstoneChildren(state sync.PathState, dir string) (removed []sync.Update) {
	prefix := dir + "/"
	for _, path := range state.Paths() {
		if strings.HasPrefix(path, prefix) && state[path].Kind != sync.Tombstone {
			tombstone := sync.Update{Entry: sync.NewTombstone(path)}
			state.Apply(tombstone)
			removed = append(removed, tombstone)
		}
	}
	return removed
}

func (s *Session) runWatcher(ctx context.Context) error {
	var events <-chan string
	if s.watcher != nil {
		events = s.watcher.Events()
	}

	var rescan <-chan time.Time
	if s.rescanInterval > 0 {
		ticker := s.clock.NewTicker(s.rescanInterval)
		defer ticker.Stop()
		rescan = ticker.Chan()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case path, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("file watcher stopped")
			}

			if err := s.localChanged(path); err != nil {
				s.log.WithError(err).WithField("path", path).Warn("Failed to stat changed path")
			}
		case <-rescan:
			if err := s.rescan(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.log.WithError(err).Warn("Failed to rescan")
			}
		}
	}
}

// localChanged queues an update for `path` if it differs from what's
// recorded in the local baseline.
// The stat happens while holding the lock so that it can't interleave with
// a remote update to the same path. Otherwise, a stat taken halfway through
// writing a remote update would be sent back to the peer.
func (s *Session) localChanged(path string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	entry, err := s.fs.Stat(path)
	if err != nil {
		if err == sync.ErrExcluded {
			return nil
		}
		return err
	}
	s.recordLocal(entry)
	return nil
}

// rescan diffs a fresh scan against the local baseline, and queues any
// differences.
// The scan runs without the lock, so remote updates may be applied while
// it's in progress. Each difference is therefore stat'ed again under the
// lock, and only what's on disk now is recorded.
func (s *Session) rescan(ctx context.Context) error {
	scanned, err := s.Scan(ctx)
	if err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	var changed []sync.Update
	for _, u := range sync.Diff(scanned, s.local) {
		entry, err := s.fs.Stat(u.Path())
		if err != nil {
			if err == sync.ErrExcluded {
				continue
			}
			return err
		}

		if curr, ok := s.local[entry.Path]; ok && !entry.Differs(curr) {
			continue
		}
		s.recordLocal(entry)
		changed = append(changed, sync.Update{Entry: entry})
	}
	if len(changed) > 0 {
		s.log.WithFields(sync.LogFields(changed)).Info("Rescan found changes")
	}
	return nil
}

// recordLocal must be called with the lock held.
func (s *Session) recordLocal(entry sync.PathEntry) {
	curr, ok := s.local[entry.Path]
	if ok && !entry.Differs(curr) {
		return
	}
	if !ok && entry.Kind == sync.Tombstone {
		return
	}

	update := sync.Update{Entry: entry}
	s.local.Apply(update)
	s.queue.push(update)
	if entry.Kind == sync.Tombstone {
		s.queue.push(tombstoneChildren(s.local, entry.Path)...)
	}
}
