// Package coordinator runs the synchronization state machine for one
// domain and one user: snapshot-first loading, optimistic writes, the
// offline queue and its replay, and the push subscription.
package coordinator

//go:generate mockgen -source=coordinator.go -destination=mock_coordinator_test.go -package=coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/edu-sync/internal/domains"
	syncerrors "github.com/alexjbarnes/edu-sync/internal/errors"
	"github.com/alexjbarnes/edu-sync/internal/models"
	"github.com/alexjbarnes/edu-sync/internal/notify"
	"github.com/alexjbarnes/edu-sync/internal/offline"
	"github.com/alexjbarnes/edu-sync/internal/optimistic"
	"github.com/alexjbarnes/edu-sync/internal/realtime"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const (
	tempIDPrefix            = "tmp-"
	defaultDrainMaxFailures = 1
	fetchKey                = "fetch"
	maxDrainPasses          = 4
	msgOfflineStale         = "offline"
)

// Gateway is the remote data surface. Errors must already be classified
// with an errors.Kind; the coordinator never re-interprets them.
// *gateway.HTTP satisfies it.
type Gateway interface {
	FetchCollection(ctx context.Context, domain models.Domain, userID string) ([]models.Record, error)
	FetchOne(ctx context.Context, domain models.Domain, userID, id string) (models.Record, error)
	Write(ctx context.Context, userID string, m models.PendingMutation) (models.Record, error)
}

// Connectivity is the online signal. *connectivity.Monitor satisfies it.
type Connectivity interface {
	Online() bool
	Subscribe(fn func(online bool)) func()
}

// RealtimeConfig enables the push subscription. A nil Dial disables it.
type RealtimeConfig struct {
	Dial        realtime.DialFunc
	Token       string
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Jitter      func(d time.Duration) time.Duration
	Sleep       func(ctx context.Context, d time.Duration) error
}

// Config holds a coordinator's collaborators.
type Config struct {
	Descriptor   domains.Descriptor
	UserID       string
	Gateway      Gateway
	Snapshots    *offline.SnapshotStore
	Queue        *offline.Queue
	Connectivity Connectivity
	Notifier     notify.Sink
	Logger       *slog.Logger
	Realtime     RealtimeConfig

	// DrainMaxFailures is how many consecutive retryable failures halt a
	// queue replay. The rest stays queued for the next reconnect.
	DrainMaxFailures int

	Now   func() time.Time
	NewID func() string
}

// Coordinator owns one domain's lifecycle for one user. All exported
// methods are safe for concurrent use.
//
// Fetches and queue replays are serialized by opMu. Concurrent fetch
// requests are coalesced into the one in flight. Results that arrive
// after Close are discarded by comparing the epoch captured when the
// call started.
type Coordinator struct {
	cfg     Config
	domain  models.Domain
	logger  *slog.Logger
	manager *optimistic.Manager
	channel *realtime.Channel

	opMu   sync.Mutex
	flight singleflight.Group

	// queueMu orders enqueues against the sweep at the end of a replay.
	queueMu sync.Mutex

	mu              sync.Mutex
	phase           models.Phase
	stale           bool
	degraded        bool
	errMsg          string
	subscription    models.SubscriptionStatus
	epoch           uint64
	started         bool
	closed          bool
	ctx             context.Context
	cancel          context.CancelFunc
	unsubscribeConn func()
	wg              sync.WaitGroup

	pubMu         sync.Mutex
	updates       chan models.View
	updatesClosed bool
}

// New returns an idle coordinator. Call Start to mount it.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard
	}

	if cfg.DrainMaxFailures <= 0 {
		cfg.DrainMaxFailures = defaultDrainMaxFailures
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}

	c := &Coordinator{
		cfg:    cfg,
		domain: cfg.Descriptor.Domain,
		logger: cfg.Logger.With(
			slog.String("domain", string(cfg.Descriptor.Domain)),
			slog.String("user_id", cfg.UserID),
		),
		manager: optimistic.NewManager(optimistic.Config{
			Equal:       cfg.Descriptor.Equal,
			Less:        cfg.Descriptor.Less,
			DedupWindow: cfg.Descriptor.DedupWindow,
			Now:         cfg.Now,
		}),
		phase:        models.PhaseIdle,
		subscription: models.SubscriptionDisconnected,
		updates:      make(chan models.View, 1),
	}

	if cfg.Realtime.Dial != nil {
		c.channel = realtime.New(realtime.Config{
			Domain:        c.domain,
			UserID:        cfg.UserID,
			Token:         cfg.Realtime.Token,
			Dial:          cfg.Realtime.Dial,
			Logger:        cfg.Logger,
			BaseDelay:     cfg.Realtime.BaseDelay,
			MaxDelay:      cfg.Realtime.MaxDelay,
			MaxAttempts:   cfg.Realtime.MaxAttempts,
			Jitter:        cfg.Realtime.Jitter,
			Sleep:         cfg.Realtime.Sleep,
			OnRecord:      c.onPushRecord,
			OnStatus:      c.onSubscriptionStatus,
			OnReconnected: c.onReconnected,
			OnGiveUp:      c.onGiveUp,
		})
	}

	return c
}

// Domain returns the domain this coordinator serves.
func (c *Coordinator) Domain() models.Domain {
	return c.domain
}

// UserID returns the user this coordinator serves.
func (c *Coordinator) UserID() string {
	return c.cfg.UserID
}

// Updates delivers views as they change. Only the latest undelivered
// view is kept. The channel is closed by Close.
func (c *Coordinator) Updates() <-chan models.View {
	return c.updates
}

// View returns the current view.
func (c *Coordinator) View() models.View {
	records := c.manager.View()
	pending := c.manager.Pending()
	online := c.online()

	c.mu.Lock()
	defer c.mu.Unlock()

	return models.View{
		Domain:  c.domain,
		UserID:  c.cfg.UserID,
		Records: records,
		Phase:   c.phase,
		Stale:   c.stale,
		// A queue that is still waiting for replay keeps the domain
		// degraded even if the last fetch succeeded.
		Degraded: c.degraded,
		Connectivity: models.ConnectivityState{
			Online:       online,
			Subscription: c.subscription,
		},
		Pending: pending,
		Err:     c.errMsg,
	}
}

func (c *Coordinator) online() bool {
	if c.cfg.Connectivity == nil {
		return true
	}

	return c.cfg.Connectivity.Online()
}

// publish pushes the current view to Updates, replacing any view the
// consumer has not read yet.
func (c *Coordinator) publish() {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	if c.updatesClosed {
		return
	}

	v := c.View()

	select {
	case <-c.updates:
	default:
	}

	select {
	case c.updates <- v:
	default:
	}
}

// alive reports whether the coordinator is still mounted in the epoch a
// call started in.
func (c *Coordinator) alive(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.closed && c.epoch == epoch
}

func (c *Coordinator) currentEpoch() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.epoch, !c.closed
}

// Start mounts the domain: it publishes the saved snapshot and any queued
// writes as a provisional view, subscribes to connectivity and push
// events, then resynchronizes with the remote store. A failed fetch does
// not fail Start; the view is marked stale instead.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return syncerrors.ErrClosed
	}

	if c.started {
		c.mu.Unlock()
		return nil
	}

	c.started = true
	c.phase = models.PhaseLoading
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Unlock()

	c.logger.Debug("mounting domain")

	if records := c.cfg.Snapshots.Load(c.domain, c.cfg.UserID); records != nil {
		c.manager.ReplaceSnapshot(records)
		c.logger.Debug("published saved snapshot", slog.Int("records", len(records)))
	}

	c.restoreQueued()
	c.publish()

	if c.cfg.Connectivity != nil {
		unsubscribe := c.cfg.Connectivity.Subscribe(c.onConnectivity)

		c.mu.Lock()
		c.unsubscribeConn = unsubscribe
		c.mu.Unlock()
	}

	if !c.online() {
		c.mu.Lock()
		c.phase = models.PhaseReady
		c.stale = true
		c.errMsg = msgOfflineStale
		c.mu.Unlock()
		c.publish()

		return nil
	}

	c.startChannel()

	if err := c.Resync(ctx); errors.Is(err, syncerrors.ErrClosed) {
		return err
	}

	return nil
}

// restoreQueued re-applies writes left in the durable queue by an earlier
// run, so the provisional view already shows them.
func (c *Coordinator) restoreQueued() {
	queued, err := c.cfg.Queue.PeekAll(c.domain, c.cfg.UserID)
	if err != nil {
		c.logger.Warn("reading queued mutations", slog.String("error", err.Error()))
		return
	}

	if len(queued) == 0 {
		return
	}

	for _, m := range queued {
		for _, r := range optimisticRecords(m) {
			c.manager.ApplyOptimistic(r)
		}
	}

	c.mu.Lock()
	c.degraded = true
	c.mu.Unlock()

	c.logger.Info("restored queued mutations", slog.Int("count", len(queued)))
}

// optimisticRecords returns the records a queued entry shows. A merged
// entry shows one per write it covers.
func optimisticRecords(m models.PendingMutation) []models.Record {
	base := optimisticRecord(m)

	ids := coveredTempIDs(m)
	if len(ids) == 0 {
		return []models.Record{base}
	}

	out := make([]models.Record, len(ids))
	for i, id := range ids {
		out[i] = base
		out[i].ID = id
	}

	return out
}

func optimisticRecord(m models.PendingMutation) models.Record {
	id := m.TempID
	if id == "" {
		id = m.RecordID
	}

	if id == "" {
		id = tempIDPrefix + m.OperationID
	}

	return models.Record{
		ID:          id,
		Payload:     m.Payload,
		State:       models.StatePending,
		OperationID: m.OperationID,
		CreatedAt:   m.EnqueuedAt,
	}
}

// Mutate applies op. Writes are applied optimistically straight away.
// Online writes are sent immediately; writes made offline, writes that
// fail with a retryable error, and writes issued while older ones are
// still queued go to the queue. Validation and auth failures are
// rejected, never queued, and their optimistic record is rolled back.
//
// A rejected outcome is not an error; err is non-nil only when the
// coordinator is closed.
func (c *Coordinator) Mutate(ctx context.Context, op models.Operation) (models.Outcome, error) {
	epoch, ok := c.currentEpoch()
	if !ok {
		return models.Outcome{}, syncerrors.ErrClosed
	}

	if err := c.validate(op); err != nil {
		c.logger.Debug("mutation rejected", slog.String("error", err.Error()))
		return models.Outcome{Kind: models.OutcomeRejected, Reason: err}, nil
	}

	opID := c.cfg.NewID()
	now := c.cfg.Now()

	tempID := op.RecordID
	if tempID == "" {
		tempID = tempIDPrefix + opID
	}

	m := models.PendingMutation{
		Domain:        c.domain,
		UserID:        c.cfg.UserID,
		OperationID:   opID,
		OperationType: op.Type,
		RecordID:      op.RecordID,
		TempID:        tempID,
		Payload:       op.Payload,
		EnqueuedAt:    now,
	}

	rec := optimisticRecord(m)
	c.manager.ApplyOptimistic(rec)

	// An unreadable queue may still hold older writes; queue behind them.
	if n, err := c.cfg.Queue.Len(c.domain, c.cfg.UserID); !c.online() || err != nil || n > 0 {
		return c.enqueue(m, rec)
	}

	c.publish()

	server, err := c.cfg.Gateway.Write(ctx, c.cfg.UserID, m)
	if !c.alive(epoch) {
		return models.Outcome{}, syncerrors.ErrClosed
	}

	switch {
	case err == nil:
		c.manager.Confirm(tempID, server)
		c.publish()

		return models.Outcome{Kind: models.OutcomeConfirmed, Record: server}, nil

	case syncerrors.Retryable(err):
		c.logger.Info("write failed, queueing",
			slog.String("operation_id", opID),
			slog.String("error", err.Error()),
		)

		// The write may have landed with only the response lost.
		m.Attempted = true

		return c.enqueue(m, rec)

	default:
		c.manager.Rollback(tempID)
		c.publish()

		if syncerrors.KindOf(err) == syncerrors.KindAuth {
			c.cfg.Notifier.Notify(c.domain, notify.MsgSignIn)
		}

		c.logger.Info("write rejected",
			slog.String("operation_id", opID),
			slog.String("error", err.Error()),
		)

		return models.Outcome{Kind: models.OutcomeRejected, Reason: err}, nil
	}
}

func (c *Coordinator) validate(op models.Operation) error {
	if op.Type == "" {
		return syncerrors.Wrap(syncerrors.KindValidation, syncerrors.ErrInvalidOperation, "operation type is required")
	}

	if c.cfg.Descriptor.Validate == nil {
		return nil
	}

	if err := c.cfg.Descriptor.Validate(op); err != nil {
		if syncerrors.KindOf(err) == syncerrors.KindUnknown {
			return syncerrors.Wrap(syncerrors.KindValidation, err, "invalid operation")
		}

		return err
	}

	return nil
}

func (c *Coordinator) enqueue(m models.PendingMutation, rec models.Record) (models.Outcome, error) {
	c.queueMu.Lock()
	err := c.cfg.Queue.Enqueue(c.domain, c.cfg.UserID, m)
	c.queueMu.Unlock()

	if err != nil {
		// Unreachable with a guarded medium, which fails over to memory.
		c.logger.Error("queueing mutation", slog.String("error", err.Error()))
	}

	c.mu.Lock()
	wasDegraded := c.degraded
	c.degraded = true
	c.mu.Unlock()

	if !wasDegraded {
		c.cfg.Notifier.Notify(c.domain, notify.MsgOffline)
	}

	c.publish()

	return models.Outcome{Kind: models.OutcomeQueued, Record: rec}, nil
}

// ForceRefresh fetches the collection now, ignoring the snapshot. It
// joins a fetch that is already in flight.
func (c *Coordinator) ForceRefresh(ctx context.Context) error {
	epoch, ok := c.currentEpoch()
	if !ok {
		return syncerrors.ErrClosed
	}

	return c.fetch(ctx, epoch)
}

// fetch runs one collection fetch, or joins the one already in flight.
func (c *Coordinator) fetch(ctx context.Context, epoch uint64) error {
	_, err, _ := c.flight.Do(fetchKey, func() (any, error) {
		c.opMu.Lock()
		defer c.opMu.Unlock()

		return nil, c.fetchLocked(ctx, epoch)
	})

	return err
}

// Resync replays the queue in order and then fetches the collection.
// The domain stops being degraded once the queue is known to be empty.
func (c *Coordinator) Resync(ctx context.Context) error {
	epoch, ok := c.currentEpoch()
	if !ok {
		return syncerrors.ErrClosed
	}

	drainErr := c.drain(ctx, epoch)
	if errors.Is(drainErr, syncerrors.ErrClosed) {
		return drainErr
	}

	fetchErr := c.fetch(ctx, epoch)
	if errors.Is(fetchErr, syncerrors.ErrClosed) {
		return fetchErr
	}

	if n, err := c.cfg.Queue.Len(c.domain, c.cfg.UserID); err == nil && n == 0 {
		c.mu.Lock()
		c.degraded = false
		c.mu.Unlock()
		c.publish()
	}

	return errors.Join(drainErr, fetchErr)
}

// drain replays the queue. Writes issued during a pass queue behind it
// and are picked up by the next one. An empty queue skips opMu, so a
// caller with nothing to replay goes straight on to join a fetch in
// flight.
func (c *Coordinator) drain(ctx context.Context, epoch uint64) error {
	if n, err := c.cfg.Queue.Len(c.domain, c.cfg.UserID); err == nil && n == 0 {
		return nil
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	for range maxDrainPasses {
		if err := c.drainLocked(ctx, epoch); err != nil {
			return err
		}

		n, err := c.cfg.Queue.Len(c.domain, c.cfg.UserID)
		if err != nil {
			return err
		}

		if n == 0 {
			return nil
		}
	}

	return nil
}

// fetchLocked replaces the snapshot with the remote collection. Callers
// hold opMu.
func (c *Coordinator) fetchLocked(ctx context.Context, epoch uint64) error {
	records, err := c.cfg.Gateway.FetchCollection(ctx, c.domain, c.cfg.UserID)
	if !c.alive(epoch) {
		return syncerrors.ErrClosed
	}

	if err != nil {
		c.mu.Lock()
		c.phase = models.PhaseReady
		c.stale = true
		c.errMsg = syncerrors.Message(err)
		c.mu.Unlock()

		if syncerrors.KindOf(err) == syncerrors.KindAuth {
			c.cfg.Notifier.Notify(c.domain, notify.MsgSignIn)
		}

		c.logger.Warn("fetch failed, showing saved data", slog.String("error", err.Error()))
		c.publish()

		return fmt.Errorf("fetching %s: %w", c.domain, err)
	}

	c.manager.ReplaceSnapshot(records)
	c.cfg.Snapshots.Save(c.domain, c.cfg.UserID, records)
	c.dropLanded(records)

	c.mu.Lock()
	c.phase = models.PhaseReady
	c.stale = false
	c.errMsg = ""
	c.mu.Unlock()

	c.logger.Debug("fetched collection", slog.Int("records", len(records)))
	c.publish()

	return nil
}

// dropLanded removes queued mutations whose operation id the server
// already reports as applied.
func (c *Coordinator) dropLanded(records []models.Record) {
	landed := make(map[string]bool)
	for _, r := range records {
		if r.OperationID != "" {
			landed[r.OperationID] = true
		}
	}

	if len(landed) == 0 {
		return
	}

	queued, err := c.cfg.Queue.PeekAll(c.domain, c.cfg.UserID)
	if err != nil {
		return
	}

	var rolledBack []string

	for _, m := range queued {
		if !landed[m.OperationID] {
			continue
		}

		// A merged entry is queued under its own id, so this drops every
		// write it covers.
		if err := c.cfg.Queue.Drop(c.domain, c.cfg.UserID, m.OperationID); err != nil {
			c.logger.Warn("dropping landed mutation", slog.String("error", err.Error()))
			continue
		}

		// The server echoes the merged id, which no optimistic record
		// carries.
		for _, id := range coveredTempIDs(m) {
			c.manager.Rollback(id)
			rolledBack = append(rolledBack, id)
		}
	}

	c.reapplyQueued(rolledBack, "")
}

func coveredTempIDs(m models.PendingMutation) []string {
	if len(m.CoveredTempIDs) > 0 {
		return m.CoveredTempIDs
	}

	if m.TempID != "" {
		return []string{m.TempID}
	}

	return nil
}

// reapplyQueued shows the newest still-queued write for each optimistic
// record in ids. Updates to one entity share a record, so settling one
// of them must not hide the ones still waiting. settled is the entry
// just settled, which may linger if dropping it failed.
func (c *Coordinator) reapplyQueued(ids []string, settled string) {
	if len(ids) == 0 {
		return
	}

	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	queued, err := c.cfg.Queue.PeekAll(c.domain, c.cfg.UserID)
	if err != nil {
		c.logger.Warn("reading queued mutations", slog.String("error", err.Error()))
		return
	}

	latest := make(map[string]models.Record)
	var order []string

	for _, m := range queued {
		if m.OperationID == settled {
			continue
		}

		for _, r := range optimisticRecords(m) {
			if !want[r.ID] {
				continue
			}

			if _, seen := latest[r.ID]; !seen {
				order = append(order, r.ID)
			}

			latest[r.ID] = r
		}
	}

	for _, id := range order {
		c.manager.ApplyOptimistic(latest[id])
	}
}

// drainLocked replays the queue strictly in order. A retryable failure
// retries the same step until DrainMaxFailures consecutive failures, then
// halts with the rest still queued. Validation failures are dropped and
// marked failed. Any other failure halts; only an auth failure asks the
// user to sign in again. Callers hold opMu.
func (c *Coordinator) drainLocked(ctx context.Context, epoch uint64) error {
	queued, err := c.cfg.Queue.PeekAll(c.domain, c.cfg.UserID)
	if err != nil {
		return fmt.Errorf("reading queue: %w", err)
	}

	if len(queued) == 0 {
		return nil
	}

	steps, err := offline.PlanReplay(queued, c.cfg.Descriptor.Coalescers)
	if err != nil {
		c.logger.Warn("coalescing queue, replaying entries one by one", slog.String("error", err.Error()))

		steps, _ = offline.PlanReplay(queued, nil)
	}

	c.logger.Info("replaying queued mutations",
		slog.Int("queued", len(queued)),
		slog.Int("steps", len(steps)),
	)

	synced := 0
	failures := 0
	replayed := make(map[string]bool, len(queued))

	defer func() {
		if synced > 0 {
			c.cfg.Notifier.Notify(c.domain, syncedMessage(synced))
		}
	}()

	for i := 0; i < len(steps); {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Persist the exact call before sending it, so a lost response
		// is retried under the same id and with the same payload.
		step, err := c.cfg.Queue.Seal(c.domain, c.cfg.UserID, steps[i])
		if err != nil {
			return fmt.Errorf("replaying %s: %w", steps[i].Mutation.OperationID, err)
		}

		steps[i] = step

		server, err := c.cfg.Gateway.Write(ctx, c.cfg.UserID, step.Mutation)
		if !c.alive(epoch) {
			return syncerrors.ErrClosed
		}

		switch {
		case err == nil:
			c.dropStep(step)
			c.confirmStep(step, server)
			synced += step.Covered()
			failures = 0
			replayed[step.Mutation.OperationID] = true
			i++

		case syncerrors.Retryable(err):
			failures++
			c.logger.Warn("replay failed",
				slog.String("operation_id", step.Mutation.OperationID),
				slog.Int("consecutive_failures", failures),
				slog.String("error", err.Error()),
			)

			if failures >= c.cfg.DrainMaxFailures {
				return fmt.Errorf("replaying %s: %w", step.Mutation.OperationID, err)
			}

		case syncerrors.KindOf(err) == syncerrors.KindValidation:
			c.dropStep(step)

			for _, id := range step.TempIDs {
				c.manager.MarkFailed(id)
			}

			c.reapplyQueued(step.TempIDs, step.Mutation.OperationID)
			c.cfg.Notifier.Notify(c.domain, "a change could not be synced: "+syncerrors.Message(err))
			c.publish()

			failures = 0
			replayed[step.Mutation.OperationID] = true
			i++

		case syncerrors.KindOf(err) == syncerrors.KindAuth:
			c.cfg.Notifier.Notify(c.domain, notify.MsgSignIn)

			return fmt.Errorf("replaying %s: %w", step.Mutation.OperationID, err)

		default:
			c.logger.Warn("replay halted",
				slog.String("operation_id", step.Mutation.OperationID),
				slog.String("error", err.Error()),
			)

			return fmt.Errorf("replaying %s: %w", step.Mutation.OperationID, err)
		}
	}

	c.sweep(replayed)

	return nil
}

// sweep clears the queue when everything left in it was replayed in this
// pass, which happens only when dropping a step failed. Entries queued
// since the pass started keep the queue intact.
func (c *Coordinator) sweep(replayed map[string]bool) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	left, err := c.cfg.Queue.PeekAll(c.domain, c.cfg.UserID)
	if err != nil || len(left) == 0 {
		return
	}

	for _, m := range left {
		if !replayed[m.OperationID] {
			return
		}
	}

	if err := c.cfg.Queue.Drain(c.domain, c.cfg.UserID); err != nil {
		c.logger.Warn("clearing replayed mutations", slog.String("error", err.Error()))
		return
	}

	c.logger.Debug("cleared replayed mutations", slog.Int("count", len(left)))
}

func syncedMessage(n int) string {
	if n == 1 {
		return "1 change synced"
	}

	return fmt.Sprintf("%d changes synced", n)
}

func (c *Coordinator) dropStep(step offline.Step) {
	for _, id := range step.OperationIDs {
		if err := c.cfg.Queue.Drop(c.domain, c.cfg.UserID, id); err != nil {
			c.logger.Warn("dropping replayed mutation",
				slog.String("operation_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// confirmStep swaps the step's optimistic records for the server record.
// A coalesced step produced one server record for several optimistic
// ones, so only the first is confirmed and the rest are removed. Writes
// still queued for the same records are shown again afterwards.
func (c *Coordinator) confirmStep(step offline.Step, server models.Record) {
	if len(step.TempIDs) == 0 {
		c.manager.ReconcileIncoming(server)
		c.publish()

		return
	}

	c.manager.Confirm(step.TempIDs[0], server)

	for _, id := range step.TempIDs[1:] {
		if id != server.ID {
			c.manager.Rollback(id)
		}
	}

	c.reapplyQueued(step.TempIDs, step.Mutation.OperationID)
	c.publish()
}

// Close unmounts the domain. The push subscription and any backoff wait
// stop, in-flight calls finish but their results are discarded, and
// Updates is closed. Close is idempotent.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	c.closed = true
	c.epoch++
	cancel := c.cancel
	unsubscribe := c.unsubscribeConn
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	if cancel != nil {
		cancel()
	}

	if c.channel != nil {
		c.channel.Stop()
	}

	c.wg.Wait()

	c.pubMu.Lock()
	c.updatesClosed = true
	close(c.updates)
	c.pubMu.Unlock()

	c.logger.Debug("domain unmounted")
}

// goResync runs Resync in the background unless the coordinator is
// closing.
func (c *Coordinator) goResync() {
	c.mu.Lock()
	if c.closed || c.ctx == nil {
		c.mu.Unlock()
		return
	}

	ctx := c.ctx
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()

		if err := c.Resync(ctx); err != nil && !errors.Is(err, syncerrors.ErrClosed) {
			c.logger.Debug("resync incomplete", slog.String("error", err.Error()))
		}
	}()
}

func (c *Coordinator) startChannel() {
	if c.channel == nil {
		return
	}

	c.mu.Lock()
	ctx, closed := c.ctx, c.closed
	c.mu.Unlock()

	if closed || ctx == nil {
		return
	}

	c.channel.Start(ctx)
}

func (c *Coordinator) onConnectivity(online bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	needsSync := c.degraded || c.stale
	c.mu.Unlock()

	c.publish()

	if !online {
		c.logger.Info("went offline")
		return
	}

	c.logger.Info("back online", slog.Bool("resync", needsSync))
	c.startChannel()

	if needsSync {
		c.goResync()
	}
}

func (c *Coordinator) onPushRecord(r models.Record) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}

	// A bare change notification names the record but carries no
	// payload; read the record itself.
	if len(r.Payload) == 0 {
		c.goFetchOne(r.ID)
		return
	}

	c.manager.ReconcileIncoming(r)
	c.publish()
}

// FetchRecord reads one record from the remote store and merges it into
// the view as if it had been pushed.
func (c *Coordinator) FetchRecord(ctx context.Context, id string) (models.Record, error) {
	epoch, ok := c.currentEpoch()
	if !ok {
		return models.Record{}, syncerrors.ErrClosed
	}

	r, err := c.cfg.Gateway.FetchOne(ctx, c.domain, c.cfg.UserID, id)
	if !c.alive(epoch) {
		return models.Record{}, syncerrors.ErrClosed
	}

	if err != nil {
		return models.Record{}, fmt.Errorf("fetching %s/%s: %w", c.domain, id, err)
	}

	c.manager.ReconcileIncoming(r)
	c.publish()

	return r, nil
}

func (c *Coordinator) goFetchOne(id string) {
	c.mu.Lock()
	if c.closed || c.ctx == nil {
		c.mu.Unlock()
		return
	}

	ctx := c.ctx
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()

		if _, err := c.FetchRecord(ctx, id); err != nil && !errors.Is(err, syncerrors.ErrClosed) {
			c.logger.Debug("fetching changed record",
				slog.String("id", id),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (c *Coordinator) onSubscriptionStatus(s models.SubscriptionStatus) {
	c.mu.Lock()
	c.subscription = s
	c.mu.Unlock()

	if s == models.SubscriptionReconnecting {
		c.cfg.Notifier.Notify(c.domain, notify.MsgReconnecting)
	}

	c.publish()
}

// onReconnected resynchronizes after the subscription recovers: changes
// pushed while it was down were never delivered.
func (c *Coordinator) onReconnected() {
	c.cfg.Notifier.Notify(c.domain, notify.MsgBackOnline)
	c.goResync()
}

func (c *Coordinator) onGiveUp(err error) {
	c.logger.Warn("push subscription stopped", slog.String("error", err.Error()))

	c.mu.Lock()
	c.subscription = models.SubscriptionDisconnected
	c.mu.Unlock()

	c.publish()
}
