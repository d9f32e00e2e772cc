// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package offline implements C10 (Offline Replica): a local single-user
// mirror with a durable ordered outbox of mutations, reconciled against
// the central store on reconnect. The append-only, line-oriented
// persistence for the outbox is grounded on the teacher's
// pkg/ingestion.AppendIndexLog (one JSON object per line, opened
// append-only, flushed per write) rather than inventing a binary
// format; go-offline/go-online are mode-flag flips only, per spec §4.10.
package offline

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	ldmerrors "github.com/neilvibe/ldm/internal/errors"
	"github.com/neilvibe/ldm/internal/model"
)

// MutationKind names the central operation an outbox entry will replay.
type MutationKind string

const (
	MutationUpdateRow    MutationKind = "update_row"
	MutationTMEntryAdd   MutationKind = "tm_entry_upsert"
	MutationTMEntryDelete MutationKind = "tm_entry_delete"
)

// Mutation is one durable, ordered outbox entry (spec §4.10).
type Mutation struct {
	ID              string       `json:"id"`
	Kind            MutationKind `json:"kind"`
	RowID           string       `json:"row_id,omitempty"`
	TMID            string       `json:"tm_id,omitempty"`
	EntryID         string       `json:"entry_id,omitempty"`
	Target          string       `json:"target,omitempty"`
	Source          string       `json:"source,omitempty"`
	ExpectedVersion int          `json:"expected_version,omitempty"`
	Actor           string       `json:"actor"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Outbox is a durable, strictly ordered append-only queue of pending
// local mutations awaiting reconciliation with the central store.
type Outbox struct {
	mu   sync.Mutex
	path string
	items []Mutation
}

// OpenOutbox loads an existing outbox file (if any) and returns an
// Outbox ready to Append to. The file is newline-delimited JSON, one
// Mutation per line, mirroring AppendIndexLog's append-only discipline.
func OpenOutbox(path string) (*Outbox, error) {
	ob := &Outbox{path: path}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return ob, nil
	}
	if err != nil {
		return nil, ldmerrors.Wrap(ldmerrors.KindInternal, err, "open outbox %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Mutation
		if err := json.Unmarshal(line, &m); err != nil {
			continue // skip a corrupt trailing line rather than failing the whole load
		}
		ob.items = append(ob.items, m)
	}
	return ob, scanner.Err()
}

// Append durably records a new mutation at the end of the outbox.
func (ob *Outbox) Append(m Mutation) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if err := os.MkdirAll(filepath.Dir(ob.path), 0750); err != nil {
		return ldmerrors.Wrap(ldmerrors.KindInternal, err, "create outbox dir")
	}
	f, err := os.OpenFile(ob.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return ldmerrors.Wrap(ldmerrors.KindInternal, err, "open outbox for append")
	}
	defer f.Close()

	line, err := json.Marshal(m)
	if err != nil {
		return ldmerrors.Wrap(ldmerrors.KindInternal, err, "marshal mutation")
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return ldmerrors.Wrap(ldmerrors.KindInternal, err, "append mutation")
	}
	ob.items = append(ob.items, m)
	return nil
}

// List returns the outbox's mutations in submission order.
func (ob *Outbox) List() []Mutation {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	out := make([]Mutation, len(ob.items))
	copy(out, ob.items)
	return out
}

// Len reports how many mutations are currently pending.
func (ob *Outbox) Len() int {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return len(ob.items)
}

// Truncate clears the outbox after a fully successful reconcile (spec
// §4.10 step 4: "on success, the outbox is truncated").
func (ob *Outbox) Truncate() error {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.items = nil
	if err := os.Remove(ob.path); err != nil && !os.IsNotExist(err) {
		return ldmerrors.Wrap(ldmerrors.KindInternal, err, "truncate outbox")
	}
	return nil
}

// removeApplied drops the mutations with the given ids (those that
// reconciled successfully), keeping parked ones for the next attempt.
func (ob *Outbox) removeApplied(applied map[string]bool) error {
	ob.mu.Lock()
	kept := ob.items[:0:0]
	for _, m := range ob.items {
		if !applied[m.ID] {
			kept = append(kept, m)
		}
	}
	ob.items = kept
	ob.mu.Unlock()
	return ob.rewrite()
}

func (ob *Outbox) rewrite() error {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if len(ob.items) == 0 {
		if err := os.Remove(ob.path); err != nil && !os.IsNotExist(err) {
			return ldmerrors.Wrap(ldmerrors.KindInternal, err, "rewrite outbox")
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(ob.path), 0750); err != nil {
		return ldmerrors.Wrap(ldmerrors.KindInternal, err, "create outbox dir")
	}
	f, err := os.OpenFile(ob.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		return ldmerrors.Wrap(ldmerrors.KindInternal, err, "rewrite outbox")
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, m := range ob.items {
		if err := enc.Encode(m); err != nil {
			return ldmerrors.Wrap(ldmerrors.KindInternal, err, "rewrite outbox")
		}
	}
	return nil
}

// ParkedMutation is an outbox entry that hit a Conflict during
// reconciliation and needs explicit user resolution (spec §4.10 step 2).
type ParkedMutation struct {
	Mutation Mutation
	Err      error
}

// ReconcileResult summarizes one reconcile pass.
type ReconcileResult struct {
	Applied int
	Parked  []ParkedMutation
}

// Apply replays one Mutation against the central store under the
// caller's identity. Implementations are expected to return an
// *errors.LDMError with KindConflict when the stored version has moved.
type Apply func(ctx context.Context, m Mutation) error

// Reconcile replays the outbox in order against Apply. A mutation that
// fails with Conflict is parked (left in the outbox, surfaced to the
// caller) and reconciliation continues with the rest — one stale row
// must not block independent mutations on other rows (spec §4.10).
func (r *Replica) Reconcile(ctx context.Context, apply Apply) (ReconcileResult, error) {
	mutations := r.outbox.List()
	result := ReconcileResult{}
	applied := map[string]bool{}

	for _, m := range mutations {
		if err := ctx.Err(); err != nil {
			break
		}
		err := apply(ctx, m)
		switch {
		case err == nil:
			applied[m.ID] = true
			result.Applied++
		case ldmerrors.Is(err, ldmerrors.KindConflict):
			result.Parked = append(result.Parked, ParkedMutation{Mutation: m, Err: err})
		default:
			result.Parked = append(result.Parked, ParkedMutation{Mutation: m, Err: err})
		}
	}

	if err := r.outbox.removeApplied(applied); err != nil {
		return result, err
	}
	if len(result.Parked) == 0 {
		r.setSyncStatus(model.SyncStatusSynced)
	} else {
		r.setSyncStatus(model.SyncStatusPending)
	}
	return result, nil
}

// Replica is the local single-user mirror: a set of subscriptions plus
// the durable outbox of writes made while offline or pending reconcile.
type Replica struct {
	mu            sync.Mutex
	online        bool
	outbox        *Outbox
	subscriptions map[string]model.OfflineSubscription // key: entityType/entityID
	status        model.SyncStatus
	watcher       *Watcher
}

// NewReplica opens (or creates) the outbox file at outboxPath.
func NewReplica(outboxPath string) (*Replica, error) {
	ob, err := OpenOutbox(outboxPath)
	if err != nil {
		return nil, err
	}
	status := model.SyncStatusSynced
	if ob.Len() > 0 {
		status = model.SyncStatusPending
	}
	return &Replica{
		online:        true,
		outbox:        ob,
		subscriptions: map[string]model.OfflineSubscription{},
		status:        status,
	}, nil
}

func subKey(entityType model.SubscriptionEntity, entityID string) string {
	return string(entityType) + "/" + entityID
}

// Subscribe opts a user into mirroring an entity locally (spec §6
// `subscribe`).
func (r *Replica) Subscribe(entityType model.SubscriptionEntity, entityID, user string) model.OfflineSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := model.OfflineSubscription{EntityType: entityType, EntityID: entityID, User: user, SyncStatus: model.SyncStatusSynced, LastSyncAt: time.Now()}
	r.subscriptions[subKey(entityType, entityID)] = sub
	return sub
}

// Unsubscribe drops a mirrored entity (spec §6 `unsubscribe`).
func (r *Replica) Unsubscribe(entityType model.SubscriptionEntity, entityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscriptions, subKey(entityType, entityID))
}

// ListSubscriptions returns every active subscription (spec §6
// `list_subscriptions`).
func (r *Replica) ListSubscriptions() []model.OfflineSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.OfflineSubscription, 0, len(r.subscriptions))
	for _, s := range r.subscriptions {
		out = append(out, s)
	}
	return out
}

// RecordLocalMutation appends a write made while offline (or pending
// reconcile) to the durable outbox (spec §4.10: "writes are applied
// locally and appended to a durable outbox of mutations").
func (r *Replica) RecordLocalMutation(m Mutation) error {
	if err := r.outbox.Append(m); err != nil {
		return err
	}
	r.setSyncStatus(model.SyncStatusPending)
	return nil
}

// PendingOutbox exposes the outbox's current contents (spec §6
// `pull_status`-adjacent introspection, and for reconcile callers).
func (r *Replica) PendingOutbox() []Mutation { return r.outbox.List() }

func (r *Replica) setSyncStatus(s model.SyncStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
}

// Status reports the replica's overall sync status (spec §6 `pull_status`).
func (r *Replica) Status() model.SyncStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// GoOffline flips the mode flag only: the local replica is already
// consistent, so there is no data movement, only detaching from the
// Collaboration Bus subscription (spec §4.10 "go-offline transition").
// Callers own the actual bus.Subscription.Close() call; this just
// records the mode for Online()/pull_status reporting.
func (r *Replica) GoOffline() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online = false
}

// GoOnline flips the mode flag back; callers are responsible for
// triggering Reconcile afterward.
func (r *Replica) GoOnline() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online = true
}

// Online reports the replica's current connectivity mode.
func (r *Replica) Online() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online
}

// WatchLocalDir starts an fsnotify watch over the replica's local data
// directory, invoking onExternalChange (debounced) whenever something
// under it changes outside of RecordLocalMutation — e.g. a synced
// folder tool touching the embedded store's files while this process
// is offline. Callers typically use onExternalChange to flag the
// replica's status for a closer look before the next Reconcile.
func (r *Replica) WatchLocalDir(dataDir string, onExternalChange func()) error {
	w, err := WatchDataDir(dataDir, onExternalChange, nil)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.watcher = w
	r.mu.Unlock()
	return nil
}

// StopWatching tears down the local-dir watcher, if one was started.
func (r *Replica) StopWatching() {
	r.mu.Lock()
	w := r.watcher
	r.watcher = nil
	r.mu.Unlock()
	if w != nil {
		_ = w.Close()
	}
}
