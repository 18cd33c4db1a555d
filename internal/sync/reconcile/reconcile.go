// Package reconcile decides how a local record and its server copy are
// brought back into agreement. Reconcile is a pure decision function: it
// performs no I/O and may be re-invoked with the same inputs after a
// failed push or pull.
package reconcile

import (
	"fmt"
	"sort"
	"time"

	apperrors "github.com/kimhsiao/skinguard/backend/internal/errors"
	"github.com/kimhsiao/skinguard/backend/internal/logging"
	"github.com/kimhsiao/skinguard/backend/internal/models"
	"github.com/kimhsiao/skinguard/backend/internal/uuid"
)

// Precedence picks the winner of fields both sides changed to different
// values.
type Precedence string

const (
	PrecedenceLocalWins  Precedence = "local_wins"
	PrecedenceServerWins Precedence = "server_wins"
	// PrecedenceNewestWins compares LocalModified with the server
	// timestamp; ties go to local.
	PrecedenceNewestWins Precedence = "newest_wins"
)

// ParsePrecedence validates a configured precedence.
func ParsePrecedence(s string) (Precedence, error) {
	switch p := Precedence(s); p {
	case PrecedenceLocalWins, PrecedenceServerWins, PrecedenceNewestWins:
		return p, nil
	case "":
		return PrecedenceLocalWins, nil
	}
	return "", apperrors.Newf(apperrors.ErrConfiguration, "unknown precedence %q", s)
}

// State classifies a record pair.
type State string

const (
	StateLocalOnly   State = "local_only"
	StateInSync      State = "in_sync"
	StateLocalAhead  State = "local_ahead"
	StateRemoteAhead State = "remote_ahead"
	StateDiverged    State = "diverged"
)

// Action is what the caller should do with Outcome.Record.
type Action string

const (
	ActionPush        Action = "push"         // send the record to the server
	ActionNoop        Action = "noop"         // store sync metadata only
	ActionAdoptRemote Action = "adopt_remote" // store the server copy locally
	ActionMerge       Action = "merge"        // store the blend and push it
)

// NeedsPush reports whether the server must receive the record.
func (a Action) NeedsPush() bool {
	return a == ActionPush || a == ActionMerge
}

// Outcome is the result of a reconciliation.
type Outcome struct {
	State             State               `json:"state"`
	Action            Action              `json:"action"`
	Record            *models.Record      `json:"record"`
	Flag              models.ConflictFlag `json:"flag"`
	MergedFields      []string            `json:"merged_fields,omitempty"`
	ConflictingFields []string            `json:"conflicting_fields,omitempty"`
	Audit             *models.ConflictLog `json:"audit,omitempty"` // set whenever both sides changed
}

// Clock supplies the audit timestamp.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Errors
var (
	ErrNilLocal       = apperrors.New(apperrors.ErrInvalid, "local record is required")
	ErrRecordMismatch = apperrors.New(apperrors.ErrRecordMismatch, "local and remote records differ in identity")
)

// Reconciler applies the transition rules with a fixed precedence.
type Reconciler struct {
	precedence Precedence
	clock      Clock
}

// NewReconciler creates a Reconciler. A nil clock uses the system clock.
func NewReconciler(precedence Precedence, clock Clock) *Reconciler {
	if precedence == "" {
		precedence = PrecedenceLocalWins
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &Reconciler{precedence: precedence, clock: clock}
}

// Precedence returns the configured precedence.
func (r *Reconciler) Precedence() Precedence {
	return r.precedence
}

// Reconcile compares local against remote (nil when the server has no
// copy). Inputs are not modified. A conflict flag already set on local
// is carried forward until Acknowledge clears it.
func (r *Reconciler) Reconcile(local, remote *models.Record) (*Outcome, error) {
	if local == nil {
		return nil, ErrNilLocal
	}

	if remote == nil {
		return r.finish(local, &Outcome{
			State:  StateLocalOnly,
			Action: ActionPush,
			Record: local.Clone(),
		}), nil
	}

	if local.Entity != remote.Entity || local.ID != remote.ID {
		return nil, apperrors.Wrap(apperrors.ErrRecordMismatch, "cannot reconcile",
			fmt.Errorf("local %s, remote %s", local.Key(), remote.Key()))
	}

	serverTS := serverTimestamp(remote)

	if local.Fields.Equal(remote.Fields) {
		rec := local.Clone()
		rec.Base = remote.Fields.Clone()
		rec.ServerModified = &serverTS
		return r.finish(local, &Outcome{State: StateInSync, Action: ActionNoop, Record: rec}), nil
	}

	base := local.Base
	if base == nil {
		base = models.Fields{}
	}
	localChanged := changedKeys(base, local.Fields)
	remoteChanged := changedKeys(base, remote.Fields)

	switch {
	case len(remoteChanged) == 0:
		return r.finish(local, &Outcome{State: StateLocalAhead, Action: ActionPush, Record: local.Clone()}), nil

	case len(localChanged) == 0:
		rec := local.Clone()
		rec.Fields = remote.Fields.Clone()
		rec.Base = remote.Fields.Clone()
		rec.ServerModified = &serverTS
		return r.finish(local, &Outcome{State: StateRemoteAhead, Action: ActionAdoptRemote, Record: rec}), nil
	}

	return r.finish(local, r.merge(local, remote, base, localChanged, remoteChanged, serverTS)), nil
}

// merge handles the case where both sides changed since base. Fields
// changed on one side only are taken from that side. Fields both sides
// changed to different values are conflicting and go to the winner.
func (r *Reconciler) merge(local, remote *models.Record, base models.Fields, localChanged, remoteChanged map[string]bool, serverTS int64) *Outcome {
	var conflicting []string
	for k := range localChanged {
		if remoteChanged[k] && !models.ValueEqual(local.Fields[k], remote.Fields[k]) {
			conflicting = append(conflicting, k)
		}
	}
	sort.Strings(conflicting)
	isConflicting := make(map[string]bool, len(conflicting))
	for _, k := range conflicting {
		isConflicting[k] = true
	}

	winner := models.ConflictLocal
	if len(conflicting) > 0 && !r.localWins(local, serverTS) {
		winner = models.ConflictServer
	}

	// Start from the server copy; apply local-only changes on top.
	merged := remote.Fields.Clone()
	var fromLocal []string
	for k := range localChanged {
		if isConflicting[k] && winner == models.ConflictServer {
			continue
		}
		if models.ValueEqual(local.Fields[k], remote.Fields[k]) {
			continue
		}
		setField(merged, k, local.Fields[k])
		fromLocal = append(fromLocal, k)
	}
	sort.Strings(fromLocal)

	var fromRemote []string
	for k := range remoteChanged {
		if !isConflicting[k] && !models.ValueEqual(local.Fields[k], remote.Fields[k]) {
			fromRemote = append(fromRemote, k)
		}
	}
	sort.Strings(fromRemote)

	rec := local.Clone()
	rec.Fields = merged
	rec.Base = remote.Fields.Clone()
	rec.ServerModified = &serverTS

	out := &Outcome{
		State:             StateDiverged,
		Action:            ActionMerge,
		Record:            rec,
		Flag:              models.ConflictNone,
		ConflictingFields: conflicting,
	}
	if merged.Equal(remote.Fields) {
		out.Action = ActionAdoptRemote
	}

	resolution := models.ResolutionMerged
	if len(conflicting) > 0 {
		loserContributed := len(fromRemote) > 0
		resolution = models.ResolutionLocalWins
		if winner == models.ConflictServer {
			loserContributed = len(fromLocal) > 0
			resolution = models.ResolutionServerWins
		}
		out.Flag = winner
		if loserContributed {
			out.Flag = models.ConflictMerge
		}
	}
	out.MergedFields = unionSorted(fromLocal, fromRemote)
	out.Audit = r.audit(local, remote, base, conflicting, resolution, out.Flag, serverTS)

	logging.Warn("Concurrent edit detected", map[string]interface{}{
		"record":             local.Key(),
		"local_timestamp":    local.LocalModified,
		"remote_timestamp":   serverTS,
		"conflicting_fields": conflicting,
		"resolution":         resolution,
		"flag":               out.Flag,
	})
	return out
}

func (r *Reconciler) localWins(local *models.Record, serverTS int64) bool {
	switch r.precedence {
	case PrecedenceServerWins:
		return false
	case PrecedenceNewestWins:
		return local.LocalModified >= serverTS
	default:
		return true
	}
}

// audit records both full versions. The ID is derived from the content
// so repeated reconciliation of the same pair yields the same entry.
func (r *Reconciler) audit(local, remote *models.Record, base models.Fields, conflicting []string, resolution models.Resolution, flag models.ConflictFlag, serverTS int64) *models.ConflictLog {
	return &models.ConflictLog{
		ID:                models.UUID(uuid.Derive(string(local.Entity), local.ID, local.Fields.Hash(), remote.Fields.Hash(), base.Hash())),
		Entity:            local.Entity,
		RecordID:          local.ID,
		LocalFields:       local.Fields.Clone(),
		RemoteFields:      remote.Fields.Clone(),
		BaseFields:        base.Clone(),
		ConflictingFields: conflicting,
		Resolution:        resolution,
		Flag:              flag,
		LocalTimestamp:    local.LocalModified,
		RemoteTimestamp:   serverTS,
		DetectedAt:        r.clock.Now().UnixMilli(),
	}
}

// finish applies flag persistence: an unacknowledged flag on the input
// survives outcomes that would otherwise report none.
func (r *Reconciler) finish(local *models.Record, out *Outcome) *Outcome {
	if out.Flag == "" {
		out.Flag = models.ConflictNone
	}
	if !out.Flag.IsSet() && local.ConflictFlag.IsSet() {
		out.Flag = local.ConflictFlag
	}
	out.Record.ConflictFlag = out.Flag
	return out
}

// Acknowledge returns a copy of rec with its conflict flag cleared, after
// the user has reviewed the conflict log.
func (r *Reconciler) Acknowledge(rec *models.Record) *models.Record {
	out := rec.Clone()
	out.ConflictFlag = models.ConflictNone
	return out
}

// MarkPushed returns a copy of rec updated after the server accepted it:
// the pushed fields become the new base.
func MarkPushed(rec *models.Record, serverModified int64) *models.Record {
	out := rec.Clone()
	out.Base = rec.Fields.Clone()
	out.ServerModified = &serverModified
	return out
}

func serverTimestamp(remote *models.Record) int64 {
	if remote.ServerModified != nil {
		return *remote.ServerModified
	}
	return remote.LocalModified
}

// changedKeys returns the keys whose value differs between base and f,
// including keys present on only one side.
func changedKeys(base, f models.Fields) map[string]bool {
	out := make(map[string]bool)
	for k, v := range f {
		if !models.ValueEqual(base[k], v) {
			out[k] = true
		}
	}
	for k := range base {
		if _, ok := f[k]; !ok {
			out[k] = true
		}
	}
	return out
}

func setField(f models.Fields, key string, value []byte) {
	if value == nil {
		delete(f, key)
		return
	}
	f[key] = append([]byte(nil), value...)
}

func unionSorted(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := append(append([]string{}, a...), b...)
	sort.Strings(out)
	return out
}
