package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/registry_importer/config"
	"github.com/mmdatafocus/registry_importer/dedupe"
	"github.com/mmdatafocus/registry_importer/filenumber"
	"github.com/mmdatafocus/registry_importer/identity"
	"github.com/mmdatafocus/registry_importer/ingest"
	"github.com/mmdatafocus/registry_importer/models"
	"github.com/mmdatafocus/registry_importer/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer trace.Tracer = otel.Tracer("registry-importer/workflow")

// returned by a mutation that found nothing to change; the session is not rewritten
var errNoChange = errors.New("no change")

// Orchestrator runs import sessions. Every mutating operation holds the session lock
// for its whole read-modify-write; Preview reads without it.
type Orchestrator struct {
	Sessions        SessionStore
	Locker          SessionLocker
	Resolver        *identity.Resolver
	Writer          RecordWriter
	Normalizer      *filenumber.Normalizer
	Logger          *logrus.Logger
	SessionTTL      time.Duration
	CommitChunkSize int
	Now             func() time.Time
}

func NewOrchestrator(settings config.Settings, sessions SessionStore, locker SessionLocker, resolver *identity.Resolver, writer RecordWriter) *Orchestrator {
	return &Orchestrator{
		Sessions:        sessions,
		Locker:          locker,
		Resolver:        resolver,
		Writer:          writer,
		Normalizer:      filenumber.NewNormalizer(filenumber.Policy{CenturyCutoff: settings.CenturyCutoff}),
		Logger:          config.GetLogger(),
		SessionTTL:      settings.SessionTTL,
		CommitChunkSize: settings.CommitChunkSize,
		Now:             time.Now,
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

func (o *Orchestrator) chunkSize() int {
	if o.CommitChunkSize <= 0 {
		return 50
	}
	return o.CommitChunkSize
}

// requestFields adds the caller's correlation id and operator to an event's fields.
func requestFields(ctx context.Context, fields logrus.Fields) logrus.Fields {
	fields["correlation_id"] = utils.CorrelationIdOrNew(ctx)
	if operator, ok := utils.GetOperatorFromContext(ctx); ok {
		fields["operator"] = operator
	}
	return fields
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", utils.ErrorConcurrencyConflict, fmt.Sprintf(format, args...))
}

func (o *Orchestrator) newSession(rows []map[string]string, mode models.ImportMode) *models.ImportSession {
	now := o.now()
	session := &models.ImportSession{
		ID:            uuid.NewString(),
		Generation:    uuid.NewString(),
		Mode:          mode,
		State:         models.SessionStateUploaded,
		Records:       make([]*models.ImportRecord, 0, len(rows)),
		KeepChoices:   map[string]int{},
		PropIdCache:   identity.SessionCache{},
		CommittedKeys: map[string]int{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for i, row := range rows {
		session.Records = append(session.Records, &models.ImportRecord{
			RecordIndex: i + 1,
			Data:        ingest.Decode(row),
		})
	}
	return session
}

// Upload creates a session from parsed rows and takes it to Validated: every record is
// shape-checked, normalized, grouped and resolved.
func (o *Orchestrator) Upload(ctx context.Context, rows []map[string]string, mode models.ImportMode) (*models.Snapshot, error) {
	if !mode.IsValid() {
		return nil, utils.ErrorInvalidImportMode
	}
	if len(rows) == 0 {
		return nil, utils.ErrorEmptyUpload
	}
	ctx, span := tracer.Start(ctx, "workflow.Upload")
	defer span.End()

	session := o.newSession(rows, mode)
	span.SetAttributes(attribute.String("session_id", session.ID), attribute.Int("records", len(rows)))

	for _, rec := range session.Records {
		o.prepare(rec)
	}
	regroup(session, nil)
	if err := o.resolveRecords(ctx, session, session.Records); err != nil {
		return nil, err
	}
	refreshReadiness(session)
	session.State = models.SessionStateValidated
	session.Revision = 1

	if err := o.Sessions.Put(ctx, session, o.SessionTTL); err != nil {
		config.LogError(o.Logger, "workflow", "Upload", "store session", session.ID, err)
		return nil, err
	}
	snap := session.Snapshot()
	o.Logger.WithFields(requestFields(ctx, logrus.Fields{
		"session_id": session.ID,
		"mode":       mode,
		"records":    snap.TotalCount,
		"ready":      snap.ReadyCount,
		"issues":     len(snap.Issues),
		"groups":     len(snap.DuplicateGroups),
	})).Info("[import.upload]")
	return snap, nil
}

// Validate reports shape errors, QC issues and duplicate groups for rows without
// creating a session. It does not resolve prop ids, so nothing is minted.
func (o *Orchestrator) Validate(ctx context.Context, rows []map[string]string) (*models.Snapshot, error) {
	_, span := tracer.Start(ctx, "workflow.Validate")
	defer span.End()

	session := o.newSession(rows, models.ImportModeTest)
	session.ID = ""
	for _, rec := range session.Records {
		o.prepare(rec)
	}
	regroup(session, nil)
	refreshReadiness(session)
	session.State = models.SessionStateValidated
	return session.Snapshot(), nil
}

// Preview returns the stored session as it is now. It takes no lock.
func (o *Orchestrator) Preview(ctx context.Context, id string) (*models.Snapshot, error) {
	session, err := o.Sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return session.Snapshot(), nil
}

// mutate runs fn under the session lock and writes the result back. A non-zero
// revision must match the stored one. The write fails with utils.ErrorSessionDiscarded
// when the session was discarded while fn ran.
func (o *Orchestrator) mutate(ctx context.Context, id string, revision int64, fn func(*models.ImportSession) error) (*models.ImportSession, error) {
	unlock, err := o.Locker.Lock(ctx, sessionKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := o.Sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if revision != 0 && revision != session.Revision {
		return nil, conflictf("expected revision %d, session is at %d", revision, session.Revision)
	}
	if err := fn(session); err != nil {
		if errors.Is(err, errNoChange) {
			return session, nil
		}
		return nil, err
	}
	session.Revision++
	session.UpdatedAt = o.now()
	if err := o.Sessions.Replace(ctx, session, o.SessionTTL); err != nil {
		return nil, err
	}
	return session, nil
}

// ApplyFix edits record fields and re-runs normalization, grouping and resolution on
// the touched records only. Any unknown record index rejects the whole request.
func (o *Orchestrator) ApplyFix(ctx context.Context, id string, revision int64, fixes []models.FieldFix) (*models.Snapshot, error) {
	ctx, span := tracer.Start(ctx, "workflow.ApplyFix")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", id), attribute.Int("fixes", len(fixes)))

	session, err := o.mutate(ctx, id, revision, func(session *models.ImportSession) error {
		return o.applyFixes(ctx, session, fixes)
	})
	if err != nil {
		return nil, err
	}
	o.Logger.WithFields(logrus.Fields{
		"session_id": id,
		"fixes":      len(fixes),
		"revision":   session.Revision,
	}).Info("[import.fix]")
	return session.Snapshot(), nil
}

// ApplyAutoFixes applies the suggested fix of every record whose issues are all auto-fixable.
func (o *Orchestrator) ApplyAutoFixes(ctx context.Context, id string, revision int64) (*models.Snapshot, error) {
	ctx, span := tracer.Start(ctx, "workflow.ApplyAutoFixes")
	defer span.End()

	applied := 0
	session, err := o.mutate(ctx, id, revision, func(session *models.ImportSession) error {
		var fixes []models.FieldFix
		for _, rec := range session.Records {
			if fix, ok := autoFix(rec); ok {
				fixes = append(fixes, models.FieldFix{RecordIndex: rec.RecordIndex, Field: ingest.FieldFileNumber, NewValue: fix})
			}
		}
		applied = len(fixes)
		return o.applyFixes(ctx, session, fixes)
	})
	if err != nil {
		return nil, err
	}
	o.Logger.WithFields(logrus.Fields{
		"session_id": id,
		"applied":    applied,
	}).Info("[import.autofix]")
	return session.Snapshot(), nil
}

// every issue carries the same full canonical suggestion, so the first one is enough
func autoFix(rec *models.ImportRecord) (string, bool) {
	if len(rec.Issues) == 0 {
		return "", false
	}
	for _, issue := range rec.Issues {
		if !issue.AutoFixable || issue.SuggestedFix == nil {
			return "", false
		}
	}
	return *rec.Issues[0].SuggestedFix, true
}

func (o *Orchestrator) applyFixes(ctx context.Context, session *models.ImportSession, fixes []models.FieldFix) error {
	if len(fixes) == 0 {
		return errNoChange
	}
	for _, fix := range fixes {
		if session.Record(fix.RecordIndex) == nil {
			return conflictf("record %d is not in the session", fix.RecordIndex)
		}
		var scratch models.NewPropertyRecord
		if err := ingest.SetField(&scratch, fix.Field, fix.NewValue); err != nil {
			return err
		}
	}

	affected := map[string]bool{}
	touched := make([]*models.ImportRecord, 0, len(fixes))
	seen := map[int]bool{}
	for _, fix := range fixes {
		rec := session.Record(fix.RecordIndex)
		oldKey := recordKey(rec)
		_ = ingest.SetField(&rec.Data, fix.Field, fix.NewValue)
		o.prepare(rec)
		newKey := recordKey(rec)
		// the prop id belongs to the file number; a new key means a new lookup
		if newKey != oldKey {
			rec.ClearPropId()
		}
		affected[oldKey] = true
		affected[newKey] = true
		if !seen[rec.RecordIndex] {
			seen[rec.RecordIndex] = true
			touched = append(touched, rec)
		}
	}

	regroup(session, affected)
	if err := o.resolveRecords(ctx, session, touched); err != nil {
		return err
	}
	refreshReadiness(session)
	session.State = models.SessionStatePartiallyFixed
	return nil
}

// SetKeep makes recordIndex the sticky keep of a duplicate group.
func (o *Orchestrator) SetKeep(ctx context.Context, id string, revision int64, groupKey string, recordIndex int) (*models.Snapshot, error) {
	session, err := o.mutate(ctx, id, revision, func(session *models.ImportSession) error {
		g := findGroup(session, groupKey)
		if g == nil {
			return conflictf("duplicate group %q not found", groupKey)
		}
		if !containsInt(g.RecordIndexes, recordIndex) {
			return fmt.Errorf("%w: record %d, group %q", utils.ErrorKeepNotMember, recordIndex, groupKey)
		}
		session.KeepChoices[groupKey] = recordIndex
		regroup(session, map[string]bool{groupKey: true})
		refreshReadiness(session)
		session.State = models.SessionStatePartiallyFixed
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.Logger.WithFields(logrus.Fields{
		"session_id": id,
		"group_key":  groupKey,
		"keep_id":    recordIndex,
	}).Info("[import.keep]")
	return session.Snapshot(), nil
}

// DeleteRecords removes single records and the non-keep members of duplicate groups.
// A group with a bad keep or an unknown key is rejected on its own, as is a group whose
// keep is also named as a single target; an unknown record index rejects the whole request.
func (o *Orchestrator) DeleteRecords(ctx context.Context, id string, revision int64, targets []models.DeleteTarget) (*models.DeleteResult, error) {
	ctx, span := tracer.Start(ctx, "workflow.DeleteRecords")
	defer span.End()

	result := &models.DeleteResult{Deleted: []int{}, Rejected: []models.GroupRejection{}}
	session, err := o.mutate(ctx, id, revision, func(session *models.ImportSession) error {
		var requests []dedupe.DeleteRequest
		var singles []int
		for _, t := range targets {
			if t.GroupKey != "" {
				requests = append(requests, dedupe.DeleteRequest{GroupKey: t.GroupKey, KeepId: t.KeepId})
				continue
			}
			if session.Record(t.RecordIndex) == nil {
				return conflictf("record %d is not in the session", t.RecordIndex)
			}
			singles = append(singles, t.RecordIndex)
		}

		plans, rejected := dedupe.PlanDeletes(sessionGroups(session), recordIndex, requests)
		for _, r := range rejected {
			result.Rejected = append(result.Rejected, models.GroupRejection{GroupKey: r.GroupKey, Reason: r.Reason})
		}

		single := map[int]bool{}
		for _, idx := range singles {
			single[idx] = true
		}
		doomed := map[int]bool{}
		affected := map[string]bool{}
		for _, plan := range plans {
			// deleting the keep too would leave the group with no survivor
			if single[plan.KeepId] {
				result.Rejected = append(result.Rejected, models.GroupRejection{
					GroupKey: plan.GroupKey,
					Reason:   fmt.Sprintf("record %d is the group's keep and is also deleted on its own", plan.KeepId),
				})
				continue
			}
			for _, idx := range plan.DeleteIds {
				doomed[idx] = true
			}
			affected[plan.GroupKey] = true
		}
		for _, idx := range singles {
			doomed[idx] = true
			affected[recordKey(session.Record(idx))] = true
		}
		if len(doomed) == 0 {
			return errNoChange
		}

		kept := make([]*models.ImportRecord, 0, len(session.Records))
		for _, rec := range session.Records {
			if doomed[rec.RecordIndex] {
				result.Deleted = append(result.Deleted, rec.RecordIndex)
				continue
			}
			kept = append(kept, rec)
		}
		session.Records = kept
		regroup(session, affected)
		refreshReadiness(session)
		session.State = models.SessionStatePartiallyFixed
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Snapshot = session.Snapshot()
	o.Logger.WithFields(logrus.Fields{
		"session_id": id,
		"deleted":    len(result.Deleted),
		"rejected":   len(result.Rejected),
	}).Info("[import.delete]")
	return result, nil
}

// Commit persists every ready record in chunks and removes it from the session.
// Records that are not ready, or fail to persist, stay for review. The session
// generation is re-checked before each chunk so a discard stops the commit.
// When nothing is left the session is deleted and the result state is Committed.
func (o *Orchestrator) Commit(ctx context.Context, id string, mode models.ImportMode) (*models.CommitResult, error) {
	ctx, span := tracer.Start(ctx, "workflow.Commit")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", id))

	unlock, err := o.Locker.Lock(ctx, sessionKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := o.Sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if mode == "" {
		mode = session.Mode
	}
	if !mode.IsValid() {
		return nil, utils.ErrorInvalidImportMode
	}

	result := &models.CommitResult{Errors: []models.RecordError{}}
	var ready []*models.ImportRecord
	for _, rec := range session.Records {
		if rec.Ready {
			ready = append(ready, rec)
		} else {
			result.SkippedCount++
		}
	}

	committed := map[int]bool{}
	chunk := o.chunkSize()
	for start := 0; start < len(ready); start += chunk {
		if err := o.checkGeneration(ctx, session); err != nil {
			result.State = models.SessionStateDiscarded
			config.LogError(o.Logger, "workflow", "Commit", "session discarded mid-commit", map[string]any{
				"session_id": id,
				"committed":  len(committed),
			}, err)
			return result, err
		}
		end := min(start+chunk, len(ready))
		for _, rec := range ready[start:end] {
			inserted, err := o.Writer.Persist(ctx, rec, mode, session.ID)
			if err != nil {
				config.LogError(o.Logger, "workflow", "Commit", "persist record", map[string]any{
					"session_id":   id,
					"record_index": rec.RecordIndex,
					"file_number":  rec.FileNumber,
				}, err)
				result.Errors = append(result.Errors, models.RecordError{
					RecordIndex: rec.RecordIndex,
					FileNumber:  rec.FileNumber,
					Message:     err.Error(),
				})
				continue
			}
			if inserted {
				result.InsertedCount++
			} else {
				result.UpdatedCount++
			}
			committed[rec.RecordIndex] = true
		}
	}

	logFields := requestFields(ctx, logrus.Fields{
		"session_id": id,
		"mode":       mode,
		"inserted":   result.InsertedCount,
		"updated":    result.UpdatedCount,
		"skipped":    result.SkippedCount,
		"failed":     len(result.Errors),
	})

	remaining := make([]*models.ImportRecord, 0, len(session.Records)-len(committed))
	if session.CommittedKeys == nil {
		session.CommittedKeys = map[string]int{}
	}
	for _, rec := range session.Records {
		if committed[rec.RecordIndex] {
			session.CommittedKeys[rec.FileNumber] = rec.RecordIndex
			continue
		}
		remaining = append(remaining, rec)
	}
	session.CommittedCount += len(committed)

	if len(remaining) == 0 {
		if err := o.Sessions.Delete(ctx, id); err != nil {
			config.LogError(o.Logger, "workflow", "Commit", "delete committed session", id, err)
		}
		result.State = models.SessionStateCommitted
		o.Logger.WithFields(logFields).Info("[import.commit]")
		return result, nil
	}

	if len(committed) > 0 {
		session.Records = remaining
		regroup(session, nil)
		refreshReadiness(session)
		session.Revision++
		session.UpdatedAt = o.now()
		if err := o.Sessions.Replace(ctx, session, o.SessionTTL); err != nil {
			result.State = models.SessionStateDiscarded
			return result, err
		}
	}
	result.State = session.State
	result.Remaining = session.Snapshot()
	logFields["remaining"] = len(remaining)
	o.Logger.WithFields(logFields).Info("[import.commit.partial]")
	return result, nil
}

func (o *Orchestrator) checkGeneration(ctx context.Context, session *models.ImportSession) error {
	gen, err := o.Sessions.Generation(ctx, session.ID)
	if errors.Is(err, utils.ErrorSessionNotFound) {
		return utils.ErrorSessionDiscarded
	}
	if err != nil {
		return err
	}
	if gen != session.Generation {
		return utils.ErrorSessionDiscarded
	}
	return nil
}

// Discard drops the session. It does not wait for the session lock: an operation in
// flight notices the missing generation and stops before writing.
func (o *Orchestrator) Discard(ctx context.Context, id string) error {
	if _, err := o.Sessions.Generation(ctx, id); err != nil {
		return err
	}
	if err := o.Sessions.Delete(ctx, id); err != nil {
		config.LogError(o.Logger, "workflow", "Discard", "delete session", id, err)
		return err
	}
	o.Logger.WithFields(requestFields(ctx, logrus.Fields{"session_id": id})).Info("[import.discard]")
	return nil
}
