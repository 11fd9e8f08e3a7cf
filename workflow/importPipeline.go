package workflow

import (
	"context"
	"sort"

	"github.com/mmdatafocus/registry_importer/config"
	"github.com/mmdatafocus/registry_importer/dedupe"
	"github.com/mmdatafocus/registry_importer/identity"
	"github.com/mmdatafocus/registry_importer/ingest"
	"github.com/mmdatafocus/registry_importer/models"
	"github.com/mmdatafocus/registry_importer/utils"
)

// recordKey is the grouping and resolution key. Records failing the shape check have none.
func recordKey(rec *models.ImportRecord) string {
	if len(rec.ShapeErrors) > 0 {
		return ""
	}
	return rec.FileNumber
}

func recordIndex(rec *models.ImportRecord) int {
	return rec.RecordIndex
}

var recordKeyer = dedupe.Keyer[*models.ImportRecord]{
	Key: recordKey,
	ID:  recordIndex,
}

// prepare runs the shape check and the normalizer over one record.
func (o *Orchestrator) prepare(rec *models.ImportRecord) {
	rec.ShapeErrors = ingest.CheckShape(rec.Data)
	res := o.Normalizer.Normalize(rec.Data.FileNumber)
	rec.FileNumber = res.Canonical
	rec.Issues = make([]models.QCIssue, 0, len(res.Issues))
	for _, issue := range res.Issues {
		rec.Issues = append(rec.Issues, models.QCIssue{
			RecordIndex:   rec.RecordIndex,
			FileNumberRaw: res.Raw,
			Issue:         issue,
		})
	}
}

// resolveRecords fills in prop ids for records that have a key and no id yet.
// QC issues do not stop resolution. A failed lookup flags the record and moves on.
// For a stored session the generation is checked before each lookup, so a discard
// stops minting and returns utils.ErrorSessionDiscarded.
func (o *Orchestrator) resolveRecords(ctx context.Context, session *models.ImportSession, recs []*models.ImportRecord) error {
	if session.PropIdCache == nil {
		session.PropIdCache = identity.SessionCache{}
	}
	stored := session.Revision > 0
	for _, rec := range recs {
		key := recordKey(rec)
		if key == "" || rec.PropId != nil {
			continue
		}
		if stored {
			if err := o.checkGeneration(ctx, session); err != nil {
				return err
			}
		}
		res, err := o.Resolver.Resolve(ctx, key, session.PropIdCache)
		if err != nil {
			config.LogError(o.Logger, "workflow", "resolveRecords", "resolve prop id", map[string]any{
				"session_id":   session.ID,
				"record_index": rec.RecordIndex,
				"file_number":  key,
			}, err)
			rec.ClearPropId()
			rec.NeedsManualPropId = true
			rec.ResolutionError = err.Error()
			continue
		}
		rec.PropId = utils.NewInt64(res.PropId)
		rec.PropIdSource = utils.NewString(res.Source)
		rec.PropIdIsNew = res.IsNew
		rec.NeedsManualPropId = false
		rec.ResolutionError = ""
	}
	return nil
}

// regroup rebuilds the duplicate groups for the given keys, or for every key when keys is nil.
// Groups for other keys are left as they are.
func regroup(session *models.ImportSession, keys map[string]bool) {
	if session.KeepChoices == nil {
		session.KeepChoices = map[string]int{}
	}
	items := make([]*models.ImportRecord, 0, len(session.Records))
	for _, rec := range session.Records {
		if keys == nil || keys[recordKey(rec)] {
			items = append(items, rec)
		}
	}
	fresh := dedupe.GroupBy(items, recordKeyer, session.KeepChoices)

	groups := make([]models.DuplicateGroup, 0, len(session.DuplicateGroups)+len(fresh))
	if keys != nil {
		for _, g := range session.DuplicateGroups {
			if !keys[g.GroupKey] {
				groups = append(groups, g)
			}
		}
	}
	for _, g := range fresh {
		groups = append(groups, models.DuplicateGroup{
			GroupKey:      g.Key,
			RecordIndexes: g.IDs(recordIndex),
			KeepId:        g.KeepId,
			ExplicitKeep:  g.ExplicitKeep,
		})
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].RecordIndexes[0] < groups[j].RecordIndexes[0]
	})
	session.DuplicateGroups = groups

	// a keep choice lives only as long as its record is still in the group
	for key, keep := range session.KeepChoices {
		if keys != nil && !keys[key] {
			continue
		}
		g := findGroup(session, key)
		if g == nil || !containsInt(g.RecordIndexes, keep) {
			delete(session.KeepChoices, key)
		}
	}
}

func findGroup(session *models.ImportSession, key string) *models.DuplicateGroup {
	for i := range session.DuplicateGroups {
		if session.DuplicateGroups[i].GroupKey == key {
			return &session.DuplicateGroups[i]
		}
	}
	return nil
}

// sessionGroups turns the stored groups back into grouper groups for delete planning.
func sessionGroups(session *models.ImportSession) []dedupe.Group[*models.ImportRecord] {
	out := make([]dedupe.Group[*models.ImportRecord], 0, len(session.DuplicateGroups))
	for _, g := range session.DuplicateGroups {
		group := dedupe.Group[*models.ImportRecord]{Key: g.GroupKey, KeepId: g.KeepId, ExplicitKeep: g.ExplicitKeep}
		for _, idx := range g.RecordIndexes {
			if rec := session.Record(idx); rec != nil {
				group.Members = append(group.Members, rec)
			}
		}
		out = append(out, group)
	}
	return out
}

// refreshReadiness recomputes every record's blockers and the session issue list.
func refreshReadiness(session *models.ImportSession) {
	nonKeep := map[int]bool{}
	for _, g := range session.DuplicateGroups {
		for _, idx := range g.RecordIndexes {
			if idx != g.KeepId {
				nonKeep[idx] = true
			}
		}
	}

	issues := make([]models.QCIssue, 0)
	for _, rec := range session.Records {
		blockers := make([]string, 0)
		if len(rec.ShapeErrors) > 0 {
			blockers = append(blockers, models.BlockerShape)
		}
		if len(rec.Issues) > 0 {
			blockers = append(blockers, models.BlockerQC)
		}
		if rec.PropId == nil {
			blockers = append(blockers, models.BlockerPropId)
		}
		if nonKeep[rec.RecordIndex] {
			blockers = append(blockers, models.BlockerDuplicate)
		}
		if key := recordKey(rec); key != "" {
			if _, ok := session.CommittedKeys[key]; ok {
				blockers = append(blockers, models.BlockerCommitted)
			}
		}
		rec.Blockers = blockers
		rec.Ready = len(blockers) == 0
		issues = append(issues, rec.Issues...)
	}
	session.Issues = issues
}

func containsInt(values []int, target int) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
