package models

import (
	"time"

	"github.com/mmdatafocus/registry_importer/filenumber"
	"github.com/mmdatafocus/registry_importer/identity"
)

type ImportMode string

const (
	ImportModeTest       ImportMode = "TEST"
	ImportModeProduction ImportMode = "PRODUCTION"
)

func (m ImportMode) IsValid() bool {
	return m == ImportModeTest || m == ImportModeProduction
}

type SessionState string

const (
	SessionStateUploaded       SessionState = "Uploaded"
	SessionStateValidated      SessionState = "Validated"
	SessionStatePartiallyFixed SessionState = "PartiallyFixed"
	SessionStateCommitted      SessionState = "Committed"
	SessionStateDiscarded      SessionState = "Discarded"
)

// reasons a record is not ready to commit
const (
	BlockerShape     = "shape"
	BlockerQC        = "qc"
	BlockerPropId    = "prop_id"
	BlockerDuplicate = "duplicate"
	// another record with the same file number was committed from this session
	BlockerCommitted = "committed"
)

// NewPropertyRecord is one uploaded row after field aliasing.
type NewPropertyRecord struct {
	FileNumber string `json:"fileNumber" validate:"required"`
	Grantee    string `json:"grantee" validate:"max=255"`
	PlotNumber string `json:"plotNumber" validate:"max=100"`
	District   string `json:"district" validate:"max=100"`
	LandUse    string `json:"landUse" validate:"omitempty,oneof=RESIDENTIAL COMMERCIAL INDUSTRIAL AGRICULTURAL INSTITUTIONAL MIXED"`
	PlotSize   string `json:"plotSize" validate:"omitempty,numeric"`
}

// InputShapeError is a failed required-field or format check. Records carrying one are
// kept out of grouping and prop id resolution until fixed.
type InputShapeError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

type QCIssue struct {
	RecordIndex   int    `json:"recordIndex"`
	FileNumberRaw string `json:"fileNumberRaw"`
	filenumber.Issue
}

type ImportRecord struct {
	// stable 1-based position in the upload, never reused
	RecordIndex       int               `json:"recordIndex"`
	Data              NewPropertyRecord `json:"data"`
	FileNumber        string            `json:"fileNumber"`
	PropId            *int64            `json:"propId,omitempty"`
	PropIdSource      *string           `json:"propIdSource,omitempty"`
	PropIdIsNew       bool              `json:"propIdIsNew"`
	NeedsManualPropId bool              `json:"needsManualPropId"`
	ResolutionError   string            `json:"resolutionError,omitempty"`
	Issues            []QCIssue         `json:"issues"`
	ShapeErrors       []InputShapeError `json:"shapeErrors,omitempty"`
	Blockers          []string          `json:"blockers,omitempty"`
	Ready             bool              `json:"ready"`
}

func (r *ImportRecord) ClearPropId() {
	r.PropId = nil
	r.PropIdSource = nil
	r.PropIdIsNew = false
	r.NeedsManualPropId = false
	r.ResolutionError = ""
}

type DuplicateGroup struct {
	GroupKey      string `json:"groupKey"`
	RecordIndexes []int  `json:"recordIndexes"`
	KeepId        int    `json:"keepId"`
	ExplicitKeep  bool   `json:"explicitKeep"`
}

type ImportSession struct {
	ID              string                `json:"id"`
	Generation      string                `json:"generation"`
	Revision        int64                 `json:"revision"`
	Mode            ImportMode            `json:"mode"`
	State           SessionState          `json:"state"`
	Records         []*ImportRecord       `json:"records"`
	Issues          []QCIssue             `json:"issues"`
	DuplicateGroups []DuplicateGroup      `json:"duplicateGroups"`
	KeepChoices     map[string]int        `json:"keepChoices"`
	PropIdCache     identity.SessionCache `json:"propIdCache"`
	CommittedKeys   map[string]int        `json:"committedKeys"`
	CommittedCount  int                   `json:"committedCount"`
	CreatedAt       time.Time             `json:"createdAt"`
	UpdatedAt       time.Time             `json:"updatedAt"`
}

func (s *ImportSession) Record(recordIndex int) *ImportRecord {
	for _, rec := range s.Records {
		if rec.RecordIndex == recordIndex {
			return rec
		}
	}
	return nil
}

// Snapshot is the serializable view handed back to the request layer.
type Snapshot struct {
	SessionId       string           `json:"sessionId"`
	Revision        int64            `json:"revision"`
	Mode            ImportMode       `json:"mode"`
	State           SessionState     `json:"state"`
	Records         []ImportRecord   `json:"records"`
	Issues          []QCIssue        `json:"issues"`
	DuplicateGroups []DuplicateGroup `json:"duplicateGroups"`
	TotalCount      int              `json:"totalCount"`
	ReadyCount      int              `json:"readyCount"`
	NeedsReview     int              `json:"needsReviewCount"`
	CommittedCount  int              `json:"committedCount"`
}

// Snapshot copies the session so later mutations do not leak into the view.
func (s *ImportSession) Snapshot() *Snapshot {
	snap := &Snapshot{
		SessionId:       s.ID,
		Revision:        s.Revision,
		Mode:            s.Mode,
		State:           s.State,
		Records:         make([]ImportRecord, 0, len(s.Records)),
		Issues:          append([]QCIssue{}, s.Issues...),
		DuplicateGroups: make([]DuplicateGroup, 0, len(s.DuplicateGroups)),
		TotalCount:      len(s.Records),
		CommittedCount:  s.CommittedCount,
	}
	for _, rec := range s.Records {
		cp := *rec
		cp.Issues = append([]QCIssue{}, rec.Issues...)
		cp.ShapeErrors = append([]InputShapeError(nil), rec.ShapeErrors...)
		cp.Blockers = append([]string(nil), rec.Blockers...)
		snap.Records = append(snap.Records, cp)
		if rec.Ready {
			snap.ReadyCount++
		} else {
			snap.NeedsReview++
		}
	}
	for _, g := range s.DuplicateGroups {
		g.RecordIndexes = append([]int{}, g.RecordIndexes...)
		snap.DuplicateGroups = append(snap.DuplicateGroups, g)
	}
	return snap
}

type FieldFix struct {
	RecordIndex int    `json:"recordIndex"`
	Field       string `json:"field"`
	NewValue    string `json:"newValue"`
}

// DeleteTarget names either a duplicate group (delete everything but its keep) or one record.
type DeleteTarget struct {
	GroupKey    string `json:"groupKey,omitempty"`
	KeepId      int    `json:"keepId,omitempty"`
	RecordIndex int    `json:"recordIndex,omitempty"`
}

type GroupRejection struct {
	GroupKey string `json:"groupKey"`
	Reason   string `json:"reason"`
}

type DeleteResult struct {
	Snapshot *Snapshot        `json:"snapshot"`
	Deleted  []int            `json:"deleted"`
	Rejected []GroupRejection `json:"rejected"`
}

type RecordError struct {
	RecordIndex int    `json:"recordIndex"`
	FileNumber  string `json:"fileNumber"`
	Message     string `json:"message"`
}

type CommitResult struct {
	InsertedCount int           `json:"insertedCount"`
	UpdatedCount  int           `json:"updatedCount"`
	SkippedCount  int           `json:"skippedCount"`
	Errors        []RecordError `json:"errors"`
	State         SessionState  `json:"state"`
	Remaining     *Snapshot     `json:"remaining,omitempty"`
}
