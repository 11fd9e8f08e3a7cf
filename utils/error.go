package utils

import "errors"

var (
	ErrorSessionNotFound     = errors.New("import session not found or expired")
	ErrorSessionDiscarded    = errors.New("import session was discarded")
	ErrorConcurrencyConflict = errors.New("import session has changed, reload and retry")
	ErrorInvalidField        = errors.New("field cannot be edited")
	ErrorKeepNotMember       = errors.New("keep record is not a member of the duplicate group")
	ErrorInvalidImportMode   = errors.New("import mode must be TEST or PRODUCTION")
	ErrorLockNotObtained     = errors.New("import session is busy, try again")
	ErrorUnknownBackingTable = errors.New("unknown backing table")
	ErrorEmptyUpload         = errors.New("upload has no rows")
)
