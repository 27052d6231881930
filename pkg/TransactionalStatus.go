package pkg

//该文件主要记录事务的最终状态和参与者的提交角色

type TransactionalStatus int

const (
	StatusOk TransactionalStatus = iota
	StatusPrepareTimeout
	StatusCascadingAbort
	StatusBrokenLock
	StatusLockValidationFailed
	StatusParticipantResponseTimeout
	StatusTMResponseTimeout
	StatusStorageConflict
	StatusPresumedAbort
	StatusCommitFailure
	StatusUnknownParticipant
)

var statusNames = map[TransactionalStatus]string{
	StatusOk:                         "Ok",
	StatusPrepareTimeout:             "PrepareTimeout",
	StatusCascadingAbort:             "CascadingAbort",
	StatusBrokenLock:                 "BrokenLock",
	StatusLockValidationFailed:       "LockValidationFailed",
	StatusParticipantResponseTimeout: "ParticipantResponseTimeout",
	StatusTMResponseTimeout:          "TMResponseTimeout",
	StatusStorageConflict:            "StorageConflict",
	StatusPresumedAbort:              "PresumedAbort",
	StatusCommitFailure:              "CommitFailure",
	StatusUnknownParticipant:         "UnknownParticipant",
}

func (s TransactionalStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "Unknown"
}

// DefinitelyAborted 为true时可以放心地向所有写参与者广播单向的Cancel
func (s TransactionalStatus) DefinitelyAborted() bool {
	switch s {
	case StatusPrepareTimeout,
		StatusCascadingAbort,
		StatusBrokenLock,
		StatusLockValidationFailed,
		StatusParticipantResponseTimeout,
		StatusUnknownParticipant,
		StatusStorageConflict:
		return true
	default:
		return false
	}
}

type CommitRole int

const (
	NotYetDetermined CommitRole = iota
	ReadOnly
	RemoteCommit
	LocalCommit
)

func (r CommitRole) String() string {
	switch r {
	case ReadOnly:
		return "ReadOnly"
	case RemoteCommit:
		return "RemoteCommit"
	case LocalCommit:
		return "LocalCommit"
	default:
		return "NotYetDetermined"
	}
}
