package transport

import (
	"actortx/pkg"
	"time"
)

// 所有请求都带上目标参与者, 服务端据此找到本地资源

type PrepareRequest struct {
	Target             pkg.ParticipantId `json:"target"`
	TransactionId      string            `json:"transaction_id"`
	Access             pkg.AccessCounter `json:"access"`
	Timestamp          time.Time         `json:"timestamp"`
	TransactionManager pkg.ParticipantId `json:"transaction_manager"`
}

type PrepareAndCommitRequest struct {
	Target            pkg.ParticipantId   `json:"target"`
	TransactionId     string              `json:"transaction_id"`
	Access            pkg.AccessCounter   `json:"access"`
	Timestamp         time.Time           `json:"timestamp"`
	Writers           []pkg.ParticipantId `json:"writers"`
	TotalParticipants int                 `json:"total_participants"`
}

type PreparedRequest struct {
	Target        pkg.ParticipantId       `json:"target"`
	TransactionId string                  `json:"transaction_id"`
	Timestamp     time.Time               `json:"timestamp"`
	Participant   pkg.ParticipantId       `json:"participant"`
	Status        pkg.TransactionalStatus `json:"status"`
}

type ConfirmRequest struct {
	Target        pkg.ParticipantId `json:"target"`
	TransactionId string            `json:"transaction_id"`
	Timestamp     time.Time         `json:"timestamp"`
}

type CommitReadOnlyRequest struct {
	Target        pkg.ParticipantId `json:"target"`
	TransactionId string            `json:"transaction_id"`
	Access        pkg.AccessCounter `json:"access"`
	Timestamp     time.Time         `json:"timestamp"`
}

type CancelRequest struct {
	Target        pkg.ParticipantId       `json:"target"`
	TransactionId string                  `json:"transaction_id"`
	Timestamp     time.Time               `json:"timestamp"`
	Status        pkg.TransactionalStatus `json:"status"`
}

type AbortRequest struct {
	Target        pkg.ParticipantId `json:"target"`
	TransactionId string            `json:"transaction_id"`
}

type PingRequest struct {
	Target        pkg.ParticipantId `json:"target"`
	TransactionId string            `json:"transaction_id"`
	Timestamp     time.Time         `json:"timestamp"`
	Participant   pkg.ParticipantId `json:"participant"`
}

type StatusReply struct {
	Status pkg.TransactionalStatus `json:"status"`
}

type Empty struct{}
