package pkg

import (
	"fmt"
)

// TransactionAbortedError 参与者明确投票失败, 可以重新开启新事务重试
type TransactionAbortedError struct {
	TransactionId string
	Status        TransactionalStatus
	Message       string
}

func (e TransactionAbortedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("transaction %s aborted: %s", e.TransactionId, e.Status)
	}
	return fmt.Sprintf("transaction %s aborted: %s: %s", e.TransactionId, e.Status, e.Message)
}

func NewTransactionAbortedError(txid string, status TransactionalStatus, message string) TransactionAbortedError {
	return TransactionAbortedError{TransactionId: txid, Status: status, Message: message}
}

// TransactionInDoubtError prepare之后无法联系到TM, 事务结果未知
type TransactionInDoubtError struct {
	TransactionId string
	Message       string
}

func (e TransactionInDoubtError) Error() string {
	return fmt.Sprintf("transaction %s in doubt: %s", e.TransactionId, e.Message)
}

func NewTransactionInDoubtError(txid, message string) TransactionInDoubtError {
	return TransactionInDoubtError{TransactionId: txid, Message: message}
}

// CascadingAbortError 读取了一个之后被中止的事务写入的数据
type CascadingAbortError struct {
	TransactionId string
}

func (e CascadingAbortError) Error() string {
	return fmt.Sprintf("transaction %s aborted because a transaction it depends on aborted", e.TransactionId)
}

func NewCascadingAbortError(txid string) CascadingAbortError {
	return CascadingAbortError{TransactionId: txid}
}

// OrphanCallError fork出去的调用没有join回来
type OrphanCallError struct {
	TransactionId string
	Pending       int
}

func (e OrphanCallError) Error() string {
	return fmt.Sprintf("transaction %s aborted: %d orphan call(s) never returned", e.TransactionId, e.Pending)
}

func NewOrphanCallError(txid string, pending int) OrphanCallError {
	return OrphanCallError{TransactionId: txid, Pending: pending}
}

type OverloadError struct {
	Message string
}

func (e OverloadError) Error() string {
	return e.Message
}

func NewOverloadError(message string) OverloadError {
	return OverloadError{Message: message}
}

// ConcurrencyConflictError 存储的ETag与调用方期望的不一致
type ConcurrencyConflictError struct {
	Expected string
	Actual   string
}

func (e ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("etag mismatch: expected %q, actual %q", e.Expected, e.Actual)
}

func NewConcurrencyConflictError(expected, actual string) ConcurrencyConflictError {
	return ConcurrencyConflictError{Expected: expected, Actual: actual}
}

// StatusError 把最终状态转换为用户可见的错误, Ok返回nil
func StatusError(txid string, status TransactionalStatus) error {
	switch status {
	case StatusOk:
		return nil
	case StatusCascadingAbort:
		return NewCascadingAbortError(txid)
	case StatusTMResponseTimeout, StatusCommitFailure:
		return NewTransactionInDoubtError(txid, status.String())
	default:
		return NewTransactionAbortedError(txid, status, "")
	}
}

// TransactionFailure 随TransactionInfo跨边界传递的失败信息, 在需要时才还原为错误
type TransactionFailure struct {
	Status  TransactionalStatus `json:"status"`
	Message string              `json:"message"`
}

func (f TransactionFailure) Err(txid string) error {
	switch f.Status {
	case StatusOk:
		// 用户代码自己记录的失败
		return NewTransactionAbortedError(txid, f.Status, f.Message)
	case StatusCascadingAbort, StatusTMResponseTimeout, StatusCommitFailure:
		return StatusError(txid, f.Status)
	default:
		return NewTransactionAbortedError(txid, f.Status, f.Message)
	}
}
