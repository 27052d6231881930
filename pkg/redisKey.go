package pkg

import "fmt"

// 同一个分区的key使用相同的hash tag, 保证lua脚本中的多个key落在同一个slot

func BuildETagKey(partition string) string {
	return fmt.Sprintf("TXState_etag:{%s}", partition)
}

func BuildJournalKey(partition string) string {
	return fmt.Sprintf("TXState_journal:{%s}", partition)
}

func BuildSnapshotKey(partition string) string {
	return fmt.Sprintf("TXState_snapshot:{%s}", partition)
}

func BuildPendingSnapshotKey(partition string) string {
	return fmt.Sprintf("TXState_snapshot_pending:{%s}", partition)
}

func BuildCompactionMarkerKey(partition string) string {
	return fmt.Sprintf("TXState_compaction:{%s}", partition)
}

func BuildCompactionLockKey(partition string) string {
	return fmt.Sprintf("TXState_compaction_lock:{%s}", partition)
}
