package DAO

import "gorm.io/gorm"

type QueryOption func(db *gorm.DB) *gorm.DB

func WithStateId(stateId string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("state_id = ?", stateId)
	}
}

// 序列号严格小于
func WithSequenceBelow(sequenceId int64) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("sequence_id < ?", sequenceId)
	}
}

// 序列号严格大于
func WithSequenceAbove(sequenceId int64) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("sequence_id > ?", sequenceId)
	}
}
