package DAO

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TransactionalStateDAOInterface interface {
	GetKey(ctx context.Context, stateId string) (*KeyEntity, error)
	GetStates(ctx context.Context, opts ...QueryOption) ([]*StateEntity, error)
	SaveKey(ctx context.Context, key *KeyEntity) error
	CreateKey(ctx context.Context, key *KeyEntity) (bool, error)
	UpsertState(ctx context.Context, state *StateEntity) error
	DeleteStates(ctx context.Context, opts ...QueryOption) error
	LockAndDo(ctx context.Context, stateId string, do func(ctx context.Context, dao *TransactionalStateDAO, key *KeyEntity) error) error
}

// KeyEntity 每个分区一行: ETag, 已提交序列号, 元数据
type KeyEntity struct {
	StateId             string `gorm:"column:state_id;primaryKey;size:255"`
	ETag                string `gorm:"column:etag;size:64"`
	CommittedSequenceId int64  `gorm:"column:committed_sequence_id"`
	Metadata            string `gorm:"column:metadata"`
	UpdatedAt           time.Time
}

func (KeyEntity) TableName() string {
	return "transactional_state_keys"
}

// StateEntity 日志中的一条记录, 以(分区, 序列号)寻址
// TransactionManager 为空表示该记录由TM自己写入
type StateEntity struct {
	StateId              string    `gorm:"column:state_id;primaryKey;size:255"`
	SequenceId           int64     `gorm:"column:sequence_id;primaryKey;autoIncrement:false"`
	TransactionId        string    `gorm:"column:transaction_id;size:64"`
	TransactionTimestamp time.Time `gorm:"column:transaction_timestamp"`
	TransactionManager   string    `gorm:"column:transaction_manager"`
	State                []byte    `gorm:"column:state"`
}

func (StateEntity) TableName() string {
	return "transactional_state_records"
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&KeyEntity{}, &StateEntity{})
}

type TransactionalStateDAO struct {
	db *gorm.DB
}

func NewTransactionalStateDAO(db *gorm.DB) *TransactionalStateDAO {
	return &TransactionalStateDAO{
		db: db,
	}
}

// GetKey 分区从未写入过时返回nil
func (dao *TransactionalStateDAO) GetKey(ctx context.Context, stateId string) (*KeyEntity, error) {
	key := &KeyEntity{}
	err := dao.db.WithContext(ctx).Where("state_id = ?", stateId).First(key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// GetStates 结果按序列号升序
func (dao *TransactionalStateDAO) GetStates(ctx context.Context, opts ...QueryOption) ([]*StateEntity, error) {
	var states []*StateEntity
	db := dao.db.WithContext(ctx).Model(&StateEntity{})

	for _, opt := range opts {
		db = opt(db)
	}

	return states, db.Order("sequence_id ASC").Find(&states).Error
}

func (dao *TransactionalStateDAO) SaveKey(ctx context.Context, key *KeyEntity) error {
	return dao.db.WithContext(ctx).Save(key).Error
}

// CreateKey 插入分区的key行, 行已经存在时返回false
func (dao *TransactionalStateDAO) CreateKey(ctx context.Context, key *KeyEntity) (bool, error) {
	res := dao.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(key)
	if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
		return false, nil
	}
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (dao *TransactionalStateDAO) DeleteKey(ctx context.Context, stateId string) error {
	return dao.db.WithContext(ctx).Where("state_id = ?", stateId).Delete(&KeyEntity{}).Error
}

// UpsertState 同一序列号的记录直接覆盖
func (dao *TransactionalStateDAO) UpsertState(ctx context.Context, state *StateEntity) error {
	return dao.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "state_id"}, {Name: "sequence_id"}},
		UpdateAll: true,
	}).Create(state).Error
}

// DeleteStates 必须至少带一个条件, 避免误删整张表
func (dao *TransactionalStateDAO) DeleteStates(ctx context.Context, opts ...QueryOption) error {
	if len(opts) == 0 {
		return errors.New("DeleteStates: refusing to delete without conditions")
	}
	db := dao.db.WithContext(ctx)
	for _, opt := range opts {
		db = opt(db)
	}
	return db.Delete(&StateEntity{}).Error
}

// 开启事务, 对分区的key行加锁后执行do; key行不存在时传入nil
func (dao *TransactionalStateDAO) LockAndDo(ctx context.Context, stateId string, do func(ctx context.Context, dao *TransactionalStateDAO, key *KeyEntity) error) error {
	return dao.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		key := &KeyEntity{}
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("state_id = ?", stateId).First(key).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			key = nil
		} else if err != nil {
			return err
		}

		Dao := NewTransactionalStateDAO(tx)
		return do(ctx, Dao, key)
	})
}
