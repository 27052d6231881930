package storage

import (
	"actortx/DAO"
	"actortx/pkg"
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GormStorage 关系型数据库上的日志存储, 每次Store是一个数据库事务
type GormStorage struct {
	stateId string
	dao     DAO.TransactionalStateDAOInterface
	logger  *zap.Logger
}

func NewGormStorage(db *gorm.DB, stateId string, logger *zap.Logger) *GormStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStorage{
		stateId: stateId,
		dao:     DAO.NewTransactionalStateDAO(db),
		logger:  logger.With(zap.String("partition", stateId)),
	}
}

func (g *GormStorage) Load(ctx context.Context) (*pkg.TransactionalStorageLoadResponse, error) {
	key, err := g.dao.GetKey(ctx, g.stateId)
	if err != nil {
		return nil, errors.Wrapf(err, "load key of %s", g.stateId)
	}
	if key == nil || key.ETag == "" {
		g.logger.Debug("loaded fresh state")
		return newLogView().response(g.stateId)
	}

	entities, err := g.dao.GetStates(ctx, DAO.WithStateId(g.stateId))
	if err != nil {
		return nil, errors.Wrapf(err, "load states of %s", g.stateId)
	}

	view := &logView{
		ETag:                key.ETag,
		CommittedSequenceId: key.CommittedSequenceId,
		Metadata:            pkg.NewMetaData(),
		States:              make([]pkg.PendingTransactionState, 0, len(entities)),
	}
	if key.Metadata != "" {
		if err := json.Unmarshal([]byte(key.Metadata), &view.Metadata); err != nil {
			return nil, errors.Wrapf(err, "decode metadata of %s", g.stateId)
		}
	}
	for _, entity := range entities {
		state, err := fromStateEntity(entity)
		if err != nil {
			return nil, err
		}
		view.States = append(view.States, state)
	}

	g.logger.Debug("loaded",
		zap.Int64("committed", view.CommittedSequenceId),
		zap.Int("rows", len(entities)))
	return view.response(g.stateId)
}

func (g *GormStorage) Store(ctx context.Context, expectedETag string, metadata pkg.TransactionalStateMetaData,
	statesToPrepare []pkg.PendingTransactionState, commitUpTo *int64, abortAfter *int64) (string, error) {
	var newETag string
	err := g.dao.LockAndDo(ctx, g.stateId, func(ctx context.Context, dao *DAO.TransactionalStateDAO, key *DAO.KeyEntity) error {
		actual := ""
		if key != nil {
			actual = key.ETag
		}
		if err := checkETag(expectedETag, actual); err != nil {
			return err
		}
		if key == nil {
			//分区第一次写入时没有可以加锁的行, 并发的首个写者只有一个能插入key行
			key = &DAO.KeyEntity{StateId: g.stateId}
			created, err := dao.CreateKey(ctx, key)
			if err != nil {
				return err
			}
			if !created {
				current, err := dao.GetKey(ctx, g.stateId)
				if err != nil {
					return err
				}
				actual := ""
				if current != nil {
					actual = current.ETag
				}
				return pkg.NewConcurrencyConflictError(expectedETag, actual)
			}
		}

		//1.删除被中止的记录
		if abortAfter != nil {
			if err := dao.DeleteStates(ctx, DAO.WithStateId(g.stateId), DAO.WithSequenceAbove(*abortAfter)); err != nil {
				return err
			}
		}

		//2.写入未过期的prepare记录
		obsoleteBefore := key.CommittedSequenceId
		if commitUpTo != nil && *commitUpTo < obsoleteBefore {
			obsoleteBefore = *commitUpTo
		}
		for _, s := range statesToPrepare {
			if s.SequenceId < obsoleteBefore {
				continue
			}
			entity, err := toStateEntity(g.stateId, s)
			if err != nil {
				return err
			}
			if err := dao.UpsertState(ctx, entity); err != nil {
				return err
			}
		}

		//3.元数据和提交水位
		body, err := json.Marshal(metadata)
		if err != nil {
			return err
		}
		key.Metadata = string(body)
		if commitUpTo != nil && *commitUpTo > key.CommittedSequenceId {
			key.CommittedSequenceId = *commitUpTo
		}
		key.ETag = uuid.NewString()
		if err := dao.SaveKey(ctx, key); err != nil {
			return err
		}

		//4.压缩
		if err := dao.DeleteStates(ctx, DAO.WithStateId(g.stateId), DAO.WithSequenceBelow(key.CommittedSequenceId)); err != nil {
			return err
		}

		newETag = key.ETag
		return nil
	})
	if err != nil {
		var conflict pkg.ConcurrencyConflictError
		if errors.As(err, &conflict) {
			return "", conflict
		}
		return "", errors.Wrapf(err, "store %s", g.stateId)
	}

	g.logger.Debug("stored", zap.String("etag", newETag))
	return newETag, nil
}

func toStateEntity(stateId string, s pkg.PendingTransactionState) (*DAO.StateEntity, error) {
	entity := &DAO.StateEntity{
		StateId:              stateId,
		SequenceId:           s.SequenceId,
		TransactionId:        s.TransactionId,
		TransactionTimestamp: s.TimeStamp.UTC(),
		State:                s.State,
	}
	if !s.TransactionManager.IsZero() {
		body, err := json.Marshal(s.TransactionManager)
		if err != nil {
			return nil, err
		}
		entity.TransactionManager = string(body)
	}
	return entity, nil
}

func fromStateEntity(entity *DAO.StateEntity) (pkg.PendingTransactionState, error) {
	state := pkg.PendingTransactionState{
		SequenceId:    entity.SequenceId,
		TransactionId: entity.TransactionId,
		TimeStamp:     entity.TransactionTimestamp.UTC(),
		State:         entity.State,
	}
	if entity.TransactionManager != "" {
		if err := json.Unmarshal([]byte(entity.TransactionManager), &state.TransactionManager); err != nil {
			return state, errors.Wrapf(err, "decode transaction manager of %s#%d", entity.StateId, entity.SequenceId)
		}
	}
	return state, nil
}
