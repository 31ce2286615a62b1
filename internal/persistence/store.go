// Package persistence flushes periodic snapshots of the order index to
// a local sqlite database. The hot path never touches it; the flusher
// reads through the index snapshot API only.
package persistence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/velocimex/hftcore/internal/config"
	"github.com/velocimex/hftcore/internal/index"
)

// OrderRow is the persisted form of an order snapshot entry.
type OrderRow struct {
	SnapshotID     uint64 `gorm:"index"`
	OrderID        string `gorm:"size:36;index"`
	Exchange       string `gorm:"size:32"`
	Symbol         string `gorm:"size:32"`
	Side           string `gorm:"size:8"`
	Type           string `gorm:"size:16"`
	Price          string `gorm:"size:64"`
	Quantity       string `gorm:"size:64"`
	FilledQuantity string `gorm:"size:64"`
	Status         string `gorm:"size:24"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (OrderRow) TableName() string { return "order_snapshots" }

// PositionRow is the persisted form of a position snapshot entry.
type PositionRow struct {
	SnapshotID    uint64 `gorm:"index"`
	Exchange      string `gorm:"size:32"`
	Symbol        string `gorm:"size:32"`
	Quantity      string `gorm:"size:64"`
	EntryPrice    string `gorm:"size:64"`
	MarkPrice     string `gorm:"size:64"`
	UnrealizedPnL string `gorm:"size:64"`
	UpdatedAt     time.Time
}

func (PositionRow) TableName() string { return "position_snapshots" }

// SnapshotRow records one flush of the whole state plane.
type SnapshotRow struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	TakenAt   time.Time
	Orders    int
	Positions int
}

func (SnapshotRow) TableName() string { return "snapshots" }

// Snapshotter is the read-only view the flusher consumes. The order
// index satisfies it.
type Snapshotter interface {
	SnapshotState() index.Snapshot
}

// Store owns the database handle and the background flush loop.
type Store struct {
	db       *gorm.DB
	source   Snapshotter
	interval time.Duration
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewStore opens (or creates) the sqlite database at cfg.DSN and
// migrates the snapshot schema.
func NewStore(cfg config.PersistenceConfig, source Snapshotter, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	if err := db.AutoMigrate(&SnapshotRow{}, &OrderRow{}, &PositionRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate snapshot schema: %w", err)
	}
	return &Store{
		db:       db,
		source:   source,
		interval: cfg.FlushInterval,
		logger:   logger.Named("persistence"),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the periodic flush loop.
func (s *Store) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.flushLoop(ctx)
}

func (s *Store) flushLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Final flush so a clean shutdown leaves current state behind.
			if err := s.Flush(); err != nil {
				s.logger.Error("final snapshot flush failed", zap.Error(err))
			}
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.logger.Error("snapshot flush failed", zap.Error(err))
			}
		}
	}
}

// Flush takes one snapshot and writes it in a single transaction.
func (s *Store) Flush() error {
	snap := s.source.SnapshotState()
	start := time.Now()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		head := SnapshotRow{
			TakenAt:   snap.TakenAt,
			Orders:    len(snap.Orders),
			Positions: len(snap.Positions),
		}
		if err := tx.Create(&head).Error; err != nil {
			return err
		}
		if len(snap.Orders) > 0 {
			rows := make([]OrderRow, 0, len(snap.Orders))
			for _, o := range snap.Orders {
				rows = append(rows, OrderRow{
					SnapshotID:     head.ID,
					OrderID:        o.ID.String(),
					Exchange:       o.Exchange,
					Symbol:         o.Symbol,
					Side:           o.Side,
					Type:           o.Type,
					Price:          o.Price.String(),
					Quantity:       o.Quantity.String(),
					FilledQuantity: o.FilledQuantity.String(),
					Status:         o.Status,
					CreatedAt:      o.CreatedAt,
					UpdatedAt:      o.UpdatedAt,
				})
			}
			if err := tx.CreateInBatches(rows, 200).Error; err != nil {
				return err
			}
		}
		if len(snap.Positions) > 0 {
			rows := make([]PositionRow, 0, len(snap.Positions))
			for _, p := range snap.Positions {
				rows = append(rows, PositionRow{
					SnapshotID:    head.ID,
					Exchange:      p.Exchange,
					Symbol:        p.Symbol,
					Quantity:      p.Quantity.String(),
					EntryPrice:    p.EntryPrice.String(),
					MarkPrice:     p.MarkPrice.String(),
					UnrealizedPnL: p.UnrealizedPnL.String(),
					UpdatedAt:     p.UpdatedAt,
				})
			}
			if err := tx.CreateInBatches(rows, 200).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}

	s.logger.Debug("snapshot flushed",
		zap.Int("orders", len(snap.Orders)),
		zap.Int("positions", len(snap.Positions)),
		zap.Duration("took", time.Since(start)))
	return nil
}

// LatestSnapshot loads the most recent snapshot header, or nil when the
// database is empty.
func (s *Store) LatestSnapshot() (*SnapshotRow, error) {
	var row SnapshotRow
	err := s.db.Order("id desc").First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Close stops the flush loop and closes the database handle.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
