package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"poly_go/internal/domain"
)

// Store persists orders, trades, positions, and price ticks in SQLite
// (pure-Go driver, no cgo). Writes from the trading core go through a
// buffered job queue serviced by one background goroutine: the hot
// path never waits on disk, and a failed write is logged and dropped.
// Reads run synchronously against the database.
type Store struct {
	db     *gorm.DB
	jobs   chan writeJob
	wg     sync.WaitGroup
	logger *slog.Logger
}

type writeJob struct {
	op string
	fn func(db *gorm.DB) error
}

// OrderRow is the order table. Decimal columns are stored as strings
// to keep values exact through round trips.
type OrderRow struct {
	ID         string `gorm:"primaryKey"`
	MarketID   string `gorm:"index"`
	TokenID    string `gorm:"index"`
	Side       string
	Type       string
	Status     string
	Price      string
	Size       string
	FilledSize string
	Reason     string
	Paper      bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type TradeRow struct {
	ID         string `gorm:"primaryKey"`
	OrderID    string `gorm:"index"`
	MarketID   string
	TokenID    string `gorm:"index"`
	Side       string
	Price      string
	Size       string
	Fee        string
	Paper      bool
	ExecutedAt time.Time
}

type PositionRow struct {
	TokenID       string `gorm:"primaryKey"`
	MarketID      string
	Size          string
	AvgEntryPrice string
	RealizedPnL   string
	UpdatedAt     time.Time
}

type PriceTickRow struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	TokenID   string `gorm:"index"`
	MarketID  string
	Price     string
	Size      string
	Timestamp time.Time `gorm:"index"`
}

// NewStore opens (creating if needed) the database at path and starts
// the write queue.
func NewStore(path string, log *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(&OrderRow{}, &TradeRow{}, &PositionRow{}, &PriceTickRow{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	s := &Store{
		db:     db,
		jobs:   make(chan writeJob, 1024),
		logger: log.With(slog.String("module", "storage")),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

// Close flushes queued writes and stops the writer.
func (s *Store) Close() {
	close(s.jobs)
	s.wg.Wait()
}

func (s *Store) writeLoop() {
	defer s.wg.Done()
	for job := range s.jobs {
		if err := job.fn(s.db); err != nil {
			s.logger.Warn("storage write failed",
				slog.String("op", job.op), slog.Any("error", err))
		}
	}
}

func (s *Store) enqueue(op string, fn func(db *gorm.DB) error) {
	select {
	case s.jobs <- writeJob{op: op, fn: fn}:
	default:
		s.logger.Warn("storage queue full, write dropped", slog.String("op", op))
	}
}

// SaveOrder upserts an order's latest state.
func (s *Store) SaveOrder(o domain.Order) {
	row := orderToRow(o)
	s.enqueue("save_order", func(db *gorm.DB) error {
		return db.Save(&row).Error
	})
}

// SaveTrade appends a trade. Trades are immutable; an id collision is
// a write error, not an update.
func (s *Store) SaveTrade(t domain.Trade) {
	row := tradeToRow(t)
	s.enqueue("save_trade", func(db *gorm.DB) error {
		return db.Create(&row).Error
	})
}

// UpsertPosition replaces the stored position for a token.
func (s *Store) UpsertPosition(p domain.Position) {
	row := PositionRow{
		TokenID:       p.TokenID,
		MarketID:      p.MarketID,
		Size:          p.Size.String(),
		AvgEntryPrice: p.AvgEntryPrice.String(),
		RealizedPnL:   p.RealizedPnL.String(),
		UpdatedAt:     p.UpdatedAt,
	}
	s.enqueue("upsert_position", func(db *gorm.DB) error {
		return db.Save(&row).Error
	})
}

// SavePriceTick appends a raw tick for later analysis.
func (s *Store) SavePriceTick(u domain.PriceUpdate) {
	row := PriceTickRow{
		TokenID:   u.TokenID,
		MarketID:  u.MarketID,
		Price:     u.Price.String(),
		Size:      u.Size.String(),
		Timestamp: u.Timestamp,
	}
	s.enqueue("save_tick", func(db *gorm.DB) error {
		return db.Create(&row).Error
	})
}

// Flush blocks until every write queued before the call is applied.
func (s *Store) Flush() {
	done := make(chan struct{})
	s.jobs <- writeJob{op: "flush", fn: func(db *gorm.DB) error {
		close(done)
		return nil
	}}
	<-done
}

// GetTrade reads one trade by id. Returns false when absent.
func (s *Store) GetTrade(id string) (domain.Trade, bool, error) {
	var row TradeRow
	err := s.db.First(&row, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return domain.Trade{}, false, nil
	}
	if err != nil {
		return domain.Trade{}, false, err
	}
	return rowToTrade(row), true, nil
}

// ListTrades returns the most recent trades, newest first.
func (s *Store) ListTrades(limit int) ([]domain.Trade, error) {
	var rows []TradeRow
	err := s.db.Order("executed_at desc").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	trades := make([]domain.Trade, 0, len(rows))
	for _, row := range rows {
		trades = append(trades, rowToTrade(row))
	}
	return trades, nil
}

// GetOrder reads one order by id.
func (s *Store) GetOrder(id string) (domain.Order, bool, error) {
	var row OrderRow
	err := s.db.First(&row, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return domain.Order{}, false, nil
	}
	if err != nil {
		return domain.Order{}, false, err
	}
	return rowToOrder(row), true, nil
}

// Positions returns every stored position.
func (s *Store) Positions() ([]domain.Position, error) {
	var rows []PositionRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Position, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.Position{
			TokenID:       row.TokenID,
			MarketID:      row.MarketID,
			Size:          mustDecimal(row.Size),
			AvgEntryPrice: mustDecimal(row.AvgEntryPrice),
			RealizedPnL:   mustDecimal(row.RealizedPnL),
			UpdatedAt:     row.UpdatedAt,
		})
	}
	return out, nil
}

func orderToRow(o domain.Order) OrderRow {
	return OrderRow{
		ID:         o.ID,
		MarketID:   o.MarketID,
		TokenID:    o.TokenID,
		Side:       string(o.Side),
		Type:       string(o.Type),
		Status:     string(o.Status),
		Price:      o.Price.String(),
		Size:       o.Size.String(),
		FilledSize: o.FilledSize.String(),
		Reason:     o.Reason,
		Paper:      o.Paper,
		CreatedAt:  o.CreatedAt,
		UpdatedAt:  o.UpdatedAt,
	}
}

func rowToOrder(row OrderRow) domain.Order {
	return domain.Order{
		ID:         row.ID,
		MarketID:   row.MarketID,
		TokenID:    row.TokenID,
		Side:       domain.Side(row.Side),
		Type:       domain.OrderType(row.Type),
		Status:     domain.OrderStatus(row.Status),
		Price:      mustDecimal(row.Price),
		Size:       mustDecimal(row.Size),
		FilledSize: mustDecimal(row.FilledSize),
		Reason:     row.Reason,
		Paper:      row.Paper,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
}

func tradeToRow(t domain.Trade) TradeRow {
	return TradeRow{
		ID:         t.ID,
		OrderID:    t.OrderID,
		MarketID:   t.MarketID,
		TokenID:    t.TokenID,
		Side:       string(t.Side),
		Price:      t.Price.String(),
		Size:       t.Size.String(),
		Fee:        t.Fee.String(),
		Paper:      t.Paper,
		ExecutedAt: t.ExecutedAt,
	}
}

func rowToTrade(row TradeRow) domain.Trade {
	return domain.Trade{
		ID:         row.ID,
		OrderID:    row.OrderID,
		MarketID:   row.MarketID,
		TokenID:    row.TokenID,
		Side:       domain.Side(row.Side),
		Price:      mustDecimal(row.Price),
		Size:       mustDecimal(row.Size),
		Fee:        mustDecimal(row.Fee),
		Paper:      row.Paper,
		ExecutedAt: row.ExecutedAt,
	}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
