package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ExportTradesCSV writes the full trade history to a timestamped file
// under dir and returns its path.
func (s *Store) ExportTradesCSV(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	var rows []TradeRow
	if err := s.db.Order("executed_at asc").Find(&rows).Error; err != nil {
		return "", fmt.Errorf("read trades: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("trades_%s.csv", time.Now().Format("20060102_150405")))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create export file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"id", "order_id", "market_id", "token_id", "side", "price", "size", "fee", "paper", "executed_at"}
	if err := w.Write(header); err != nil {
		return "", err
	}
	for _, row := range rows {
		record := []string{
			row.ID, row.OrderID, row.MarketID, row.TokenID, row.Side,
			row.Price, row.Size, row.Fee,
			fmt.Sprintf("%t", row.Paper),
			row.ExecutedAt.Format(time.RFC3339Nano),
		}
		if err := w.Write(record); err != nil {
			return "", err
		}
	}
	w.Flush()
	return path, w.Error()
}
