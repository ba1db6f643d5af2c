package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/quantdesk/portfolio-greeks/pkg/greeks"
	"github.com/quantdesk/portfolio-greeks/pkg/models"
	"github.com/sirupsen/logrus"
)

// Exporter writes position snapshots with their reconciled Greeks and
// provenance to disk for downstream consumers.
type Exporter struct {
	dir    string
	logger *logrus.Logger
	now    func() time.Time
}

func NewExporter(dir string, logger *logrus.Logger) *Exporter {
	return &Exporter{dir: dir, logger: logger, now: time.Now}
}

var csvHeader = []string{
	"symbol", "sec_type", "local_symbol", "currency", "quantity",
	"avg_cost", "market_price", "market_value", "unrealized_pnl",
	"delta", "gamma", "theta", "vega", "greeks_source",
}

// WriteCSV writes one timestamped CSV with a row per position. Option
// rows carry their reconciled Greeks and Live/Cache/Missing provenance;
// non-option rows leave the Greeks columns empty.
func (e *Exporter) WriteCSV(positions []models.Position, result *greeks.Result) (string, error) {
	path, f, err := e.create("csv")
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return "", fmt.Errorf("writing csv header: %w", err)
	}

	for _, pos := range positions {
		row := []string{
			pos.Symbol,
			string(pos.SecType),
			pos.LocalSymbol,
			pos.Currency,
			formatFloat(pos.Quantity),
			formatFloat(pos.AvgCost),
			formatFloat(pos.MarketPrice),
			formatFloat(pos.MarketValue),
			formatFloat(pos.UnrealizedPNL),
			"", "", "", "", "",
		}

		if id, ok := pos.OptionIdentity(); ok && result != nil {
			if entry, found := result.Entries[id.Key()]; found {
				row[13] = string(entry.Status)
				if entry.Snapshot != nil {
					row[9] = formatFloat(entry.Snapshot.Delta)
					row[10] = formatFloat(entry.Snapshot.Gamma)
					row[11] = formatFloat(entry.Snapshot.Theta)
					row[12] = formatFloat(entry.Snapshot.Vega)
				}
			}
		}

		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("writing csv row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flushing csv: %w", err)
	}

	e.logger.WithField("path", path).Info("Exported positions to CSV")
	return path, nil
}

type jsonExport struct {
	ExportedAt time.Time      `json:"exported_at"`
	Positions  []jsonPosition `json:"positions"`
}

type jsonPosition struct {
	Symbol        string                 `json:"symbol"`
	SecType       models.SecType         `json:"sec_type"`
	LocalSymbol   string                 `json:"local_symbol,omitempty"`
	Currency      string                 `json:"currency"`
	Quantity      float64                `json:"quantity"`
	AvgCost       float64                `json:"avg_cost"`
	MarketPrice   float64                `json:"market_price"`
	MarketValue   float64                `json:"market_value"`
	UnrealizedPNL float64                `json:"unrealized_pnl"`
	Greeks        *models.GreeksSnapshot `json:"greeks,omitempty"`
	GreeksStatus  string                 `json:"greeks_status,omitempty"`
}

// WriteJSON writes the same snapshot as a single JSON document.
func (e *Exporter) WriteJSON(positions []models.Position, result *greeks.Result) (string, error) {
	doc := jsonExport{ExportedAt: e.now()}

	for _, pos := range positions {
		jp := jsonPosition{
			Symbol:        pos.Symbol,
			SecType:       pos.SecType,
			LocalSymbol:   pos.LocalSymbol,
			Currency:      pos.Currency,
			Quantity:      pos.Quantity,
			AvgCost:       pos.AvgCost,
			MarketPrice:   pos.MarketPrice,
			MarketValue:   pos.MarketValue,
			UnrealizedPNL: pos.UnrealizedPNL,
		}

		if id, ok := pos.OptionIdentity(); ok && result != nil {
			if entry, found := result.Entries[id.Key()]; found {
				jp.GreeksStatus = string(entry.Status)
				jp.Greeks = entry.Snapshot
			}
		}

		doc.Positions = append(doc.Positions, jp)
	}

	path, f, err := e.create("json")
	if err != nil {
		return "", err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return "", fmt.Errorf("encoding json export: %w", err)
	}

	e.logger.WithField("path", path).Info("Exported positions to JSON")
	return path, nil
}

func (e *Exporter) create(ext string) (string, *os.File, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("creating export directory: %w", err)
	}
	name := fmt.Sprintf("positions_%s.%s", e.now().Format("20060102_150405"), ext)
	path := filepath.Join(e.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", nil, fmt.Errorf("creating export file: %w", err)
	}
	return path, f, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
