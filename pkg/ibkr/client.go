package ibkr

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/quantdesk/portfolio-greeks/pkg/models"
	"github.com/sirupsen/logrus"
)

// Client is the brokerage account boundary: it yields the currently held
// instruments. The reconciliation core consumes this, it does not
// reimplement it.
type Client interface {
	Accounts(ctx context.Context) ([]string, error)
	Positions(ctx context.Context, account string) ([]models.Position, error)
}

// GatewayClient talks to a locally running IBKR Client Portal gateway.
// The gateway serves a self-signed certificate on localhost, hence the
// insecure transport.
type GatewayClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewGatewayClient(host string, port int, logger *logrus.Logger) *GatewayClient {
	return &GatewayClient{
		baseURL: fmt.Sprintf("https://%s:%d/v1/api", host, port),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		logger: logger,
	}
}

type accountRow struct {
	AccountID string `json:"accountId"`
}

func (c *GatewayClient) Accounts(ctx context.Context) ([]string, error) {
	var rows []accountRow
	if err := c.get(ctx, "/portfolio/accounts", &rows); err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}

	accounts := make([]string, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, row.AccountID)
	}
	return accounts, nil
}

type positionRow struct {
	Conid           int64       `json:"conid"`
	AcctID          string      `json:"acctId"`
	Ticker          string      `json:"ticker"`
	ContractDesc    string      `json:"contractDesc"`
	AssetClass      string      `json:"assetClass"`
	ListingExchange string      `json:"listingExchange"`
	Currency        string      `json:"currency"`
	Position        float64     `json:"position"`
	MktPrice        float64     `json:"mktPrice"`
	MktValue        float64     `json:"mktValue"`
	AvgCost         float64     `json:"avgCost"`
	UnrealizedPnl   float64     `json:"unrealizedPnl"`
	RealizedPnl     float64     `json:"realizedPnl"`
	Strike          json.Number `json:"strike"`
	Expiry          string      `json:"expiry"`
	PutOrCall       string      `json:"putOrCall"`
	Multiplier      json.Number `json:"multiplier"`
}

// Positions returns every held instrument in the account, paging through
// the gateway's positions endpoint.
func (c *GatewayClient) Positions(ctx context.Context, account string) ([]models.Position, error) {
	positions := make([]models.Position, 0)

	for page := 0; ; page++ {
		var rows []positionRow
		path := fmt.Sprintf("/portfolio/%s/positions/%d", account, page)
		if err := c.get(ctx, path, &rows); err != nil {
			return nil, fmt.Errorf("fetching positions page %d: %w", page, err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			positions = append(positions, row.toPosition())
		}
	}

	c.logger.WithFields(logrus.Fields{
		"account":   account,
		"positions": len(positions),
	}).Info("Fetched account positions")
	return positions, nil
}

func (row positionRow) toPosition() models.Position {
	pos := models.Position{
		Symbol:        row.Ticker,
		SecType:       models.SecType(row.AssetClass),
		Exchange:      row.ListingExchange,
		Currency:      row.Currency,
		Account:       row.AcctID,
		LocalSymbol:   row.ContractDesc,
		ContractID:    row.Conid,
		Quantity:      row.Position,
		AvgCost:       row.AvgCost,
		MarketPrice:   row.MktPrice,
		MarketValue:   row.MktValue,
		UnrealizedPNL: row.UnrealizedPnl,
		RealizedPNL:   row.RealizedPnl,
		Multiplier:    1,
		UpdatedAt:     time.Now(),
	}

	if m, err := row.Multiplier.Float64(); err == nil && m > 0 {
		pos.Multiplier = int(m)
	} else if pos.SecType == models.SecTypeOption {
		pos.Multiplier = 100
	}

	if pos.SecType == models.SecTypeOption {
		if strike, err := row.Strike.Float64(); err == nil {
			pos.Strike = strike
		}
		pos.Expiry = row.Expiry
		pos.Right = models.OptionRight(row.PutOrCall)
	}

	return pos
}

func (c *GatewayClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
