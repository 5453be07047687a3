// Package sheet reads the recurring order table from a Google spreadsheet
// and appends per-row execution log cells.
package sheet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/oauth2/google"

	"autoinvest/internal/config"
	"autoinvest/internal/core"
	apperrors "autoinvest/pkg/errors"
	"autoinvest/pkg/retry"
)

const (
	defaultAPIBase = "https://sheets.googleapis.com/v4/spreadsheets"
	sheetsScope    = "https://www.googleapis.com/auth/spreadsheets"

	// logStartColumn is the first column holding execution log cells
	logStartColumn = 7 // column G
)

// requiredHeaders are the column titles the order table must carry, matched
// case-insensitively in row 1
var requiredHeaders = []string{"Status", "Stock Symbol", "Price", "Amount", "Qty to buy", "Frequency"}

var spreadsheetIDRe = regexp.MustCompile(`/spreadsheets/d/([a-zA-Z0-9_-]+)`)

// Adapter implements core.SheetStore against the Sheets REST API.
// Writes are serialized: the log-column probe and the following update must
// not interleave between rows.
type Adapter struct {
	httpClient    *http.Client
	apiBase       string
	spreadsheetID string
	worksheetIdx  int
	maxLogColumns int
	logger        *zap.Logger

	mu         sync.Mutex
	sheetTitle string
}

// New builds an adapter authenticated with the service-account credentials
// file. The spreadsheet id is extracted from the configured URL.
func New(cfg config.SheetConfig, logger *zap.Logger) (*Adapter, error) {
	id, err := ParseSpreadsheetID(cfg.SpreadsheetURL)
	if err != nil {
		return nil, err
	}

	creds, err := os.ReadFile(cfg.CredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	jwt, err := google.JWTConfigFromJSON(creds, sheetsScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	ctx := context.Background()
	return &Adapter{
		httpClient:    jwt.Client(ctx),
		apiBase:       defaultAPIBase,
		spreadsheetID: id,
		worksheetIdx:  cfg.WorksheetIndex,
		maxLogColumns: cfg.MaxLogColumns,
		logger:        logger,
	}, nil
}

// ParseSpreadsheetID extracts the document id from a spreadsheet URL
func ParseSpreadsheetID(rawURL string) (string, error) {
	m := spreadsheetIDRe.FindStringSubmatch(rawURL)
	if m == nil {
		return "", &apperrors.ConfigError{Key: "sheet.spreadsheet_url", Message: "no spreadsheet id in URL"}
	}
	return m[1], nil
}

// ListOrders reads the full order table. Row 1 must carry the required
// headers; data rows start at row 2.
func (a *Adapter) ListOrders(ctx context.Context) ([]core.RecurringOrder, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	title, err := a.worksheetTitle(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := a.getValues(ctx, fmt.Sprintf("%s!A1:Z", title))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &apperrors.SheetSchemaError{Missing: requiredHeaders}
	}

	columns, err := headerColumns(rows[0])
	if err != nil {
		return nil, err
	}

	orders := make([]core.RecurringOrder, 0, len(rows)-1)
	for i, row := range rows[1:] {
		order := core.RecurringOrder{
			RowIndex:  i + 2,
			Status:    cell(row, columns["status"]),
			Symbol:    cell(row, columns["stock symbol"]),
			Frequency: cell(row, columns["frequency"]),
		}
		order.PriceHint = parseMoney(cell(row, columns["price"]))
		order.AmountUSD = parseMoney(cell(row, columns["amount"]))
		if qty := parseMoney(cell(row, columns["qty to buy"])); qty.Valid {
			order.QtyToBuy = qty.Decimal.IntPart()
		}
		if order.Symbol == "" && order.Status == "" {
			continue // trailing blank row
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// AppendLog writes message into the first empty log column of the row,
// starting at column G. When the row already carries the maximum number of
// log cells, the last cell is overwritten so the newest entry survives.
func (a *Adapter) AppendLog(ctx context.Context, rowIndex int, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	title, err := a.worksheetTitle(ctx)
	if err != nil {
		return err
	}

	lastColumn := logStartColumn + a.maxLogColumns - 1
	probe := fmt.Sprintf("%s!%s%d:%s%d",
		title, columnName(logStartColumn), rowIndex, columnName(lastColumn), rowIndex)

	rows, err := a.getValues(ctx, probe)
	if err != nil {
		return err
	}

	filled := 0
	if len(rows) > 0 {
		for _, v := range rows[0] {
			if strings.TrimSpace(v) != "" {
				filled++
			} else {
				break
			}
		}
	}

	target := logStartColumn + filled
	if target > lastColumn {
		target = lastColumn
		a.logger.Warn("log columns exhausted, overwriting last cell",
			zap.Int("row", rowIndex), zap.Int("max_columns", a.maxLogColumns))
	}

	return a.putValue(ctx, fmt.Sprintf("%s!%s%d", title, columnName(target), rowIndex), message)
}

// worksheetTitle resolves and caches the title of the configured worksheet
func (a *Adapter) worksheetTitle(ctx context.Context) (string, error) {
	if a.sheetTitle != "" {
		return a.sheetTitle, nil
	}

	endpoint := fmt.Sprintf("%s/%s?fields=sheets.properties", a.apiBase, a.spreadsheetID)
	body, err := a.doRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}

	var meta struct {
		Sheets []struct {
			Properties struct {
				Title string `json:"title"`
			} `json:"properties"`
		} `json:"sheets"`
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return "", fmt.Errorf("decode spreadsheet metadata: %w", err)
	}
	if a.worksheetIdx >= len(meta.Sheets) {
		return "", &apperrors.ConfigError{
			Key:     "sheet.worksheet_index",
			Message: fmt.Sprintf("index %d out of range, spreadsheet has %d sheets", a.worksheetIdx, len(meta.Sheets)),
		}
	}

	a.sheetTitle = meta.Sheets[a.worksheetIdx].Properties.Title
	return a.sheetTitle, nil
}

func (a *Adapter) getValues(ctx context.Context, valueRange string) ([][]string, error) {
	endpoint := fmt.Sprintf("%s/%s/values/%s", a.apiBase, a.spreadsheetID, url.PathEscape(valueRange))
	body, err := a.doRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Values [][]string `json:"values"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode values: %w", err)
	}
	return resp.Values, nil
}

func (a *Adapter) putValue(ctx context.Context, valueRange, value string) error {
	endpoint := fmt.Sprintf("%s/%s/values/%s?valueInputOption=RAW",
		a.apiBase, a.spreadsheetID, url.PathEscape(valueRange))
	payload, _ := json.Marshal(map[string]any{"values": [][]string{{value}}})

	_, err := a.doRequest(ctx, http.MethodPut, endpoint, payload)
	return err
}

// doRequest issues one Sheets API call, retrying transient failures
// (network errors, throttling, 5xx) with backoff
func (a *Adapter) doRequest(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, retry.DefaultPolicy, isTransient, func() error {
		var reqBody io.Reader
		if payload != nil {
			reqBody = strings.NewReader(string(payload))
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: sheets request: %v", apperrors.ErrNetwork, err)
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read sheets response: %w", err)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: sheets API throttled", apperrors.ErrRateLimitExceeded)
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: sheets API returned %d", apperrors.ErrNetwork, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("sheets API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func isTransient(err error) bool {
	return errors.Is(err, apperrors.ErrNetwork) || errors.Is(err, apperrors.ErrRateLimitExceeded)
}

// headerColumns maps lowercase header titles to zero-based column indexes,
// failing with the full list of missing required headers
func headerColumns(header []string) (map[string]int, error) {
	columns := make(map[string]int, len(header))
	for i, h := range header {
		columns[strings.ToLower(strings.TrimSpace(h))] = i
	}

	var missing []string
	for _, h := range requiredHeaders {
		if _, ok := columns[strings.ToLower(h)]; !ok {
			missing = append(missing, h)
		}
	}
	if len(missing) > 0 {
		return nil, &apperrors.SheetSchemaError{Missing: missing}
	}
	return columns, nil
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// parseMoney reads a numeric cell, tolerating currency symbols and
// thousands separators
func parseMoney(s string) decimal.NullDecimal {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// columnName converts a 1-based column number to its A1 letter form
func columnName(n int) string {
	name := ""
	for n > 0 {
		n--
		name = string(rune('A'+n%26)) + name
		n /= 26
	}
	return name
}
