package adapter

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/time/rate"

	apperrors "github.com/contract-indexer/internal/errors"
	"github.com/contract-indexer/internal/logging"
	"github.com/contract-indexer/internal/models"
	"github.com/contract-indexer/internal/types"
)

// DefaultExportBaseURL is the Routescan asynchronous export API root
const DefaultExportBaseURL = "https://cdn.routescan.io/api/evm/all/exports"

// exportTimeLayout is the date format the export API accepts
const exportTimeLayout = "2006-01-02T15:04:05.000Z"

// maxExportSize bounds a downloaded export archive
const maxExportSize = 512 << 20

// ErrTooManyExports is returned when the API refuses to start another export
var ErrTooManyExports = errors.New("too many concurrent exports")

// ExportClient drives the asynchronous CSV export API
type ExportClient struct {
	baseURL        string
	httpClient     *http.Client
	downloadClient *http.Client
	limiter        *rate.Limiter
}

// ExportClientConfig configures an ExportClient
type ExportClientConfig struct {
	BaseURL         string
	Timeout         time.Duration
	DownloadTimeout time.Duration
	HTTPClient      *http.Client
}

// NewExportClient creates an export client
func NewExportClient(cfg *ExportClientConfig) *ExportClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultExportBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	downloadTimeout := cfg.DownloadTimeout
	if downloadTimeout <= 0 {
		downloadTimeout = 5 * time.Minute
	}

	httpClient := cfg.HTTPClient
	downloadClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
		downloadClient = &http.Client{Timeout: downloadTimeout}
	}

	return &ExportClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     httpClient,
		downloadClient: downloadClient,
		limiter:        rate.NewLimiter(rate.Limit(1), 1),
	}
}

// ExportRequest selects the transactions of one address in a date window
type ExportRequest struct {
	ChainID  int64
	Address  string
	Limit    int
	DateFrom time.Time
	DateTo   time.Time
}

// ExportStatus is the state of a running export
type ExportStatus struct {
	Status types.ExportStatus `json:"status"`
	URL    string             `json:"url"`
}

// Initiate starts an export and returns its id
func (c *ExportClient) Initiate(ctx context.Context, r ExportRequest) (string, error) {
	q := url.Values{}
	q.Set("includedChainIds", strconv.FormatInt(r.ChainID, 10))
	q.Set("address", r.Address)
	q.Set("limit", strconv.Itoa(r.Limit))
	q.Set("dateFrom", r.DateFrom.UTC().Format(exportTimeLayout))
	q.Set("dateTo", r.DateTo.UTC().Format(exportTimeLayout))
	q.Set("csvSeparator", ",")
	endpoint := fmt.Sprintf("%s/transactions?%s", c.baseURL, q.Encode())

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperrors.NewUpstreamError("export", err)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	if err != nil {
		return "", apperrors.NewUpstreamError("export", err)
	}

	// The concurrency refusal is recognised by its message, whatever the status
	if strings.Contains(strings.ToLower(string(body)), "too many concurrent") {
		return "", ErrTooManyExports
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", apperrors.NewUpstreamRateLimitError("export")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", apperrors.NewUpstreamError("export",
			fmt.Errorf("initiate rejected: status=%d, body=%s", resp.StatusCode, truncate(body)))
	}

	var out struct {
		ExportID string `json:"exportId"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.ExportID == "" {
		return "", apperrors.NewUpstreamError("export", fmt.Errorf("failed to initiate export: %s", truncate(body)))
	}
	return out.ExportID, nil
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return string(b)
}

// Status checks the state of an export
func (c *ExportClient) Status(ctx context.Context, exportID string) (*ExportStatus, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+url.PathEscape(exportID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.NewUpstreamError("export", err)
	}
	res, err := decodeResponse[ExportStatus]("export", resp)
	if err != nil {
		return nil, err
	}
	switch res.Outcome {
	case ResultOK:
		return &res.Value, nil
	case ResultRateLimited:
		return nil, apperrors.NewUpstreamRateLimitError("export")
	case ResultNotFound:
		return nil, apperrors.NewNotFoundError("export", exportID)
	default:
		return nil, apperrors.NewUpstreamError("export", fmt.Errorf("bad status response: %s", res.Detail))
	}
}

// Download fetches the export archive
func (c *ExportClient) Download(ctx context.Context, fileURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return nil, apperrors.NewUpstreamError("export_download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewUpstreamError("export_download", fmt.Errorf("status=%d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxExportSize+1))
	if err != nil {
		return nil, apperrors.NewUpstreamError("export_download", err)
	}
	if len(data) > maxExportSize {
		return nil, fmt.Errorf("export archive exceeds %d bytes", maxExportSize)
	}
	return data, nil
}

// ExportRow is one transaction row of an export CSV
type ExportRow struct {
	Hash        string
	BlockNumber uint64
	Timestamp   time.Time
	From        string
	To          string
	ValueWei    string
	GasLimit    *uint64
	GasUsed     *uint64
	GasPrice    *string
	Status      types.TransactionStatus
	MethodID    string
}

// ToModel normalizes the row into a transaction of the given contract
func (r *ExportRow) ToModel(contract string) *models.Transaction {
	tx := &models.Transaction{
		Hash:            r.Hash,
		ContractAddress: contract,
		From:            r.From,
		ValueWei:        r.ValueWei,
		GasLimit:        r.GasLimit,
		GasUsed:         r.GasUsed,
		GasPrice:        r.GasPrice,
		BlockNumber:     r.BlockNumber,
		BlockTimestamp:  r.Timestamp,
		Status:          r.Status,
		Source:          types.SourceExport,
	}
	if r.To != "" {
		to := r.To
		tx.To = &to
	}
	if r.MethodID != "" {
		m := r.MethodID
		tx.MethodID = &m
	}
	return tx
}

// columnAliases maps normalized header names onto row fields
var columnAliases = map[string]string{
	"txhash": "hash", "transactionhash": "hash", "hash": "hash",
	"blocknumber": "block", "blockno": "block", "block": "block",
	"timestamp": "time", "unixtimestamp": "time", "datetimeutc": "time", "datetime": "time", "date": "time",
	"from": "from", "fromaddress": "from",
	"to": "to", "toaddress": "to",
	"value": "value", "valuewei": "value", "valueinwei": "value",
	"gaslimit": "gas_limit", "gas": "gas_limit",
	"gasused": "gas_used",
	"gasprice": "gas_price",
	"status": "status", "txreceiptstatus": "status",
	"methodid": "method", "method": "method",
}

func normalizeHeader(h string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(h) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ParseExport opens the first CSV in the archive and parses its rows by
// header name. Rows without a hash or a parsable timestamp are skipped.
func ParseExport(archive []byte) ([]ExportRow, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("failed to open export archive: %w", err)
	}

	var csvFile *zip.File
	for _, f := range zr.File {
		if strings.HasSuffix(strings.ToLower(f.Name), ".csv") {
			csvFile = f
			break
		}
	}
	if csvFile == nil {
		return nil, fmt.Errorf("export archive contains no csv file")
	}

	rc, err := csvFile.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", csvFile.Name, err)
	}
	defer rc.Close()
	return ParseExportCSV(rc)
}

// ParseExportCSV parses export rows from a CSV stream
func ParseExportCSV(r io.Reader) ([]ExportRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}

	columns := make(map[string]int)
	for i, h := range header {
		if field, ok := columnAliases[normalizeHeader(h)]; ok {
			if _, dup := columns[field]; !dup {
				columns[field] = i
			}
		}
	}
	if _, ok := columns["hash"]; !ok {
		return nil, fmt.Errorf("csv header has no transaction hash column: %v", header)
	}

	var rows []ExportRow
	skipped := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv row: %w", err)
		}

		get := func(field string) string {
			i, ok := columns[field]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		row, ok := parseRow(get)
		if !ok {
			skipped++
			continue
		}
		rows = append(rows, row)
	}

	if skipped > 0 {
		logging.WithFields(map[string]interface{}{
			"parsed":  len(rows),
			"skipped": skipped,
		}).Warn("Skipped unparsable export rows")
	}
	return rows, nil
}

func parseRow(get func(string) string) (ExportRow, bool) {
	hash := strings.ToLower(get("hash"))
	if !strings.HasPrefix(hash, "0x") || len(hash) != 66 {
		return ExportRow{}, false
	}
	ts, ok := parseExportTime(get("time"))
	if !ok {
		return ExportRow{}, false
	}

	row := ExportRow{
		Hash:      hash,
		Timestamp: ts,
		From:      strings.ToLower(get("from")),
		To:        strings.ToLower(get("to")),
		ValueWei:  parseWei(get("value")),
		Status:    parseExportStatus(get("status")),
		MethodID:  strings.ToLower(get("method")),
	}
	if v, err := strconv.ParseUint(get("block"), 10, 64); err == nil {
		row.BlockNumber = v
	}
	if v, err := strconv.ParseUint(get("gas_limit"), 10, 64); err == nil {
		row.GasLimit = &v
	}
	if v, err := strconv.ParseUint(get("gas_used"), 10, 64); err == nil {
		row.GasUsed = &v
	}
	if gp := parseWei(get("gas_price")); gp != "0" {
		row.GasPrice = &gp
	}
	return row, true
}

var exportTimeLayouts = []string{
	time.RFC3339Nano,
	exportTimeLayout,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"1/2/2006 3:04:05 PM",
}

func parseExportTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), true
		}
		return time.Unix(n, 0).UTC(), true
	}
	for _, layout := range exportTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

var weiPerEther = new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// parseWei accepts an integer wei amount or a decimal ether amount
func parseWei(s string) string {
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return "0"
	}
	if v, ok := new(big.Int).SetString(s, 10); ok && v.Sign() >= 0 {
		return v.String()
	}
	if r, ok := new(big.Rat).SetString(s); ok && r.Sign() >= 0 {
		wei := new(big.Rat).Mul(r, weiPerEther)
		return new(big.Int).Quo(wei.Num(), wei.Denom()).String()
	}
	return "0"
}

func parseExportStatus(s string) types.TransactionStatus {
	switch strings.ToLower(s) {
	case "success", "succeeded", "1", "true", "ok":
		return types.StatusSuccess
	case "failed", "fail", "error", "0", "false", "reverted":
		return types.StatusFailed
	default:
		return types.StatusUnknown
	}
}
