package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/contract-indexer/internal/circuitbreaker"
	apperrors "github.com/contract-indexer/internal/errors"
	"github.com/contract-indexer/internal/models"
	"github.com/contract-indexer/internal/ratelimit"
	"github.com/contract-indexer/internal/types"
)

// DefaultExplorerBaseURL is the Routescan v2 EVM API root
const DefaultExplorerBaseURL = "https://api.routescan.io/v2/network/mainnet/evm"

// ExplorerClient talks to a Routescan-style explorer API: the paginated
// address transaction listing and the per-transaction detail endpoint.
type ExplorerClient struct {
	baseURL    string
	apiKey     string
	chainID    int64
	httpClient *http.Client
	limiter    *rate.Limiter
	budget     ratelimit.Waiter
	breaker    *circuitbreaker.CircuitBreaker
}

// ExplorerClientConfig configures an ExplorerClient
type ExplorerClientConfig struct {
	BaseURL           string
	APIKey            string
	ChainID           int64
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	// Budget is an optional cross-process budget consumed by detail lookups
	Budget ratelimit.Waiter
	// Breaker optionally guards every request
	Breaker    *circuitbreaker.CircuitBreaker
	HTTPClient *http.Client
}

// NewExplorerClient creates a new explorer client
func NewExplorerClient(cfg *ExplorerClientConfig) *ExplorerClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultExplorerBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &ExplorerClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     cfg.APIKey,
		chainID:    cfg.ChainID,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		budget:     cfg.Budget,
		breaker:    cfg.Breaker,
	}
}

// AddressRef is an address field that the API renders either as a bare
// string or as an object with an id
type AddressRef string

// UnmarshalJSON accepts "0x.." or {"id":"0x.."}
func (a *AddressRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*a = ""
		return nil
	}
	if len(b) > 0 && b[0] == '{' {
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*a = AddressRef(strings.ToLower(obj.ID))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*a = AddressRef(strings.ToLower(s))
	return nil
}

// Numeric is a base-10 integer the API sends either quoted or bare
type Numeric string

// UnmarshalJSON accepts "123", 123 and null
func (n *Numeric) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*n = ""
		return nil
	}
	s := strings.Trim(string(b), `"`)
	if s == "" {
		*n = ""
		return nil
	}
	if strings.HasPrefix(s, "0x") {
		v, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return fmt.Errorf("invalid hex number %q", s)
		}
		*n = Numeric(strconv.FormatUint(v, 10))
		return nil
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return fmt.Errorf("invalid number %q", s)
		}
	}
	*n = Numeric(s)
	return nil
}

// Uint64 parses the value, returning nil when it is absent
func (n Numeric) Uint64() *uint64 {
	if n == "" {
		return nil
	}
	v, err := strconv.ParseUint(string(n), 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

// ExplorerTransaction is one item of the address transaction listing
type ExplorerTransaction struct {
	TxHash      string     `json:"txHash"`
	BlockNumber Numeric    `json:"blockNumber"`
	Timestamp   time.Time  `json:"timestamp"`
	From        AddressRef `json:"from"`
	To          AddressRef `json:"to"`
	Value       Numeric    `json:"value"`
	GasLimit    Numeric    `json:"gasLimit"`
	GasUsed     Numeric    `json:"gasUsed"`
	GasPrice    Numeric    `json:"gasPrice"`
	MethodID    string     `json:"methodId"`
	Status      *bool      `json:"status"`
}

// ToModel normalizes the item into a transaction of the given contract
func (t *ExplorerTransaction) ToModel(contract string) *models.Transaction {
	tx := &models.Transaction{
		Hash:            strings.ToLower(t.TxHash),
		ContractAddress: contract,
		From:            string(t.From),
		ValueWei:        string(t.Value),
		GasLimit:        t.GasLimit.Uint64(),
		GasUsed:         t.GasUsed.Uint64(),
		BlockTimestamp:  t.Timestamp.UTC(),
		Status:          types.StatusUnknown,
		Source:          types.SourceAPI,
	}
	if tx.ValueWei == "" {
		tx.ValueWei = "0"
	}
	if bn := t.BlockNumber.Uint64(); bn != nil {
		tx.BlockNumber = *bn
	}
	if t.To != "" {
		to := string(t.To)
		tx.To = &to
	}
	if t.GasPrice != "" {
		gp := string(t.GasPrice)
		tx.GasPrice = &gp
	}
	if t.MethodID != "" {
		m := strings.ToLower(t.MethodID)
		tx.MethodID = &m
	}
	if t.Status != nil {
		if *t.Status {
			tx.Status = types.StatusSuccess
		} else {
			tx.Status = types.StatusFailed
		}
	}
	return tx
}

// TransactionPage is one page of the address transaction listing
type TransactionPage struct {
	Items []ExplorerTransaction `json:"items"`
	Count int64                 `json:"count"`
	Link  struct {
		Next      string `json:"next"`
		NextToken string `json:"nextToken"`
	} `json:"link"`
}

// NextToken returns the continuation token, empty on the last page
func (p *TransactionPage) NextToken() string {
	return p.Link.NextToken
}

// TransactionDetail is the detail API view of one transaction
type TransactionDetail struct {
	TxHash            string            `json:"txHash"`
	GasUsed           Numeric           `json:"gasUsed"`
	GasPrice          Numeric           `json:"gasPrice"`
	EffectiveGasPrice Numeric           `json:"effectiveGasPrice"`
	Logs              []json.RawMessage `json:"logs"`
	Operations        []json.RawMessage `json:"operations"`
	Raw               json.RawMessage   `json:"-"`
}

// ListTransactions fetches one page of transactions touching address
func (c *ExplorerClient) ListTransactions(ctx context.Context, address, next string, limit int, sort types.SortOrder) (Result[*TransactionPage], error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("sort", string(sort))
	if next != "" {
		q.Set("next", next)
	}
	endpoint := fmt.Sprintf("%s/%d/address/%s/transactions?%s", c.baseURL, c.chainID, address, q.Encode())

	res, err := c.get(ctx, "explorer_list", endpoint, false)
	if err != nil || !res.IsOK() {
		return Result[*TransactionPage]{Outcome: res.Outcome, RetryAfter: res.RetryAfter, Detail: res.Detail}, err
	}

	var page TransactionPage
	if err := json.Unmarshal(res.Value, &page); err != nil {
		return Malformed[*TransactionPage](fmt.Sprintf("failed to decode page: %v", err)), nil
	}
	return OK(&page), nil
}

// GetTransaction fetches the detail view of a transaction
func (c *ExplorerClient) GetTransaction(ctx context.Context, hash string) (Result[*TransactionDetail], error) {
	endpoint := fmt.Sprintf("%s/%d/transactions/%s", c.baseURL, c.chainID, hash)

	res, err := c.get(ctx, "explorer_detail", endpoint, true)
	if err != nil || !res.IsOK() {
		return Result[*TransactionDetail]{Outcome: res.Outcome, RetryAfter: res.RetryAfter, Detail: res.Detail}, err
	}

	var detail TransactionDetail
	if err := json.Unmarshal(res.Value, &detail); err != nil {
		return Malformed[*TransactionDetail](fmt.Sprintf("failed to decode detail: %v", err)), nil
	}
	detail.Raw = res.Value
	return OK(&detail), nil
}

// get throttles, then sends the request through the breaker
func (c *ExplorerClient) get(ctx context.Context, api, endpoint string, useBudget bool) (Result[json.RawMessage], error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Result[json.RawMessage]{}, err
	}
	if useBudget && c.budget != nil {
		if err := c.budget.Wait(ctx); err != nil {
			return Result[json.RawMessage]{}, err
		}
	}

	do := func() (Result[json.RawMessage], error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return Result[json.RawMessage]{}, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return Result[json.RawMessage]{}, ctx.Err()
			}
			return Result[json.RawMessage]{}, apperrors.NewUpstreamError(api, err)
		}
		return decodeResponse[json.RawMessage](api, resp)
	}

	if c.breaker == nil {
		return do()
	}
	res, err := circuitbreaker.Do(ctx, c.breaker, do)
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return res, apperrors.NewServiceUnavailableError(api)
	}
	return res, err
}
