package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"topstep-gateway/config"
	"topstep-gateway/internal/logging"
)

const accountCacheTTL = 5 * time.Minute

// Client is the typed facade over the broker REST API. Every call validates
// the session token first; broker-reported failures come back as typed
// results, not errors.
type Client struct {
	baseURL    string
	microOnly  bool
	httpClient *http.Client
	auth       *Authenticator
	log        *logging.Logger

	Contracts *ContractCache

	accountsMu sync.Mutex
	accounts   []Account
	accountsAt time.Time
}

// NewClient creates the REST facade and its contract cache
func NewClient(cfg config.BrokerConfig, auth *Authenticator, log *logging.Logger) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(cfg.APIBaseURL, "/"),
		microOnly:  cfg.MicroOnly,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		auth:       auth,
		log:        log.WithComponent("broker"),
	}
	c.Contracts = NewContractCache(c.fetchAvailableContracts, log)
	return c
}

// do issues an authenticated request and returns the status code and body.
// Transport and auth failures are errors; non-2xx statuses are not, so
// callers can treat codes like 404 as data.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	token, err := c.auth.EnsureValidToken(ctx)
	if err != nil {
		return 0, nil, err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("error marshaling request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("error creating request: %w", err)
	}
	for k, v := range c.auth.AuthHeaders(token) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("error calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("error reading %s response: %w", path, err)
	}
	return resp.StatusCode, data, nil
}

// post issues a POST and decodes a 200 response into out
func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	status, data, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%s returned status %d: %s", path, status, truncate(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("error decoding %s response: %w", path, err)
		}
	}
	return nil
}

func truncate(data []byte) string {
	const max = 300
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}

// apiStatus is the broker's standard response envelope
type apiStatus struct {
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// ==================== Accounts ====================

type accountSearchResponse struct {
	apiStatus
	Accounts []Account `json:"accounts"`
}

// FetchAccounts returns the tradeable accounts, cached for five minutes
// unless forceFresh is set
func (c *Client) FetchAccounts(ctx context.Context, forceFresh bool) ([]Account, error) {
	c.accountsMu.Lock()
	if !forceFresh && c.accounts != nil && time.Since(c.accountsAt) < accountCacheTTL {
		accounts := c.accounts
		c.accountsMu.Unlock()
		return accounts, nil
	}
	c.accountsMu.Unlock()

	var resp accountSearchResponse
	if err := c.post(ctx, "/Account/search", map[string]interface{}{"onlyActiveAccounts": true}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("account search rejected: code=%d message=%s", resp.ErrorCode, resp.ErrorMessage)
	}

	tradeable := make([]Account, 0, len(resp.Accounts))
	for _, acct := range resp.Accounts {
		if acct.CanTrade {
			tradeable = append(tradeable, acct)
		}
	}

	c.accountsMu.Lock()
	c.accounts = tradeable
	c.accountsAt = time.Now()
	c.accountsMu.Unlock()

	return tradeable, nil
}

// ==================== Contracts ====================

type contractListResponse struct {
	apiStatus
	Contracts []Contract `json:"contracts"`
}

// fetchAvailableContracts backs the contract cache
func (c *Client) fetchAvailableContracts(ctx context.Context) ([]Contract, error) {
	var resp contractListResponse
	if err := c.post(ctx, "/Contract/available", map[string]interface{}{"live": false}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("contract available rejected: code=%d message=%s", resp.ErrorCode, resp.ErrorMessage)
	}

	contracts := make([]Contract, 0, len(resp.Contracts))
	for _, contract := range resp.Contracts {
		if !contract.Active {
			continue
		}
		if c.microOnly && !isMicro(contract) {
			continue
		}
		contracts = append(contracts, contract)
	}
	return contracts, nil
}

// isMicro identifies micro-sized contracts by symbol prefix or description
func isMicro(contract Contract) bool {
	if strings.HasPrefix(strings.ToUpper(contract.Symbol), "M") {
		return true
	}
	return strings.Contains(strings.ToLower(contract.Name), "micro")
}

// SearchContracts runs a free-text contract search
func (c *Client) SearchContracts(ctx context.Context, searchText string) ([]Contract, error) {
	var resp contractListResponse
	body := map[string]interface{}{"searchText": searchText, "live": false}
	if err := c.post(ctx, "/Contract/search", body, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("contract search rejected: code=%d message=%s", resp.ErrorCode, resp.ErrorMessage)
	}
	return resp.Contracts, nil
}

// ==================== Orders ====================

type placeOrderResponse struct {
	apiStatus
	OrderID int64 `json:"orderId"`
}

// PlaceOrder maps an intent to the broker order schema and places it.
// Limit and stop prices are rounded to the contract tick first.
func (c *Client) PlaceOrder(ctx context.Context, intent OrderIntent) (OrderResult, error) {
	if err := intent.Validate(); err != nil {
		return OrderResult{Success: false, Error: err.Error()}, nil
	}

	orderType, err := BrokerOrderType(intent.OrderType)
	if err != nil {
		return OrderResult{Success: false, Error: err.Error()}, nil
	}
	side, err := BrokerSide(intent.Side)
	if err != nil {
		return OrderResult{Success: false, Error: err.Error()}, nil
	}

	contractID, err := c.Contracts.GetContractIDForInstrument(ctx, intent.Instrument)
	if err != nil {
		return OrderResult{}, fmt.Errorf("error resolving contract for %s: %w", intent.Instrument, err)
	}

	body := map[string]interface{}{
		"accountId":  intent.AccountID,
		"contractId": contractID,
		"type":       orderType,
		"side":       side,
		"size":       intent.Quantity,
	}
	if intent.OrderType == OrderTypeLimit && intent.LimitPrice != nil {
		body["limitPrice"] = c.Contracts.RoundToTick(contractID, *intent.LimitPrice)
	}
	if intent.OrderType == OrderTypeStop && intent.StopPrice != nil {
		body["stopPrice"] = c.Contracts.RoundToTick(contractID, *intent.StopPrice)
	}

	var resp placeOrderResponse
	if err := c.post(ctx, "/Order/place", body, &resp); err != nil {
		return OrderResult{}, err
	}
	if !resp.Success {
		return OrderResult{
			Success: false,
			Error:   fmt.Sprintf("broker rejected order: code=%d message=%s", resp.ErrorCode, resp.ErrorMessage),
		}, nil
	}

	c.log.Info("order placed", "account", intent.AccountID, "contract", contractID,
		"type", intent.OrderType, "side", intent.Side, "size", intent.Quantity, "broker_order_id", resp.OrderID)
	return OrderResult{Success: true, OrderID: resp.OrderID}, nil
}

// CancelOrder cancels a working order by broker order id
func (c *Client) CancelOrder(ctx context.Context, accountID, orderID int64) (CloseResult, error) {
	var resp apiStatus
	body := map[string]interface{}{"accountId": accountID, "orderId": orderID}
	if err := c.post(ctx, "/Order/cancel", body, &resp); err != nil {
		return CloseResult{}, err
	}
	if !resp.Success {
		return CloseResult{Success: false, ErrorCode: resp.ErrorCode, Error: resp.ErrorMessage}, nil
	}
	return CloseResult{Success: true}, nil
}

// EditStopLossAccount attaches or updates stop-loss and take-profit on a
// position. Prices are rounded to two decimals; nil leaves that leg unset.
func (c *Client) EditStopLossAccount(ctx context.Context, accountID, positionID int64, stopLoss, takeProfit *float64) (CloseResult, error) {
	body := map[string]interface{}{
		"accountId":  accountID,
		"positionId": positionID,
		"stopLoss":   nil,
		"takeProfit": nil,
	}
	if stopLoss != nil {
		body["stopLoss"] = roundDecimals(*stopLoss, 2)
	}
	if takeProfit != nil {
		body["takeProfit"] = roundDecimals(*takeProfit, 2)
	}

	var resp apiStatus
	if err := c.post(ctx, "/Order/editStopLossAccount", body, &resp); err != nil {
		return CloseResult{}, err
	}
	if !resp.Success {
		return CloseResult{Success: false, ErrorCode: resp.ErrorCode, Error: resp.ErrorMessage}, nil
	}
	return CloseResult{Success: true}, nil
}

// ==================== Positions ====================

type positionSearchResponse struct {
	apiStatus
	Positions []Position `json:"positions"`
	Orders    []Order    `json:"orders"`
}

// SearchPositions returns all positions for an account. A bare 404 from the
// broker means the account has none.
func (c *Client) SearchPositions(ctx context.Context, accountID int64) ([]Position, error) {
	path := fmt.Sprintf("/Position?accountId=%d", accountID)
	status, data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return []Position{}, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("position search returned status %d: %s", status, truncate(data))
	}

	var resp positionSearchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("error decoding position search response: %w", err)
	}
	return resp.Positions, nil
}

// SearchOpenPositions returns currently open positions for an account
func (c *Client) SearchOpenPositions(ctx context.Context, accountID int64) ([]Position, error) {
	status, data, err := c.do(ctx, http.MethodPost, "/Position/searchOpen", map[string]interface{}{"accountId": accountID})
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return []Position{}, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("open position search returned status %d: %s", status, truncate(data))
	}

	var resp positionSearchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("error decoding open position response: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("open position search rejected: code=%d message=%s", resp.ErrorCode, resp.ErrorMessage)
	}
	return resp.Positions, nil
}

// GetWorkingOrders returns unfilled orders for an account
func (c *Client) GetWorkingOrders(ctx context.Context, accountID int64) ([]Order, error) {
	path := fmt.Sprintf("/Position?accountId=%d&includeWorkingOrders=true", accountID)
	status, data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return []Order{}, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("working order search returned status %d: %s", status, truncate(data))
	}

	var resp positionSearchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("error decoding working order response: %w", err)
	}
	return resp.Orders, nil
}

// ClosePosition closes a position fully, or partially when size is given.
// The broker has distinct endpoints for the two cases.
func (c *Client) ClosePosition(ctx context.Context, accountID int64, contractID string, size *int) (CloseResult, error) {
	path := "/Position/closeContract"
	body := map[string]interface{}{"accountId": accountID, "contractId": contractID}
	if size != nil {
		path = "/Position/partialCloseContract"
		body["size"] = *size
	}

	var resp apiStatus
	if err := c.post(ctx, path, body, &resp); err != nil {
		return CloseResult{}, err
	}
	if !resp.Success {
		return CloseResult{Success: false, ErrorCode: resp.ErrorCode, Error: resp.ErrorMessage}, nil
	}
	return CloseResult{Success: true}, nil
}

// ==================== Trades & Statistics ====================

type tradeSearchResponse struct {
	apiStatus
	Trades []Trade `json:"trades"`
}

// TradeSearchParams filters a trade search
type TradeSearchParams struct {
	AccountID      int64      `json:"accountId"`
	StartTimestamp *time.Time `json:"startTimestamp,omitempty"`
	EndTimestamp   *time.Time `json:"endTimestamp,omitempty"`
}

// SearchTrades returns executed trades matching the filter
func (c *Client) SearchTrades(ctx context.Context, params TradeSearchParams) ([]Trade, error) {
	var resp tradeSearchResponse
	if err := c.post(ctx, "/Trade/search", params, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("trade search rejected: code=%d message=%s", resp.ErrorCode, resp.ErrorMessage)
	}
	return resp.Trades, nil
}

type statsResponse struct {
	apiStatus
	Stats []DailyStat `json:"stats"`
}

// TodayStats returns today's per-day statistics rows for an account
func (c *Client) TodayStats(ctx context.Context, accountID int64) ([]DailyStat, error) {
	var resp statsResponse
	path := fmt.Sprintf("/Statistics/todaystats?accountId=%d", accountID)
	if err := c.post(ctx, path, map[string]interface{}{}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("today stats rejected: code=%d message=%s", resp.ErrorCode, resp.ErrorMessage)
	}
	return resp.Stats, nil
}

// LifetimeStats returns per-day statistics rows across the account lifetime
func (c *Client) LifetimeStats(ctx context.Context, accountID int64) ([]DailyStat, error) {
	var resp statsResponse
	if err := c.post(ctx, "/Statistics/lifetimestats", map[string]interface{}{"accountId": accountID}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("lifetime stats rejected: code=%d message=%s", resp.ErrorCode, resp.ErrorMessage)
	}
	return resp.Stats, nil
}

// ==================== History (raw endpoint) ====================

type retrieveBarsResponse struct {
	apiStatus
	Bars []HistoryBar `json:"bars"`
}

// retrieveBars hits the history endpoint once; the queueing, caching, and
// retry policy live in the HistoryService
func (c *Client) retrieveBars(ctx context.Context, req HistoryRequest) ([]HistoryBar, error) {
	body := map[string]interface{}{
		"contractId":        req.ContractID,
		"unit":              req.Unit,
		"unitNumber":        req.UnitNumber,
		"limit":             req.Limit,
		"includePartialBar": req.IncludePartialBar,
		"live":              false,
	}
	if req.StartTime != nil {
		body["startTime"] = req.StartTime.UTC().Format(time.RFC3339)
	}
	if req.EndTime != nil {
		body["endTime"] = req.EndTime.UTC().Format(time.RFC3339)
	}

	var resp retrieveBarsResponse
	if err := c.post(ctx, "/History/retrieveBars", body, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("history retrieval rejected: code=%d message=%s", resp.ErrorCode, resp.ErrorMessage)
	}
	return resp.Bars, nil
}
