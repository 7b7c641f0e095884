package aster

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wTHU1Ew/DeltaRotor/internal/logger"
	"github.com/wTHU1Ew/DeltaRotor/pkg/models"
)

// Client Aster期货API客户端 / Aster futures API client (Binance-compatible fapi, hedge mode)
type Client struct {
	apiURL      string
	apiKey      string
	apiSecret   string
	httpClient  *http.Client
	maxRetries  int
	recvWindow  int
	retryBase   time.Duration
	debugEnable bool
	log         *logger.Logger
	now         func() time.Time
}

// New 创建新的Aster客户端 / Create new Aster client
// 初始化Aster API客户端，配置HTTP超时和重试策略
// Initialize Aster API client with HTTP timeout and retry strategy
//
// Parameters:
//   - apiURL: Aster futures base URL (e.g., "https://fapi.asterdex.com")
//   - apiKey: API key, sent as X-MBX-APIKEY
//   - apiSecret: API secret used for the HMAC-SHA256 signature
//   - timeout: HTTP request timeout in seconds
//   - maxRetries: Maximum retry attempts for read requests
//   - recvWindow: Signed request validity window in milliseconds
//   - debugEnable: Whether to log raw API responses at DEBUG level
//   - log: Logger for request diagnostics
//
// Returns:
//   - *Client: 配置完成的Aster客户端实例 / Configured Aster client instance ready for API calls
func New(apiURL, apiKey, apiSecret string, timeout, maxRetries, recvWindow int, debugEnable bool, log *logger.Logger) *Client {
	return &Client{
		apiURL:    strings.TrimRight(apiURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		httpClient: &http.Client{
			Timeout: time.Duration(timeout) * time.Second,
		},
		maxRetries:  maxRetries,
		recvWindow:  recvWindow,
		retryBase:   time.Second,
		debugEnable: debugEnable,
		log:         log.With("aster"),
		now:         time.Now,
	}
}

// sign 生成API签名 / Generate API signature
// HMAC-SHA256(secret, 查询字符串)，十六进制编码
// HMAC-SHA256 over the url-encoded parameter string, hex encoded
func (c *Client) sign(payload string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// doRequest 执行HTTP请求（带重试机制）/ Execute HTTP request with retry mechanism
// 签名请求追加 timestamp、recvWindow 与 signature；GET参数放在URL，POST参数放在表单体
// Signed requests carry timestamp, recvWindow and signature; GET parameters go in
// the URL, POST parameters in the form body
//
// 重试算法 / Retry algorithm:
//   - 初始尝试 + 最多retries次重试 / Initial attempt + up to retries retries
//   - 指数退避: 第n次重试等待 retryBase * 2^(n-1) / Exponential backoff, 1s, 2s, 4s by default
//   - 仅在可恢复错误时重试（网络错误、限流、5xx）/ Retry only on recoverable errors (network, rate limit, 5xx)
//   - 每次重试重新签名 / Every attempt is signed with a fresh timestamp
//
// Parameters:
//   - ctx: 取消后停止重试 / Cancelling stops further attempts
//   - method: HTTP method ("GET", "POST")
//   - path: API endpoint path (e.g., "/fapi/v2/positionRisk")
//   - params: Request parameters, may be nil
//   - signed: Whether the endpoint requires a signature
//   - retries: Retry budget for this call; orders pass 0
//
// Returns:
//   - []byte: API响应的原始字节数据 / Raw byte data from API response
//   - error: *APIError 或网络错误 / *APIError or a transport error, both report Temporary()
func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, signed bool, retries int) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			backoff := c.retryBase * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("request cancelled after %d attempts: %w", attempt, lastErr)
			case <-time.After(backoff):
			}
		}

		body, err := c.attempt(ctx, method, path, params, signed)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return nil, err
		}
		c.log.Warn("%s %s attempt %d failed: %v", method, path, attempt+1, err)
	}

	if retries == 0 {
		return nil, lastErr
	}
	return nil, fmt.Errorf("request failed after %d retries: %w", retries, lastErr)
}

// attempt 单次请求 / Single signed round trip
func (c *Client) attempt(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	query := url.Values{}
	for k, v := range params {
		query[k] = v
	}

	payload := query.Encode()
	if signed {
		query.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		query.Set("recvWindow", strconv.Itoa(c.recvWindow))
		payload = query.Encode()
		payload += "&signature=" + c.sign(payload)
	}

	reqURL := c.apiURL + path
	var reqBody io.Reader
	if method == http.MethodGet {
		if payload != "" {
			reqURL += "?" + payload
		}
	} else {
		reqBody = strings.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transportError{err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if c.debugEnable {
		c.log.Debug("%s %s status=%d body=%s", method, path, resp.StatusCode, string(respBody))
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode}
		if jerr := json.Unmarshal(respBody, apiErr); jerr != nil || apiErr.Msg == "" {
			apiErr.Msg = strings.TrimSpace(string(respBody))
		}
		return nil, apiErr
	}

	// some endpoints answer 200 with {"code":<negative>,"msg":...}
	if len(respBody) > 0 && respBody[0] == '{' {
		var base APIError
		if err := json.Unmarshal(respBody, &base); err == nil && base.Code < 0 {
			base.Status = resp.StatusCode
			return nil, &base
		}
	}

	return respBody, nil
}

// GetPositions 获取持仓信息 / Get positions
// 获取指定交易对在对冲模式下的LONG/SHORT持仓，包含数量为零的一侧
// Fetch hedge-mode LONG/SHORT positions for symbol, zero-amount sides included
//
// Parameters:
//   - symbol: 交易对 / Trading pair (e.g., "BTCUSDT")
//
// Returns:
//   - []models.ExchangePosition: 持仓快照 / Snapshot, Amount is signed (SHORT negative)
//   - error: API请求失败或响应解析失败时返回错误 / Error on API request failure or response parsing failure
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]models.ExchangePosition, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	respBody, err := c.doRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, true, c.maxRetries)
	if err != nil {
		return nil, err
	}

	var raw []positionRisk
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	positions := make([]models.ExchangePosition, 0, len(raw))
	for _, p := range raw {
		side := models.PositionSide(p.PositionSide)
		if p.Symbol != symbol || !side.IsValid() {
			continue
		}
		positions = append(positions, models.ExchangePosition{
			Symbol:        p.Symbol,
			Side:          side,
			Amount:        p.PositionAmt.InexactFloat64(),
			EntryPrice:    p.EntryPrice.InexactFloat64(),
			MarkPrice:     p.MarkPrice.InexactFloat64(),
			UnrealizedPnL: p.UnRealizedProfit.InexactFloat64(),
			Leverage:      int(p.Leverage.IntPart()),
		})
	}
	return positions, nil
}

// GetMarkPrice 获取标记价格 / Get mark price
// 兼容单对象与数组两种响应 / Accepts both the object and the array response shape
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	respBody, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/premiumIndex", params, false, c.maxRetries)
	if err != nil {
		return 0, err
	}

	var indices []premiumIndex
	if len(respBody) > 0 && respBody[0] == '[' {
		if err := json.Unmarshal(respBody, &indices); err != nil {
			return 0, fmt.Errorf("failed to parse response: %w", err)
		}
	} else {
		var single premiumIndex
		if err := json.Unmarshal(respBody, &single); err != nil {
			return 0, fmt.Errorf("failed to parse response: %w", err)
		}
		indices = append(indices, single)
	}

	for _, idx := range indices {
		if idx.Symbol == symbol || (len(indices) == 1 && idx.Symbol == "") {
			price := idx.MarkPrice.InexactFloat64()
			if price <= 0 || math.IsNaN(price) {
				return 0, fmt.Errorf("invalid mark price %s for %s", idx.MarkPrice.String(), symbol)
			}
			return price, nil
		}
	}
	return 0, fmt.Errorf("symbol %s not found in mark price response", symbol)
}

// PlaceMarketOrder 下市价单 / Place market order
// 对冲模式市价单，newOrderRespType=RESULT 返回成交均价与成交量；
// 随后查询成交明细补充手续费与已实现盈亏（失败仅告警，不影响成交结果）
// Hedge-mode market order with newOrderRespType=RESULT so the response carries
// average price and executed quantity; commission and realized PnL are then
// read from the account trade list (a failure there is logged, the fill stands)
//
// 下单请求不重试，避免重复成交 / Order placement is never retried to avoid duplicate fills
//
// Parameters:
//   - req: 下单请求 / Order request (symbol, side, position side, quantity, reduce-only)
//
// Returns:
//   - *models.OrderResult: 成交结果 / Fill result
//   - error: 请求被拒绝或网络错误时返回 / Error when rejected or the outcome is unknown
func (c *Client) PlaceMarketOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid order request: %w", err)
	}

	clientOrderID := uuid.NewString()
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("positionSide", string(req.PositionSide))
	params.Set("type", string(models.OrderTypeMarket))
	params.Set("quantity", decimal.NewFromFloat(req.Quantity).String())
	params.Set("newClientOrderId", clientOrderID)
	params.Set("newOrderRespType", "RESULT")
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	respBody, err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/order", params, true, 0)
	if err != nil {
		return nil, fmt.Errorf("order %s %s %s failed: %w", req.Symbol, req.Side, req.PositionSide, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse order response: %w", err)
	}

	result := &models.OrderResult{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		PositionSide:  req.PositionSide,
		ExecutedQty:   resp.ExecutedQty.InexactFloat64(),
		AvgPrice:      resp.AvgPrice.InexactFloat64(),
	}
	if result.ClientOrderID == "" {
		result.ClientOrderID = clientOrderID
	}
	if resp.UpdateTime > 0 {
		result.UpdateTime = time.UnixMilli(resp.UpdateTime).UTC()
	}
	if result.AvgPrice == 0 && !resp.ExecutedQty.IsZero() && !resp.CumQuote.IsZero() {
		result.AvgPrice = resp.CumQuote.Div(resp.ExecutedQty).InexactFloat64()
	}

	c.log.Info("Order placed: %s %s %s qty=%s | OrderID: %s", req.Symbol, req.Side, req.PositionSide,
		resp.ExecutedQty.String(), result.OrderID)

	if err := c.fillDetails(ctx, req.Symbol, resp.OrderID, result); err != nil {
		c.log.Warn("Failed to load fill details for order %s: %v", result.OrderID, err)
	}
	return result, nil
}

// fillDetails 汇总成交明细 / Sum commission and realized PnL across the order's fills
func (c *Client) fillDetails(ctx context.Context, symbol string, orderID int64, result *models.OrderResult) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	respBody, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/userTrades", params, true, c.maxRetries)
	if err != nil {
		return err
	}

	var trades []userTrade
	if err := json.Unmarshal(respBody, &trades); err != nil {
		return fmt.Errorf("failed to parse user trades: %w", err)
	}

	commission := decimal.Zero
	pnl := decimal.Zero
	for _, t := range trades {
		if t.OrderID != orderID {
			continue
		}
		commission = commission.Add(t.Commission.Abs())
		pnl = pnl.Add(t.RealizedPnl)
	}
	result.Commission = commission.InexactFloat64()
	result.RealizedPnL = pnl.InexactFloat64()
	return nil
}

// ClosePosition 平仓 / Close an entire position side
// 读取当前持仓，对非零的一侧发送全量 reduce-only 市价单；无持仓时返回空结果
// Read current positions and send a reduce-only market order for the full
// absolute amount; returns an empty result when the side is already flat
func (c *Client) ClosePosition(ctx context.Context, symbol string, side models.PositionSide) (*models.OrderResult, error) {
	positions, err := c.GetPositions(ctx, symbol)
	if err != nil {
		return nil, err
	}

	for _, pos := range positions {
		if pos.Side != side || pos.Amount == 0 {
			continue
		}
		return c.PlaceMarketOrder(ctx, models.OrderRequest{
			Symbol:       symbol,
			Side:         side.CloseOrderSide(),
			PositionSide: side,
			Quantity:     math.Abs(pos.Amount),
			ReduceOnly:   true,
		})
	}

	c.log.Warn("No open position found for %s %s", symbol, side)
	return &models.OrderResult{}, nil
}

// SetLeverage 设置杠杆 / Set leverage for a symbol
// -4046 表示无需变更，视为成功 / Code -4046 means nothing to change and counts as success
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))

	_, err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params, true, c.maxRetries)
	if isCode(err, codeNoNeedChangeLev) {
		c.log.Debug("Leverage already set to %dx", leverage)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to set leverage: %w", err)
	}
	c.log.Info("Leverage set: %s -> %dx", symbol, leverage)
	return nil
}

// SetHedgeMode 开启双向持仓 / Enable hedge (dual side) position mode
// -4059 表示无需变更 / Code -4059 means already in hedge mode
func (c *Client) SetHedgeMode(ctx context.Context) error {
	params := url.Values{}
	params.Set("dualSidePosition", "true")

	_, err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/positionSide/dual", params, true, c.maxRetries)
	if isCode(err, codeNoNeedChangePosSide) {
		c.log.Debug("Position mode already hedge")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to set position mode: %w", err)
	}
	c.log.Info("Position mode set to: hedge")
	return nil
}

// GetAccountBalance 获取账户余额 / Get futures wallet balance for one asset
func (c *Client) GetAccountBalance(ctx context.Context, asset string) (*models.AccountBalance, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, "/fapi/v2/balance", nil, true, c.maxRetries)
	if err != nil {
		return nil, err
	}

	var entries []balanceEntry
	if err := json.Unmarshal(respBody, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	for _, e := range entries {
		if e.Asset != asset {
			continue
		}
		ts := c.now().UTC()
		if e.UpdateTime > 0 {
			ts = time.UnixMilli(e.UpdateTime).UTC()
		}
		return &models.AccountBalance{
			Asset:         e.Asset,
			Balance:       e.Balance.InexactFloat64(),
			Available:     e.AvailableBalance.InexactFloat64(),
			UnrealizedPnL: e.CrossUnPnl.InexactFloat64(),
			Timestamp:     ts,
		}, nil
	}
	return nil, fmt.Errorf("asset %s not found in balance response", asset)
}

// HealthCheck 健康检查 / Health check by testing API connectivity
// 通过获取USDT余额验证连接与认证 / Verifies connectivity and authentication via the USDT balance
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.GetAccountBalance(ctx, "USDT")
	return err
}

func isCode(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
