package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxResponseBytes ограничивает размер читаемого тела ответа провайдера.
const maxResponseBytes = 1 << 20

// Client выполняет реальные HTTP-запросы к API провайдера.
type Client struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент провайдера с ограниченным временем запроса.
func NewClient(apiURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		apiURL: strings.TrimRight(apiURL, "/"),
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type providerResponse struct {
	Order json.RawMessage `json:"order"`
	Error string          `json:"error"`
}

// PlaceOrder отправляет form-encoded запрос на создание заказа.
// Успех — только 2xx-ответ с JSON-телом, содержащим поле order.
func (c *Client) PlaceOrder(ctx context.Context, req PlacementRequest) Result {
	form := url.Values{}
	form.Set("key", c.apiKey)
	form.Set("action", "add")
	form.Set("service", req.ProviderServiceID)
	form.Set("link", req.Link)
	form.Set("quantity", strconv.FormatInt(req.Quantity, 10))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{Success: false, Message: fmt.Sprintf("create provider request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{Success: false, Message: fmt.Sprintf("provider request failed: %v", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{Success: false, Message: "read provider response failed"}
	}

	var parsed providerResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{Success: false, Message: "invalid provider response"}
	}

	orderID := orderIDFromRaw(parsed.Order)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices || orderID == "" {
		msg := parsed.Error
		if msg == "" {
			msg = "provider rejected order"
		}
		return Result{Success: false, Message: msg, Raw: body}
	}

	return Result{
		Success:         true,
		ProviderOrderID: orderID,
		Raw:             body,
	}
}

// orderIDFromRaw приводит поле order к строке: провайдеры возвращают
// идентификатор то числом, то строкой.
func orderIDFromRaw(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return strings.TrimSpace(asString)
	}

	var asNumber json.Number
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return asNumber.String()
	}

	return ""
}
