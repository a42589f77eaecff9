package billing

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/xaenox/wwtd-bot/internal/apperror"
)

// ReceiptValidator posts receipts to a verifyReceipt-style endpoint.
type ReceiptValidator struct {
	client *http.Client
	url    string
	secret string
}

func NewReceiptValidator(url, sharedSecret string, timeout time.Duration) *ReceiptValidator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ReceiptValidator{
		client: &http.Client{Timeout: timeout},
		url:    url,
		secret: sharedSecret,
	}
}

func (v *ReceiptValidator) Validate(ctx context.Context, receipt []byte) ([]ReceiptEntry, error) {
	body, err := json.Marshal(map[string]string{
		"receipt-data": base64.StdEncoding.EncodeToString(receipt),
		"password":     v.secret,
	})
	if err != nil {
		return nil, fmt.Errorf("error encoding receipt request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error creating receipt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, apperror.Upstream("receipt validation", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperror.Upstream("receipt validation", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperror.Upstream("receipt validation", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	return ParseReceipt(data)
}

// LocalValidator parses receipts that are already in the validation
// response shape, such as those issued by MemoryQueue.
type LocalValidator struct{}

func (LocalValidator) Validate(ctx context.Context, receipt []byte) ([]ReceiptEntry, error) {
	return ParseReceipt(receipt)
}

// ParseReceipt reads latest_receipt_info[].{product_id, expires_date_ms}.
func ParseReceipt(data []byte) ([]ReceiptEntry, error) {
	if !gjson.ValidBytes(data) {
		return nil, apperror.Validation("malformed receipt response", nil)
	}

	if status := gjson.GetBytes(data, "status"); status.Exists() && status.Int() != 0 {
		return nil, apperror.Validation(fmt.Sprintf("receipt rejected with status %d", status.Int()), nil)
	}

	info := gjson.GetBytes(data, "latest_receipt_info")
	if !info.Exists() {
		return nil, apperror.Validation("receipt response has no latest_receipt_info", nil)
	}
	if !info.IsArray() {
		return nil, apperror.Validation("latest_receipt_info is not a list", nil)
	}

	var (
		entries []ReceiptEntry
		bad     error
	)
	info.ForEach(func(_, item gjson.Result) bool {
		productID := item.Get("product_id").String()
		if productID == "" {
			bad = apperror.Validation("receipt entry has no product_id", nil)
			return false
		}
		ms, err := strconv.ParseInt(item.Get("expires_date_ms").String(), 10, 64)
		if err != nil {
			bad = apperror.Validation("receipt entry has invalid expires_date_ms", err)
			return false
		}
		entries = append(entries, ReceiptEntry{
			ProductID: productID,
			ExpiresAt: time.UnixMilli(ms).UTC(),
		})
		return true
	})
	if bad != nil {
		return nil, bad
	}
	return entries, nil
}
