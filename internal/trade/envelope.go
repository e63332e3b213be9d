package trade

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	sdkhttp "github.com/betbot/whaleconfirm/pkg/sdk/http"
)

// CodeOrderNotFound 订单不存在
const CodeOrderNotFound = 603001

// APIError 业务层错误（HTTP 2xx，但 code != 0）
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openapi error: code=%d message=%s", e.Code, e.Message)
}

// NotFound 是否为订单不存在
func (e *APIError) NotFound() bool { return e != nil && e.Code == CodeOrderNotFound }

type envelope struct {
	Code    *int            `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// decodeData 解析响应。带 code/data 外壳时取 data，否则整个 body 就是数据。
func decodeData(resp *sdkhttp.Response, out any) error {
	if resp == nil {
		return errors.New("empty response")
	}
	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return errors.Wrap(err, "decode response")
	}
	if env.Code == nil {
		return resp.JSON(out)
	}
	if *env.Code != 0 {
		return &APIError{Code: *env.Code, Message: env.Message}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return errors.New("response has no data")
	}
	return errors.Wrap(json.Unmarshal(env.Data, out), "decode response data")
}

// OrderIDExtractor 从下单响应中取出 order_id，作为等待推送的关联 key
func OrderIDExtractor(resp *sdkhttp.Response) (string, error) {
	var out SubmitOrderResponse
	if err := decodeData(resp, &out); err != nil {
		return "", err
	}
	if out.OrderID == "" {
		return "", errors.New("order_id missing in response")
	}
	return out.OrderID, nil
}
