package http

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Sign 计算请求签名：HMAC-SHA256(secret, ts + method + path + query + body)，hex 编码
func Sign(secret string, timestamp int64, method, path, query string, body []byte) string {
	message := strconv.FormatInt(timestamp, 10) + method + path
	if query != "" {
		message += "?" + query
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
