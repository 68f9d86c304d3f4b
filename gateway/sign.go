package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// timeNowMillis 可在测试中替换。
var timeNowMillis = func() int64 { return time.Now().UnixMilli() }

// Sign 计算 Bybit v5 签名：HMAC_SHA256(timestamp + apiKey + recvWindow + payload)。
// GET 请求的 payload 为 query string，POST 为 JSON body。
func Sign(secret string, ts int64, apiKey string, recvWindowMs int, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10) + apiKey + strconv.Itoa(recvWindowMs) + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// EncodeQuery 以 key 排序编码参数，保证签名与发送的 query 一致。
func EncodeQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(params[k]))
	}
	return strings.Join(parts, "&")
}
