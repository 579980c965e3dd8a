package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/smtp"
	"net/url"
	"strings"
	"time"
)

const senderTimeout = 10 * time.Second

// DingTalkWebhook 通过钉钉群机器人 webhook 发送文本消息。
// Secret 配置后按机器人加签规则附加 timestamp/sign 参数。
type DingTalkWebhook struct {
	URL    string
	Secret string
	Client *http.Client
}

// Send 推送一条文本消息。
func (w *DingTalkWebhook) Send(ctx context.Context, content string) error {
	if w == nil || strings.TrimSpace(w.URL) == "" {
		return errors.New("未配置钉钉 webhook 地址")
	}
	endpoint := w.URL
	if w.Secret != "" {
		timestamp := time.Now().UnixMilli()
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%stimestamp=%d&sign=%s", endpoint, sep, timestamp,
			url.QueryEscape(dingTalkSign(timestamp, w.Secret)))
	}

	payload, err := json.Marshal(map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	})
	if err != nil {
		return fmt.Errorf("编码钉钉消息失败: %w", err)
	}
	body, err := postJSON(ctx, w.Client, endpoint, payload)
	if err != nil {
		return err
	}

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.Unmarshal(body, &result); err == nil && result.ErrCode != 0 {
		return fmt.Errorf("钉钉机器人拒绝消息: %d %s", result.ErrCode, result.ErrMsg)
	}
	return nil
}

// dingTalkSign 实现钉钉机器人的加签算法：
// base64(hmac-sha256(secret, "<timestamp>\n<secret>"))。
func dingTalkSign(timestamp int64, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d\n%s", timestamp, secret)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SlackWebhook 通过 incoming webhook 发送消息。channel 为空时
// 使用 webhook 自身绑定的频道。
type SlackWebhook struct {
	URL    string
	Client *http.Client
}

// Send 推送一条消息到指定频道。
func (w *SlackWebhook) Send(ctx context.Context, channel, content string) error {
	if w == nil || strings.TrimSpace(w.URL) == "" {
		return errors.New("未配置 slack webhook 地址")
	}
	message := map[string]string{"text": content}
	if channel != "" {
		message["channel"] = channel
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("编码 slack 消息失败: %w", err)
	}
	_, err = postJSON(ctx, w.Client, w.URL, payload)
	return err
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, payload []byte) ([]byte, error) {
	if client == nil {
		client = &http.Client{Timeout: senderTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构造告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送告警请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("告警请求被拒绝: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// SMTPEmail 通过 SMTP 服务器发送告警邮件。Username 为空时跳过认证，
// 服务器支持 STARTTLS 时自动升级连接。
type SMTPEmail struct {
	Addr     string
	Username string
	Password string
	From     string
}

// Send 发送主题加内容的纯文本邮件。
func (s *SMTPEmail) Send(ctx context.Context, subject, content string, to []string) error {
	if s == nil || strings.TrimSpace(s.Addr) == "" {
		return errors.New("未配置 SMTP 服务器地址")
	}
	if len(to) == 0 {
		return errors.New("邮件收件人不能为空")
	}

	dialer := net.Dialer{Timeout: senderTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("连接 SMTP 服务器失败: %w", err)
	}
	host, _, splitErr := net.SplitHostPort(s.Addr)
	if splitErr != nil {
		host = s.Addr
	}
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("建立 SMTP 会话失败: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("升级 STARTTLS 失败: %w", err)
		}
	}
	if s.Username != "" {
		auth := smtp.PlainAuth("", s.Username, s.Password, host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP 认证失败: %w", err)
		}
	}

	from := s.From
	if from == "" {
		from = s.Username
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("设置发件人失败: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("设置收件人 %s 失败: %w", rcpt, err)
		}
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("打开邮件正文失败: %w", err)
	}
	message := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s",
		from, strings.Join(to, ", "), mime.QEncoding.Encode("utf-8", subject), content)
	if _, err := writer.Write([]byte(message)); err != nil {
		writer.Close()
		return fmt.Errorf("写入邮件正文失败: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("提交邮件失败: %w", err)
	}
	return client.Quit()
}
