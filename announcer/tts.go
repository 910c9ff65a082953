package announcer

import (
	"fmt"
	"strings"
	"time"

	iface "CsCallerServer/interface"
	"CsCallerServer/logger"

	"github.com/go-resty/resty/v2"
)

const speechRequestTimeout = 5 * time.Second

// ConsoleSink 控制台播报：打印代替真实语音
type ConsoleSink struct{}

func (ConsoleSink) Say(text string) {
	fmt.Printf("[TTS] %s\n", text)
}

// SpeechHTTPSink 把文本 POST 给本机/局域网语音服务。
// 播报失败只记日志，不重试。
type SpeechHTTPSink struct {
	client *resty.Client
	url    string
}

func NewSpeechHTTPSink(url string) *SpeechHTTPSink {
	return &SpeechHTTPSink{
		client: resty.New().SetTimeout(speechRequestTimeout),
		url:    url,
	}
}

func (s *SpeechHTTPSink) Say(text string) {
	resp, err := s.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"text": text}).
		Post(s.url)
	if err != nil {
		logger.Log().Error(fmt.Sprintf("speech request error: %v", err))
		return
	}
	if resp.IsError() {
		logger.Log().Error(fmt.Sprintf("speech service returned error: %s, body: %s", resp.Status(), resp.String()))
	}
}

// NewSink 按 backend 创建播报出口：auto / http / console
func NewSink(backend, speechURL string) (iface.Sink, error) {
	normalized := strings.ToLower(strings.TrimSpace(backend))
	switch normalized {
	case "console":
		return ConsoleSink{}, nil
	case "http":
		if strings.TrimSpace(speechURL) == "" {
			return nil, &iface.ConfigError{Field: "speechURL", Reason: "required for http tts backend"}
		}
		return NewSpeechHTTPSink(speechURL), nil
	case "auto", "":
		if strings.TrimSpace(speechURL) != "" {
			return NewSpeechHTTPSink(speechURL), nil
		}
		return ConsoleSink{}, nil
	}
	return nil, &iface.ConfigError{Field: "ttsBackend", Reason: fmt.Sprintf("unknown backend %q", backend)}
}
